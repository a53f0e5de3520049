// Package identity models the stable logical participant id and the
// host-issued reconnection token, plus the small per-session capability
// that stores a guest's own identity across reconnects within a tab.
package identity

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PeerIdentity is the stable logical id a participant chooses and keeps
// across reconnect attempts within a lobby session. It is distinct from
// (and outlives) any particular transport address.
type PeerIdentity string

// NewPeerIdentity mints a fresh logical id for a first-time participant.
// Guests that reconnect present their previously stored id instead of
// calling this again.
func NewPeerIdentity() PeerIdentity {
	return PeerIdentity(uuid.NewString())
}

// SessionToken is a high-entropy opaque string issued by the host on
// first admission of a logical id and required on every later reconnect
// by that id. It must never be decodable into claims about the player —
// only the host's own map gives it meaning.
type SessionToken string

// NewSessionToken mints a fresh token. 20 random bytes (160 bits),
// base32-encoded without padding, keeps it URL-safe and easy to log a
// truncated prefix of without leaking the whole secret.
func NewSessionToken() (SessionToken, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("TOKEN_GENERATION_FAILED: %w", err)
	}
	return SessionToken(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)), nil
}

// Redacted returns a short prefix suitable for log lines, never the full
// token.
func (t SessionToken) Redacted() string {
	s := string(t)
	if len(s) <= 8 {
		return s
	}
	return s[:8] + "…"
}

// Store is the capability a core instance is constructed with instead of
// reaching for ambient/global state — the browser sessionStorage
// equivalent for one participant's own identity within one game tab.
// Implementations must be safe for concurrent use even though the core
// itself is single-threaded per lobby, since a process may host multiple
// lobbies.
type Store interface {
	// Load returns the previously stored identity for this tab, or
	// ok=false if none has ever been saved.
	Load() (logicalID PeerIdentity, token SessionToken, displayName string, ok bool)
	// Save persists the participant's own identity. Called once on first
	// admission; SessionToken never changes afterward for the life of the
	// tab (data-model invariant).
	Save(logicalID PeerIdentity, token SessionToken, displayName string)
	// Clear wipes the stored identity, e.g. after an intentional leave.
	Clear()
}

// MemoryStore is an in-process Store, standing in for the browser's
// sessionStorage when the core runs outside a browser (tests, the CLI
// entrypoints, a WASM build without persistent storage configured).
type MemoryStore struct {
	mu          sync.Mutex
	logicalID   PeerIdentity
	token       SessionToken
	displayName string
	set         bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load() (PeerIdentity, SessionToken, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logicalID, m.token, m.displayName, m.set
}

func (m *MemoryStore) Save(logicalID PeerIdentity, token SessionToken, displayName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logicalID = logicalID
	m.token = token
	m.displayName = displayName
	m.set = true
}

func (m *MemoryStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m = MemoryStore{}
}
