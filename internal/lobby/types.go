// Package lobby implements the host-centered star topology state machine:
// admission, rejection, kicking, approval, presence, disconnect, and
// reconnect. It is the "Lobby session manager" of the core.
package lobby

import (
	"time"

	"github.com/arcade-mesh/core/internal/identity"
	"github.com/arcade-mesh/core/internal/wire"
)

// Player is one seat in the lobby. Ordering within the slice that holds
// Players is insertion order, which doubles as turn order.
type Player struct {
	LogicalID   identity.PeerIdentity
	DisplayName string
	IsHost      bool
	IsReady     bool
	IsConnected bool
}

func (p Player) view() wire.PlayerView {
	return wire.PlayerView{
		LogicalID:   string(p.LogicalID),
		DisplayName: p.DisplayName,
		IsHost:      p.IsHost,
		IsReady:     p.IsReady,
		IsConnected: p.IsConnected,
	}
}

func playerViews(players []Player) []wire.PlayerView {
	views := make([]wire.PlayerView, len(players))
	for i, p := range players {
		views[i] = p.view()
	}
	return views
}

// Settings is the host-controlled lobby configuration.
type Settings struct {
	RequiresRequest bool
	PerGameSettings map[string]map[string]interface{}
}

func (s Settings) wire() wire.LobbySettings {
	return wire.LobbySettings{
		RequiresRequest: s.RequiresRequest,
		PerGameSettings: s.PerGameSettings,
	}
}

// PendingJoinRequest is held only while Settings.RequiresRequest is true
// and the host user has not yet approved or denied the joiner.
type PendingJoinRequest struct {
	LogicalID   identity.PeerIdentity
	DisplayName string
	SubmittedAt time.Time
	conn        connHandle
}

// JoinStatus is the guest-side state of its own join attempt.
type JoinStatus int

const (
	JoinStatusConnecting JoinStatus = iota
	JoinStatusPending
	JoinStatusAccepted
	JoinStatusRejected
)

// MaxPlayersForGame is supplied by the host application (it depends on
// which game is selected); the lobby manager treats it as an opaque
// capacity function rather than hardcoding any game's player count.
type MaxPlayersForGame func(gameID string) int

// Event is the observable surface the lobby manager emits to its UI
// collaborator. Handlers never block on or inspect UI behavior; they only
// push events onto a channel the embedder drains.
type Event interface{ isLobbyEvent() }

type EventPlayersChanged struct{ Players []Player }
type EventJoinStatusChanged struct {
	Status JoinStatus
	Reason wire.RejectReason
}
type EventPendingRequestsChanged struct{ Pending []PendingJoinRequest }
type EventSettingsChanged struct{ Settings Settings }
type EventGameSelected struct{ GameID string }
type EventGameStarted struct {
	GameID  string
	Players []Player
}
type EventTornDown struct{ Reason string }
type EventGameMessage struct {
	InnerType string
	Data      []byte
	SenderID  identity.PeerIdentity
}

func (EventPlayersChanged) isLobbyEvent()        {}
func (EventJoinStatusChanged) isLobbyEvent()      {}
func (EventPendingRequestsChanged) isLobbyEvent() {}
func (EventSettingsChanged) isLobbyEvent()        {}
func (EventGameSelected) isLobbyEvent()           {}
func (EventGameStarted) isLobbyEvent()            {}
func (EventTornDown) isLobbyEvent()               {}
func (EventGameMessage) isLobbyEvent()            {}

const (
	// ReconnectWindow is how long a disconnected guest's seat is held
	// open before the host gives up on it (spec.md section 5).
	ReconnectWindow = 5 * time.Second
	// PreCloseGrace is how long the host waits after sending a terminal
	// rejection before tearing the socket down, so the peer has time to
	// actually receive the bytes.
	PreCloseGrace = 500 * time.Millisecond
)
