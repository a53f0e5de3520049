package consensus

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcade-mesh/core/internal/identity"
	"github.com/arcade-mesh/core/internal/wire"
)

// echoAdapter is a trivial GameAdapter: every move is valid, state is the
// move itself, nothing ever ends the game. Good enough to exercise the
// consensus protocol in isolation from any real game's rules.
type echoAdapter struct{}

func (echoAdapter) InitialState(int, map[string]interface{}) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (echoAdapter) ValidateMove(json.RawMessage, json.RawMessage, int) bool { return true }
func (echoAdapter) ApplyMove(_ json.RawMessage, move json.RawMessage) (json.RawMessage, *TerminalResult, error) {
	return move, nil, nil
}

// refusingAdapter rejects every proposed move, used to test the starve
// path where an invalid proposal never becomes a pending move.
type refusingAdapter struct{ echoAdapter }

func (refusingAdapter) ValidateMove(json.RawMessage, json.RawMessage, int) bool { return false }

// fakeHostMessenger records every send instead of touching any transport,
// and lets tests drive "the other players approved" directly.
type fakeHostMessenger struct {
	connected  []identity.PeerIdentity
	broadcasts []fakeSend
	unicasts   []fakeSend
}

type fakeSend struct {
	target    identity.PeerIdentity
	innerType string
	data      json.RawMessage
}

func (f *fakeHostMessenger) Broadcast(innerType string, data json.RawMessage, originalSenderID identity.PeerIdentity) error {
	f.broadcasts = append(f.broadcasts, fakeSend{target: originalSenderID, innerType: innerType, data: data})
	return nil
}
func (f *fakeHostMessenger) SendTo(target identity.PeerIdentity, innerType string, data json.RawMessage) error {
	f.unicasts = append(f.unicasts, fakeSend{target: target, innerType: innerType, data: data})
	return nil
}
func (f *fakeHostMessenger) ConnectedPlayerIDs() []identity.PeerIdentity { return f.connected }

type fakeGuestMessenger struct {
	toHost []fakeSend
}

func (f *fakeGuestMessenger) SendToHost(innerType string, data json.RawMessage) error {
	f.toHost = append(f.toHost, fakeSend{innerType: innerType, data: data})
	return nil
}

func noopLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestHostEngine_ProposeMove_SelfApprovesImmediately(t *testing.T) {
	messenger := &fakeHostMessenger{connected: []identity.PeerIdentity{"host"}}
	engine := NewHostEngine(echoAdapter{}, "host", messenger, noopLog())
	engine.SetPlayers([]identity.PeerIdentity{"host", "guest-1"})
	require.NoError(t, engine.Start(2, nil))

	move := json.RawMessage(`{"cell":0}`)
	require.NoError(t, engine.ProposeMove(move))

	require.Len(t, messenger.broadcasts, 1)
	assert.Equal(t, wire.InnerProposeMove, messenger.broadcasts[0].innerType)
}

func TestHostEngine_ProposeMove_RefusesWhileBusy(t *testing.T) {
	messenger := &fakeHostMessenger{connected: []identity.PeerIdentity{"host", "guest-1"}}
	engine := NewHostEngine(echoAdapter{}, "host", messenger, noopLog())
	engine.SetPlayers([]identity.PeerIdentity{"host", "guest-1"})
	require.NoError(t, engine.Start(2, nil))

	require.NoError(t, engine.ProposeMove(json.RawMessage(`{"cell":0}`)))
	err := engine.ProposeMove(json.RawMessage(`{"cell":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONSENSUS_BUSY")
}

// Why: this is the protocol's happy path end to end — a guest proposes,
// the host relays and self-validates, the guest approves, and once every
// connected player has approved the host finalizes and broadcasts.
func TestHostEngine_GuestProposal_FinalizesOnceAllApprove(t *testing.T) {
	messenger := &fakeHostMessenger{connected: []identity.PeerIdentity{"host", "guest-1"}}
	engine := NewHostEngine(echoAdapter{}, "host", messenger, noopLog())
	engine.SetPlayers([]identity.PeerIdentity{"host", "guest-1"})
	require.NoError(t, engine.Start(2, nil))

	proposePayload, _ := json.Marshal(wire.ProposeMovePayload{MoveID: "m1", Move: json.RawMessage(`{"cell":0}`)})
	events, err := engine.HandleInbound("guest-1", wire.InnerProposeMove, proposePayload)
	require.NoError(t, err)
	require.Len(t, events, 1)
	_, ok := events[0].(EventStateApplied)
	assert.True(t, ok, "expected EventStateApplied once both players had approved")

	// Host should have relayed the proposal to other guests (there are
	// none besides guest-1 itself, but the call still happens) and, since
	// both "host" and "guest-1" are now marked approved, finalize-move
	// should already have gone out.
	foundFinalize := false
	for _, b := range messenger.broadcasts {
		if b.innerType == wire.InnerFinalizeMove {
			foundFinalize = true
		}
	}
	assert.True(t, foundFinalize, "expected a finalize-move broadcast once all connected players approved")
	assert.Equal(t, json.RawMessage(`{"cell":0}`), engine.State())
}

func TestHostEngine_InvalidProposal_StarvesSilently(t *testing.T) {
	messenger := &fakeHostMessenger{connected: []identity.PeerIdentity{"host", "guest-1"}}
	engine := NewHostEngine(refusingAdapter{}, "host", messenger, noopLog())
	engine.SetPlayers([]identity.PeerIdentity{"host", "guest-1"})
	require.NoError(t, engine.Start(2, nil))

	proposePayload, _ := json.Marshal(wire.ProposeMovePayload{MoveID: "m1", Move: json.RawMessage(`{"cell":0}`)})
	events, err := engine.HandleInbound("guest-1", wire.InnerProposeMove, proposePayload)
	require.NoError(t, err)
	assert.Empty(t, events)

	for _, b := range messenger.broadcasts {
		assert.NotEqual(t, wire.InnerFinalizeMove, b.innerType, "an invalid proposal must never finalize")
	}
}

// Why: the dual-approval safety rule is the core Byzantine-host defense —
// a finalize-move this peer never locally approved must be refused, not
// applied, even though the message came from the host itself.
func TestGuestEngine_HandleFinalize_RefusesUnapprovedMove(t *testing.T) {
	messenger := &fakeGuestMessenger{}
	engine := NewGuestEngine(echoAdapter{}, "guest-1", messenger, noopLog())
	engine.state = json.RawMessage(`{}`)

	finalizePayload, _ := json.Marshal(wire.FinalizeMovePayload{MoveID: "never-seen"})
	events, err := engine.HandleInbound("host", wire.InnerFinalizeMove, finalizePayload)
	require.NoError(t, err)
	require.Len(t, events, 1)

	refused, ok := events[0].(EventMoveRefused)
	require.True(t, ok, "expected EventMoveRefused, got %T", events[0])
	assert.NotEmpty(t, refused.Reason)
	// State must be unchanged — the refused move was never applied.
	assert.Equal(t, json.RawMessage(`{}`), engine.State())
}

func TestGuestEngine_HandleFinalize_AppliesLocallyApprovedMove(t *testing.T) {
	messenger := &fakeGuestMessenger{}
	engine := NewGuestEngine(echoAdapter{}, "guest-1", messenger, noopLog())
	engine.state = json.RawMessage(`{}`)
	engine.SetPlayers([]identity.PeerIdentity{"host", "guest-1"})

	move := json.RawMessage(`{"cell":3}`)
	proposePayload, _ := json.Marshal(wire.ProposeMovePayload{MoveID: "m1", Move: move})
	_, err := engine.HandleInbound("host", wire.InnerProposeMove, proposePayload)
	require.NoError(t, err)
	require.Len(t, messenger.toHost, 1)
	assert.Equal(t, wire.InnerApproveMove, messenger.toHost[0].innerType)

	finalizePayload, _ := json.Marshal(wire.FinalizeMovePayload{MoveID: "m1"})
	events, err := engine.HandleInbound("host", wire.InnerFinalizeMove, finalizePayload)
	require.NoError(t, err)
	require.Len(t, events, 1)
	applied, ok := events[0].(EventStateApplied)
	require.True(t, ok)
	assert.Equal(t, move, applied.State)
}

func TestGuestEngine_HandleSyncState_OnlyAppliesOnce(t *testing.T) {
	messenger := &fakeGuestMessenger{}
	engine := NewGuestEngine(echoAdapter{}, "guest-1", messenger, noopLog())

	first, _ := json.Marshal(wire.SyncStatePayload{GameState: json.RawMessage(`{"v":1}`)})
	events, err := engine.HandleInbound("host", wire.InnerSyncState, first)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, engine.HasReceivedInitialSync())

	second, _ := json.Marshal(wire.SyncStatePayload{GameState: json.RawMessage(`{"v":2}`)})
	events, err = engine.HandleInbound("host", wire.InnerSyncState, second)
	require.NoError(t, err)
	assert.Empty(t, events, "a second sync-state must be a no-op")
	assert.Equal(t, json.RawMessage(`{"v":1}`), engine.State())
}

func TestEngine_PassThrough_RelaysAndSurfacesNonReservedTypes(t *testing.T) {
	messenger := &fakeHostMessenger{connected: []identity.PeerIdentity{"host", "guest-1", "guest-2"}}
	engine := NewHostEngine(echoAdapter{}, "host", messenger, noopLog())
	engine.SetPlayers([]identity.PeerIdentity{"host", "guest-1", "guest-2"})

	data := json.RawMessage(`{"text":"gg"}`)
	events, err := engine.HandleInbound("guest-1", "chat-message", data)
	require.NoError(t, err)
	require.Len(t, events, 1)
	pass, ok := events[0].(EventPassThrough)
	require.True(t, ok)
	assert.Equal(t, "chat-message", pass.InnerType)

	require.Len(t, messenger.broadcasts, 1)
	assert.Equal(t, "chat-message", messenger.broadcasts[0].innerType)
}
