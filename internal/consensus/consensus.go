// Package consensus implements the turn consensus engine: for each
// discrete game move, a propose -> validate -> unanimous-approve ->
// finalize cycle layered above the lobby transport, with a host-relayed
// approval collector and the dual-approval safety rule that stops a
// compromised host from fabricating a move no honest peer ever validated.
package consensus

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arcade-mesh/core/internal/identity"
	"github.com/arcade-mesh/core/internal/wire"
)

// TerminalResult is what ApplyMove reports when a move ends the game.
type TerminalResult struct {
	Draw        bool
	WinnerIndex int
	Detail      string
}

// GameAdapter is the pure contract the engine consumes from each concrete
// game (dots-and-boxes, tic-tac-toe, quoridor, ...). Game state is kept
// fully opaque to the core: it only ever moves it around as JSON.
type GameAdapter interface {
	InitialState(playerCount int, settings map[string]interface{}) (json.RawMessage, error)
	// ValidateMove must be pure and deterministic: same inputs, same
	// answer, on every honest peer.
	ValidateMove(state json.RawMessage, move json.RawMessage, proposerIndex int) bool
	// ApplyMove must only ever be called on a (state, move) pair
	// ValidateMove has already accepted.
	ApplyMove(state json.RawMessage, move json.RawMessage) (next json.RawMessage, terminal *TerminalResult, err error)
}

// PendingMove is the one in-flight proposal a lobby's consensus state can
// hold at a time.
type PendingMove struct {
	MoveID          string
	Move            json.RawMessage
	ProposerID      identity.PeerIdentity
	Approvals       map[identity.PeerIdentity]bool
	LocallyApproved bool
}

// HostMessenger is the sending capability a host-mode engine needs from
// the lobby layer. Broadcast must exclude originalSenderID from delivery
// when it names a connected guest (no point echoing a proposal back to
// its own author) and must preserve originalSenderID across the relay so
// every recipient can still recover who actually proposed the move.
type HostMessenger interface {
	Broadcast(innerType string, data json.RawMessage, originalSenderID identity.PeerIdentity) error
	SendTo(target identity.PeerIdentity, innerType string, data json.RawMessage) error
	ConnectedPlayerIDs() []identity.PeerIdentity
}

// GuestMessenger is the sending capability a guest-mode engine needs.
type GuestMessenger interface {
	SendToHost(innerType string, data json.RawMessage) error
}

// Event is the observable surface the engine hands back to its caller
// (the UI / game-shell collaborator) after processing an inbound message
// or a local action.
type Event interface{ isConsensusEvent() }

type EventStateApplied struct{ State json.RawMessage }
type EventGameEnded struct{ Result TerminalResult }
type EventMoveRefused struct{ Reason string }
type EventPassThrough struct {
	InnerType string
	Data      json.RawMessage
	SenderID  identity.PeerIdentity
}
type EventSyncStateReceived struct{ State json.RawMessage }

func (EventStateApplied) isConsensusEvent()       {}
func (EventGameEnded) isConsensusEvent()          {}
func (EventMoveRefused) isConsensusEvent()        {}
func (EventPassThrough) isConsensusEvent()        {}
func (EventSyncStateReceived) isConsensusEvent()  {}

var reservedInnerTypes = map[string]bool{
	wire.InnerProposeMove:  true,
	wire.InnerApproveMove:  true,
	wire.InnerFinalizeMove: true,
	wire.InnerRequestState: true,
	wire.InnerSyncState:    true,
}

// Engine is one lobby's consensus state machine. It is not safe for
// concurrent use from multiple goroutines; spec.md's single-actor
// concurrency model means callers serialize access (the lobby actor's
// event loop is the only caller in this module's own wiring).
type Engine struct {
	adapter GameAdapter
	selfID  identity.PeerIdentity
	isHost  bool

	hostMessenger  HostMessenger
	guestMessenger GuestMessenger

	state                  json.RawMessage
	pending                *PendingMove
	lastFinalizedMoveID    string
	hasReceivedInitialSync bool
	players                []identity.PeerIdentity

	log *logrus.Entry
}

// SetPlayers fixes turn order for indexOf. Called once at game start with
// the admitted player roster in seating order.
func (e *Engine) SetPlayers(players []identity.PeerIdentity) {
	e.players = append([]identity.PeerIdentity(nil), players...)
}

func (e *Engine) indexOf(id identity.PeerIdentity) (int, bool) {
	for i, p := range e.players {
		if p == id {
			return i, true
		}
	}
	return 0, false
}

// NewHostEngine constructs the engine for the participant holding the
// lobby's state of record.
func NewHostEngine(adapter GameAdapter, selfID identity.PeerIdentity, messenger HostMessenger, log *logrus.Entry) *Engine {
	return &Engine{adapter: adapter, selfID: selfID, isHost: true, hostMessenger: messenger, log: log}
}

// NewGuestEngine constructs the engine for a non-host participant.
func NewGuestEngine(adapter GameAdapter, selfID identity.PeerIdentity, messenger GuestMessenger, log *logrus.Entry) *Engine {
	return &Engine{adapter: adapter, selfID: selfID, isHost: false, guestMessenger: messenger, log: log}
}

// Start seeds the engine's state. The host computes InitialState directly;
// a guest instead calls RequestInitialSync and waits for sync-state.
func (e *Engine) Start(playerCount int, settings map[string]interface{}) error {
	if !e.isHost {
		return fmt.Errorf("CONSENSUS_MISUSE: only the host computes initial state locally")
	}
	state, err := e.adapter.InitialState(playerCount, settings)
	if err != nil {
		return fmt.Errorf("INITIAL_STATE_FAILED: %w", err)
	}
	e.state = state
	return nil
}

// State returns the current opaque game state.
func (e *Engine) State() json.RawMessage {
	return e.state
}

// HasReceivedInitialSync reports the guest-side latch from the data model.
func (e *Engine) HasReceivedInitialSync() bool {
	return e.hasReceivedInitialSync
}

// RequestInitialSync sends a guest's one-shot request-state on startup.
func (e *Engine) RequestInitialSync() error {
	if e.isHost {
		return fmt.Errorf("CONSENSUS_MISUSE: host never requests sync")
	}
	return e.guestMessenger.SendToHost(wire.InnerRequestState, mustMarshal(wire.RequestStatePayload{}))
}

// ProposeMove originates a fresh proposal from the local participant. It
// refuses while a move is already pending: no explicit timeout, liveness
// depends on the lobby layer noticing a stalled peer.
func (e *Engine) ProposeMove(move json.RawMessage) error {
	if e.pending != nil {
		return fmt.Errorf("CONSENSUS_BUSY: a move is already pending")
	}

	moveID := uuid.NewString()
	e.pending = &PendingMove{
		MoveID:          moveID,
		Move:            move,
		ProposerID:      e.selfID,
		Approvals:       map[identity.PeerIdentity]bool{e.selfID: true},
		LocallyApproved: true,
	}

	data := mustMarshal(wire.ProposeMovePayload{MoveID: moveID, Move: move})
	if e.isHost {
		return e.hostMessenger.Broadcast(wire.InnerProposeMove, data, e.selfID)
	}
	return e.guestMessenger.SendToHost(wire.InnerProposeMove, data)
}

// HandleInbound processes one game-message payload whose effective
// sender (after any host-relay identity preservation) is senderID. It
// returns the events the caller should surface and an error only for
// malformed payloads — protocol-level refusals are reported as events,
// not errors, matching spec.md's "single message dropped, session
// continues" propagation policy.
func (e *Engine) HandleInbound(senderID identity.PeerIdentity, innerType string, data json.RawMessage) ([]Event, error) {
	if !reservedInnerTypes[innerType] {
		if e.isHost && senderID != e.selfID {
			if err := e.hostMessenger.Broadcast(innerType, data, senderID); err != nil {
				e.log.WithError(err).Warn("failed to relay pass-through game message")
			}
		}
		return []Event{EventPassThrough{InnerType: innerType, Data: data, SenderID: senderID}}, nil
	}

	switch innerType {
	case wire.InnerProposeMove:
		return e.handlePropose(senderID, data)
	case wire.InnerApproveMove:
		return e.handleApprove(senderID, data)
	case wire.InnerFinalizeMove:
		return e.handleFinalize(data)
	case wire.InnerRequestState:
		return e.handleRequestState(senderID)
	case wire.InnerSyncState:
		return e.handleSyncState(data)
	default:
		return nil, fmt.Errorf("CONSENSUS_UNREACHABLE: unhandled reserved type %s", innerType)
	}
}

func (e *Engine) handlePropose(senderID identity.PeerIdentity, data json.RawMessage) ([]Event, error) {
	var payload wire.ProposeMovePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("MALFORMED: propose-move: %w", err)
	}

	// Host relays the proposal to every other connected guest before
	// validating it locally, so everyone sees the same proposal.
	if e.isHost && senderID != e.selfID {
		if err := e.hostMessenger.Broadcast(wire.InnerProposeMove, data, senderID); err != nil {
			e.log.WithError(err).Warn("failed to relay proposed move")
		}
	}

	if senderID == e.selfID {
		// We are the proposer; ProposeMove already created the pending
		// entry and self-approved. Nothing further to do here.
		return nil, nil
	}

	proposerIndex, ok := e.indexOf(senderID)
	if !ok {
		e.log.WithField("sender", senderID).Warn("propose-move from unknown player, dropping")
		return nil, nil
	}

	if !e.adapter.ValidateMove(e.state, payload.Move, proposerIndex) {
		// An invalid proposal simply starves: no pending move, no approval.
		e.log.WithField("move_id", payload.MoveID).Info("rejected invalid proposed move")
		return nil, nil
	}

	if e.pending == nil || e.pending.MoveID != payload.MoveID {
		e.pending = &PendingMove{
			MoveID:     payload.MoveID,
			Move:       payload.Move,
			ProposerID: senderID,
			Approvals:  map[identity.PeerIdentity]bool{},
		}
	}
	e.pending.Approvals[senderID] = true
	e.pending.Approvals[e.selfID] = true
	e.pending.LocallyApproved = true

	approveData := mustMarshal(wire.ApproveMovePayload{MoveID: payload.MoveID})
	if e.isHost {
		// The host approving its own collector is just a local bookkeeping
		// step, already done above; nothing to send.
		return e.maybeFinalize()
	}
	if err := e.guestMessenger.SendToHost(wire.InnerApproveMove, approveData); err != nil {
		return nil, fmt.Errorf("APPROVE_SEND_FAILED: %w", err)
	}
	return nil, nil
}

func (e *Engine) handleApprove(senderID identity.PeerIdentity, data json.RawMessage) ([]Event, error) {
	if !e.isHost {
		// approve-move only ever travels toward the host.
		return nil, nil
	}
	var payload wire.ApproveMovePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("MALFORMED: approve-move: %w", err)
	}
	if e.pending == nil || e.pending.MoveID != payload.MoveID {
		return nil, nil
	}
	e.pending.Approvals[senderID] = true
	return e.maybeFinalize()
}

// maybeFinalize is host-only: once every currently-connected player has
// approved, broadcast finalize-move and finalize locally.
func (e *Engine) maybeFinalize() ([]Event, error) {
	if e.pending == nil {
		return nil, nil
	}
	for _, id := range e.hostMessenger.ConnectedPlayerIDs() {
		if !e.pending.Approvals[id] {
			return nil, nil
		}
	}

	moveID := e.pending.MoveID
	finalizeData := mustMarshal(wire.FinalizeMovePayload{MoveID: moveID})
	if err := e.hostMessenger.Broadcast(wire.InnerFinalizeMove, finalizeData, e.selfID); err != nil {
		e.log.WithError(err).Warn("failed to broadcast finalize-move")
	}
	return e.handleFinalize(finalizeData)
}

func (e *Engine) handleFinalize(data json.RawMessage) ([]Event, error) {
	var payload wire.FinalizeMovePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("MALFORMED: finalize-move: %w", err)
	}

	if e.pending == nil || e.pending.MoveID != payload.MoveID {
		if payload.MoveID == e.lastFinalizedMoveID {
			// Re-delivery of a move already applied: a true no-op.
			return nil, nil
		}
		// The host is claiming a move this peer never received a
		// propose-move for (or never approved). This is the central safety
		// property: refuse, and do not apply it.
		e.log.WithField("move_id", payload.MoveID).Warn("SECURITY: refusing finalize-move this peer never approved")
		return []Event{EventMoveRefused{Reason: "host claimed a move never locally approved"}}, nil
	}

	if !e.pending.LocallyApproved {
		// The host is claiming a move this peer never validated. This is
		// the central safety property: refuse, and do not apply it.
		e.log.WithField("move_id", payload.MoveID).Warn("SECURITY: refusing finalize-move this peer never approved")
		e.pending = nil
		return []Event{EventMoveRefused{Reason: "host claimed a move never locally approved"}}, nil
	}

	move := e.pending.Move
	e.pending = nil
	e.lastFinalizedMoveID = payload.MoveID

	next, terminal, err := e.adapter.ApplyMove(e.state, move)
	if err != nil {
		return nil, fmt.Errorf("APPLY_MOVE_FAILED: %w", err)
	}
	e.state = next

	events := []Event{EventStateApplied{State: next}}
	if terminal != nil {
		events = append(events, EventGameEnded{Result: *terminal})
	}
	return events, nil
}

func (e *Engine) handleRequestState(senderID identity.PeerIdentity) ([]Event, error) {
	if !e.isHost {
		return nil, nil
	}
	data := mustMarshal(wire.SyncStatePayload{GameState: e.state})
	if err := e.hostMessenger.SendTo(senderID, wire.InnerSyncState, data); err != nil {
		return nil, fmt.Errorf("SYNC_SEND_FAILED: %w", err)
	}
	return nil, nil
}

func (e *Engine) handleSyncState(data json.RawMessage) ([]Event, error) {
	if e.hasReceivedInitialSync {
		// Accepted exactly once per game session; later syncs are a no-op
		// so a mid-game resend can never overwrite live state.
		return nil, nil
	}
	var payload wire.SyncStatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("MALFORMED: sync-state: %w", err)
	}
	e.state = payload.GameState
	e.hasReceivedInitialSync = true
	return []Event{EventSyncStateReceived{State: payload.GameState}}, nil
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("consensus: marshal of static payload type failed: %v", err))
	}
	return b
}
