package lobby

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arcade-mesh/core/internal/identity"
	"github.com/arcade-mesh/core/internal/transport"
	"github.com/arcade-mesh/core/internal/wire"
)

// connHandle is one accepted transport connection together with the
// plumbing the host actor uses to read from it without blocking its own
// event loop.
type connHandle struct {
	addr string
	conn transport.Conn
}

// GameMessageHandler receives every inbound game-message the lobby
// delivers once sender authority has been resolved. The consensus engine
// is the only intended implementor; the lobby package has no dependency
// on consensus itself.
type GameMessageHandler func(senderID identity.PeerIdentity, innerType string, data json.RawMessage)

// Host is the lobby session manager running on the participant that owns
// the lobby's state of record. All state is owned exclusively by the
// single actor goroutine started by NewHost; every exported method except
// the consensus-wiring ones below (Broadcast, SendTo, ConnectedPlayerIDs)
// is a thread-safe mailbox send, matching spec.md's "one actor per lobby"
// concurrency model.
type Host struct {
	code       string
	selfID     identity.PeerIdentity
	maxPlayers MaxPlayersForGame

	settings       Settings
	selectedGameID string
	isGameStarted  bool

	players         []Player
	pendingRequests []PendingJoinRequest
	sessionTokens   map[identity.PeerIdentity]SessionTokenEntry
	connByLogical   map[identity.PeerIdentity]connHandle
	logicalByAddr   map[string]identity.PeerIdentity
	reconnectTimers map[identity.PeerIdentity]*time.Timer

	rateLimiter *wire.RateLimiter
	onGameMsg   GameMessageHandler

	mailbox chan func()
	events  chan Event
	done    chan struct{}
	closed  sync.Once

	log *logrus.Entry
}

// SessionTokenEntry holds the session token the host issued to one
// logical id on first admission.
type SessionTokenEntry struct {
	Token identity.SessionToken
}

// NewHost starts a fresh lobby actor for a freshly generated code, owned
// by the given display name / logical id (the host is a player too,
// inserted first so it is always turn-order slot zero).
func NewHost(code string, selfID identity.PeerIdentity, displayName string, settings Settings, maxPlayers MaxPlayersForGame, log *logrus.Entry) *Host {
	h := &Host{
		code:            code,
		selfID:          selfID,
		maxPlayers:      maxPlayers,
		settings:        settings,
		sessionTokens:   make(map[identity.PeerIdentity]SessionTokenEntry),
		connByLogical:   make(map[identity.PeerIdentity]connHandle),
		logicalByAddr:   make(map[string]identity.PeerIdentity),
		reconnectTimers: make(map[identity.PeerIdentity]*time.Timer),
		rateLimiter:     wire.NewDefaultRateLimiter(),
		mailbox:         make(chan func(), 64),
		events:          make(chan Event, 64),
		done:            make(chan struct{}),
		log:             log.WithField("lobby_code", code).WithField("role", "host"),
	}
	h.players = append(h.players, Player{
		LogicalID:   selfID,
		DisplayName: displayName,
		IsHost:      true,
		IsReady:     true,
		IsConnected: true,
	})
	go h.run()
	return h
}

// Events exposes the lobby's observable event stream.
func (h *Host) Events() <-chan Event { return h.events }

// run is the single-threaded dispatch loop: every public method funnels
// through mailbox so no two handlers ever execute concurrently.
func (h *Host) run() {
	for {
		select {
		case fn := <-h.mailbox:
			fn()
		case <-h.done:
			return
		}
	}
}

func (h *Host) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn("event channel full, dropping event")
	}
}

// do submits fn to the actor and blocks until it has run.
func (h *Host) do(fn func()) {
	reply := make(chan struct{})
	select {
	case h.mailbox <- func() { fn(); close(reply) }:
		<-reply
	case <-h.done:
	}
}

// OnGameMessage registers the handler consensus traffic is delivered to.
func (h *Host) OnGameMessage(handler GameMessageHandler) {
	h.do(func() { h.onGameMsg = handler })
}

// SetGameAdapterCapacity lets the embedder plug in capacity-by-game-id
// after construction (avoids a dependency on any concrete game catalog at
// construction time).
func (h *Host) SetGameAdapterCapacity(fn MaxPlayersForGame) {
	h.do(func() { h.maxPlayers = fn })
}

// --- inbound transport plumbing -------------------------------------------------

// Accept registers a freshly accepted connection and starts reading from
// it. The connection is anonymous (no logical id mapped) until it sends
// a join-request.
func (h *Host) Accept(conn transport.Conn) {
	handle := connHandle{addr: conn.RemoteAddr(), conn: conn}
	go h.readLoop(handle)
}

func (h *Host) readLoop(handle connHandle) {
	ctx := context.Background()
	for {
		raw, err := handle.conn.Recv(ctx)
		if err != nil {
			h.do(func() { h.handleConnClosed(handle) })
			return
		}
		h.do(func() { h.handleInbound(handle, raw) })
	}
}

func (h *Host) send(handle connHandle, typ wire.Type, payload interface{}) {
	raw, err := wire.Encode(typ, string(h.selfID), payload)
	if err != nil {
		h.log.WithError(err).Warn("failed to encode outbound message")
		return
	}
	if err := handle.conn.Send(context.Background(), raw); err != nil {
		h.log.WithError(err).Debug("send failed, peer likely already gone")
	}
}

func (h *Host) broadcastExcept(except identity.PeerIdentity, typ wire.Type, payload interface{}) {
	for id, handle := range h.connByLogical {
		if id == except {
			continue
		}
		h.send(handle, typ, payload)
	}
}

func (h *Host) closeAfterGrace(handle connHandle, reason string) {
	go func() {
		time.Sleep(PreCloseGrace)
		handle.conn.Close(reason)
	}()
}

// --- structural / authority / freshness / rate-limit gate ---------------------

func (h *Host) handleInbound(handle connHandle, raw []byte) {
	env, err := wire.Decode(raw)
	if err != nil {
		h.log.WithError(err).Warn("dropping malformed message")
		return
	}

	if !h.rateLimiter.Allow(handle.addr, time.Now()) {
		h.log.WithField("addr", handle.addr).Warn("rate limit exceeded, dropping message")
		return
	}

	if !wire.CheckFreshness(env, time.Now()) {
		h.log.WithField("type", env.Type).Warn("stale timestamp, dropping message")
		return
	}

	if env.Type == wire.TypeJoinRequest {
		h.handleJoinRequest(handle, env)
		return
	}

	mappedID, known := h.logicalByAddr[handle.addr]
	if wire.RequiresSenderBinding(env.Type) {
		if !known || string(mappedID) != env.SenderID {
			h.log.WithField("type", env.Type).Warn("sender binding mismatch, dropping message")
			return
		}
	}

	if !wire.Accepted(wire.RoleHost, env.Type) {
		h.log.WithField("type", env.Type).Warn("message type not accepted by host, dropping")
		return
	}

	switch env.Type {
	case wire.TypePlayerReady:
		h.handlePlayerReady(mappedID, env)
	case wire.TypePlayerLeft:
		h.handlePlayerLeft(mappedID)
	case wire.TypeGameMessage:
		h.handleGameMessage(mappedID, env)
	case wire.TypePing:
		h.send(handle, wire.TypePong, struct{}{})
	case wire.TypePong:
		// no-op, heartbeat acknowledged
	default:
		h.log.WithField("type", env.Type).Warn("unexpected message type at host, dropping")
	}
}

// --- admission ------------------------------------------------------------------

func (h *Host) handleJoinRequest(handle connHandle, env wire.Envelope) {
	var req wire.JoinRequestPayload
	if err := env.Unmarshal(&req); err != nil {
		h.log.WithError(err).Warn("malformed join-request")
		return
	}
	logicalID := identity.PeerIdentity(req.LogicalID)

	if idx := h.indexOfPlayer(logicalID); idx >= 0 {
		h.handleReconnect(handle, logicalID, idx, req)
		return
	}

	if h.isGameStarted {
		h.rejectAndClose(handle, wire.RejectInGame)
		return
	}

	capacity := 8
	if h.maxPlayers != nil {
		capacity = h.maxPlayers(h.selectedGameID)
	}
	if len(h.players) >= capacity {
		h.rejectAndClose(handle, wire.RejectCapacityReached)
		return
	}

	if h.settings.RequiresRequest {
		h.pendingRequests = append(h.pendingRequests, PendingJoinRequest{
			LogicalID:   logicalID,
			DisplayName: req.DisplayName,
			SubmittedAt: time.Now(),
			conn:        handle,
		})
		h.send(handle, wire.TypeJoinPending, wire.JoinPendingPayload{})
		h.emitPendingRequests()
		return
	}

	h.admit(handle, logicalID, req.DisplayName)
}

// admit creates a brand-new player entry, mints its token, and announces
// it. Shared by the ungated path and by approve().
func (h *Host) admit(handle connHandle, logicalID identity.PeerIdentity, displayName string) {
	token, err := identity.NewSessionToken()
	if err != nil {
		h.log.WithError(err).Error("failed to mint session token")
		h.rejectAndClose(handle, wire.RejectDenied)
		return
	}

	h.sessionTokens[logicalID] = SessionTokenEntry{Token: token}
	h.connByLogical[logicalID] = handle
	h.logicalByAddr[handle.addr] = logicalID

	player := Player{LogicalID: logicalID, DisplayName: displayName, IsConnected: true}
	h.players = append(h.players, player)

	h.send(handle, wire.TypeJoinAccepted, wire.JoinAcceptedPayload{
		Players:        playerViews(h.players),
		SelectedGameID: h.selectedGameID,
		Settings:       h.settings.wire(),
		IsGameStarted:  h.isGameStarted,
		SessionToken:   string(token),
	})
	h.broadcastExcept(logicalID, wire.TypePlayerJoined, wire.PlayerJoinedPayload{Player: player.view()})
	h.emitPlayersChanged()
}

func (h *Host) handleReconnect(handle connHandle, logicalID identity.PeerIdentity, idx int, req wire.JoinRequestPayload) {
	expected, hasToken := h.sessionTokens[logicalID]
	if hasToken && (req.SessionToken == "" || identity.SessionToken(req.SessionToken) != expected.Token) {
		h.rejectAndClose(handle, wire.RejectDenied)
		return
	}

	if timer, ok := h.reconnectTimers[logicalID]; ok {
		timer.Stop()
		delete(h.reconnectTimers, logicalID)
	}

	if old, ok := h.connByLogical[logicalID]; ok {
		delete(h.logicalByAddr, old.addr)
	}
	h.connByLogical[logicalID] = handle
	h.logicalByAddr[handle.addr] = logicalID
	h.players[idx].IsConnected = true

	h.send(handle, wire.TypeJoinAccepted, wire.JoinAcceptedPayload{
		Players:        playerViews(h.players),
		SelectedGameID: h.selectedGameID,
		Settings:       h.settings.wire(),
		IsGameStarted:  h.isGameStarted,
		SessionToken:   string(expected.Token),
	})
	h.broadcastExcept(logicalID, wire.TypePlayerJoined, wire.PlayerJoinedPayload{Player: h.players[idx].view()})
	h.emitPlayersChanged()
}

func (h *Host) rejectAndClose(handle connHandle, reason wire.RejectReason) {
	h.send(handle, wire.TypeJoinRejected, wire.JoinRejectedPayload{Reason: reason})
	h.closeAfterGrace(handle, string(reason))
}

// --- approval flow (gated lobbies) ----------------------------------------------

// Approve admits a pending joiner. It re-checks capacity (it may race
// against other joins since the request was filed) and, if admitting
// this joiner fills the lobby, auto-denies every other pending request in
// the same batch.
func (h *Host) Approve(logicalID identity.PeerIdentity) error {
	var outErr error
	h.do(func() {
		idx := -1
		for i, p := range h.pendingRequests {
			if p.LogicalID == logicalID {
				idx = i
				break
			}
		}
		if idx < 0 {
			outErr = fmt.Errorf("NOT_FOUND: no pending request for %s", logicalID)
			return
		}

		capacity := 8
		if h.maxPlayers != nil {
			capacity = h.maxPlayers(h.selectedGameID)
		}
		if len(h.players) >= capacity {
			req := h.pendingRequests[idx]
			h.pendingRequests = append(h.pendingRequests[:idx], h.pendingRequests[idx+1:]...)
			h.rejectAndClose(req.conn, wire.RejectCapacityReached)
			h.emitPendingRequests()
			outErr = fmt.Errorf("CAPACITY_REACHED: auto-denied on race")
			return
		}

		req := h.pendingRequests[idx]
		h.pendingRequests = append(h.pendingRequests[:idx], h.pendingRequests[idx+1:]...)
		h.admit(req.conn, req.LogicalID, req.DisplayName)

		if len(h.players) >= capacity {
			remaining := h.pendingRequests
			h.pendingRequests = nil
			for _, r := range remaining {
				h.send(r.conn, wire.TypeJoinDenied, wire.JoinDeniedPayload{})
				h.closeAfterGrace(r.conn, "capacity-reached")
			}
			h.emitPendingRequests()
		}
	})
	return outErr
}

// Deny rejects a pending joiner outright.
func (h *Host) Deny(logicalID identity.PeerIdentity) error {
	var outErr error
	h.do(func() {
		idx := -1
		for i, p := range h.pendingRequests {
			if p.LogicalID == logicalID {
				idx = i
				break
			}
		}
		if idx < 0 {
			outErr = fmt.Errorf("NOT_FOUND: no pending request for %s", logicalID)
			return
		}
		req := h.pendingRequests[idx]
		h.pendingRequests = append(h.pendingRequests[:idx], h.pendingRequests[idx+1:]...)
		h.send(req.conn, wire.TypeJoinDenied, wire.JoinDeniedPayload{})
		h.closeAfterGrace(req.conn, "denied")
		h.emitPendingRequests()
	})
	return outErr
}

// Kick removes an admitted player immediately.
func (h *Host) Kick(logicalID identity.PeerIdentity) error {
	var outErr error
	h.do(func() {
		idx := h.indexOfPlayer(logicalID)
		if idx < 0 {
			outErr = fmt.Errorf("NOT_FOUND: no such player")
			return
		}
		handle, hasConn := h.connByLogical[logicalID]
		if hasConn {
			h.send(handle, wire.TypePlayerKicked, wire.PlayerKickedPayload{LogicalID: string(logicalID)})
		}
		h.broadcastExcept(logicalID, wire.TypePlayerKicked, wire.PlayerKickedPayload{LogicalID: string(logicalID)})
		if hasConn {
			h.closeAfterGrace(handle, "kicked")
			delete(h.logicalByAddr, handle.addr)
		}
		delete(h.connByLogical, logicalID)
		h.removePlayerAt(idx)
		h.emitPlayersChanged()
	})
	return outErr
}

// --- presence / disconnect / reconnect ------------------------------------------

func (h *Host) handleConnClosed(handle connHandle) {
	logicalID, known := h.logicalByAddr[handle.addr]
	if !known {
		// A pending (not-yet-admitted) requester simply evaporates.
		for i, p := range h.pendingRequests {
			if p.conn.addr == handle.addr {
				h.pendingRequests = append(h.pendingRequests[:i], h.pendingRequests[i+1:]...)
				h.emitPendingRequests()
				return
			}
		}
		return
	}

	current, hasCurrent := h.connByLogical[logicalID]
	if !hasCurrent || current.addr != handle.addr {
		// Stale close: this connection is no longer the current one for
		// this logical id. Drop with no state mutation.
		return
	}

	h.rateLimiter.Forget(handle.addr)
	delete(h.logicalByAddr, handle.addr)
	delete(h.connByLogical, logicalID)

	idx := h.indexOfPlayer(logicalID)
	if idx < 0 {
		return
	}
	h.players[idx].IsConnected = false
	h.broadcastExcept(logicalID, wire.TypePlayerJoined, wire.PlayerJoinedPayload{Player: h.players[idx].view()})
	h.emitPlayersChanged()

	timer := time.AfterFunc(ReconnectWindow, func() {
		h.do(func() { h.handleReconnectTimeout(logicalID) })
	})
	h.reconnectTimers[logicalID] = timer
}

func (h *Host) handleReconnectTimeout(logicalID identity.PeerIdentity) {
	delete(h.reconnectTimers, logicalID)
	idx := h.indexOfPlayer(logicalID)
	if idx < 0 || h.players[idx].IsConnected {
		return
	}

	if h.isGameStarted {
		connected := 0
		for _, p := range h.players {
			if p.IsConnected {
				connected++
			}
		}
		if connected <= 1 {
			h.teardown("not enough players")
			return
		}
	}

	h.removePlayerAt(idx)
	h.broadcastExcept("", wire.TypePlayerLeft, wire.PlayerLeftPayload{LogicalID: string(logicalID)})
	h.emitPlayersChanged()
}

func (h *Host) handlePlayerReady(logicalID identity.PeerIdentity, env wire.Envelope) {
	var payload wire.PlayerReadyPayload
	if err := env.Unmarshal(&payload); err != nil {
		return
	}
	if wire.SelfScoped[wire.TypePlayerReady] && payload.LogicalID != string(logicalID) {
		h.log.Warn("player-ready authority violation, dropping")
		return
	}
	idx := h.indexOfPlayer(logicalID)
	if idx < 0 {
		return
	}
	h.players[idx].IsReady = payload.IsReady
	h.broadcastExcept("", wire.TypePlayerReady, payload)
	h.emitPlayersChanged()
}

func (h *Host) handlePlayerLeft(logicalID identity.PeerIdentity) {
	idx := h.indexOfPlayer(logicalID)
	if idx < 0 {
		return
	}
	if handle, ok := h.connByLogical[logicalID]; ok {
		delete(h.logicalByAddr, handle.addr)
		delete(h.connByLogical, logicalID)
	}
	h.removePlayerAt(idx)
	h.broadcastExcept("", wire.TypePlayerLeft, wire.PlayerLeftPayload{LogicalID: string(logicalID)})
	h.emitPlayersChanged()
}

func (h *Host) handleGameMessage(logicalID identity.PeerIdentity, env wire.Envelope) {
	var payload wire.GameMessagePayload
	if err := env.Unmarshal(&payload); err != nil {
		h.log.WithError(err).Warn("malformed game-message")
		return
	}
	if h.onGameMsg == nil {
		return
	}
	h.onGameMsg(logicalID, payload.InnerType, payload.Data)
}

// --- host-driven lifecycle -------------------------------------------------------

// SelectGame sets the active game id and broadcasts it.
func (h *Host) SelectGame(gameID string) {
	h.do(func() {
		h.selectedGameID = gameID
		h.broadcastExcept(h.selfID, wire.TypeGameSelected, wire.GameSelectedPayload{GameID: gameID})
		h.emit(EventGameSelected{GameID: gameID})
	})
}

// UpdateSettings replaces the lobby settings and broadcasts them.
func (h *Host) UpdateSettings(settings Settings) {
	h.do(func() {
		h.settings = settings
		h.broadcastExcept(h.selfID, wire.TypeLobbySettings, wire.LobbySettingsPayload{Settings: settings.wire()})
		h.emit(EventSettingsChanged{Settings: settings})
	})
}

// StartGame transitions is_game_started false->true exactly once.
func (h *Host) StartGame() error {
	var outErr error
	h.do(func() {
		if h.isGameStarted {
			outErr = fmt.Errorf("ALREADY_STARTED: game already started")
			return
		}
		h.isGameStarted = true
		h.broadcastExcept(h.selfID, wire.TypeGameStart, wire.GameStartPayload{
			GameID:  h.selectedGameID,
			Players: playerViews(h.players),
		})
		h.emit(EventGameStarted{GameID: h.selectedGameID, Players: append([]Player(nil), h.players...)})
	})
	return outErr
}

// SetReady lets the host's own player-controlled application toggle the
// host's own ready flag (the host is a player too).
func (h *Host) SetReady(ready bool) {
	h.do(func() {
		idx := h.indexOfPlayer(h.selfID)
		if idx < 0 {
			return
		}
		h.players[idx].IsReady = ready
		h.broadcastExcept("", wire.TypePlayerReady, wire.PlayerReadyPayload{LogicalID: string(h.selfID), IsReady: ready})
		h.emitPlayersChanged()
	})
}

// Leave is the host user intentionally departing: broadcast host-left and
// tear down. There is no host failover.
func (h *Host) Leave() {
	h.do(func() {
		h.broadcastExcept(h.selfID, wire.TypeHostLeft, wire.HostLeftPayload{})
		h.teardown("host left")
	})
}

// Players returns a snapshot of the current roster.
func (h *Host) Players() []Player {
	var out []Player
	h.do(func() { out = append([]Player(nil), h.players...) })
	return out
}

// PendingRequests returns a snapshot of requests awaiting approval.
func (h *Host) PendingRequests() []PendingJoinRequest {
	var out []PendingJoinRequest
	h.do(func() { out = append([]PendingJoinRequest(nil), h.pendingRequests...) })
	return out
}

// --- consensus wiring (implements consensus.HostMessenger structurally) --------
//
// Broadcast, SendTo and ConnectedPlayerIDs deliberately do NOT go through
// do(): the consensus engine only ever calls them while already running on
// the lobby actor's own goroutine (from inside handleGameMessage, or from a
// closure the embedder passed to RunOnLobbyThread), and do() is not
// reentrant. Any caller not already on that goroutine must wrap its call in
// RunOnLobbyThread.

// Broadcast sends a game-message to every connected guest except
// originalSenderID (when it names one of them), preserving the original
// sender's identity in the payload so relayed messages can still be
// attributed correctly downstream.
func (h *Host) Broadcast(innerType string, data json.RawMessage, originalSenderID identity.PeerIdentity) error {
	payload := wire.GameMessagePayload{InnerType: innerType, Data: data}
	if originalSenderID != h.selfID {
		payload.SenderID = string(originalSenderID)
	}
	h.broadcastExcept(originalSenderID, wire.TypeGameMessage, payload)
	return nil
}

// SendTo unicasts a game-message to one connected player (used for
// sync-state replies).
func (h *Host) SendTo(target identity.PeerIdentity, innerType string, data json.RawMessage) error {
	handle, ok := h.connByLogical[target]
	if !ok {
		return fmt.Errorf("NOT_CONNECTED: %s", target)
	}
	h.send(handle, wire.TypeGameMessage, wire.GameMessagePayload{InnerType: innerType, Data: data})
	return nil
}

// ConnectedPlayerIDs returns every player currently marked connected,
// including the host itself.
func (h *Host) ConnectedPlayerIDs() []identity.PeerIdentity {
	var out []identity.PeerIdentity
	for _, p := range h.players {
		if p.IsConnected {
			out = append(out, p.LogicalID)
		}
	}
	return out
}

// RunOnLobbyThread synchronously runs fn on the lobby actor's own
// goroutine — the same one handleGameMessage already runs on. A consensus
// engine driven by local action (the host's own player proposing a move)
// must originate that call through here rather than calling engine methods
// directly, since Engine is not safe for concurrent use and Broadcast/
// SendTo/ConnectedPlayerIDs assume they are already running on this
// goroutine.
func (h *Host) RunOnLobbyThread(fn func()) { h.do(fn) }

// --- teardown --------------------------------------------------------------------

func (h *Host) teardown(reason string) {
	for _, timer := range h.reconnectTimers {
		timer.Stop()
	}
	h.reconnectTimers = map[identity.PeerIdentity]*time.Timer{}
	for _, handle := range h.connByLogical {
		handle.conn.Close(reason)
	}
	h.emit(EventTornDown{Reason: reason})
	h.closed.Do(func() { close(h.done) })
}

// --- small helpers -----------------------------------------------------------------

func (h *Host) indexOfPlayer(id identity.PeerIdentity) int {
	for i, p := range h.players {
		if p.LogicalID == id {
			return i
		}
	}
	return -1
}

func (h *Host) removePlayerAt(idx int) {
	h.players = append(h.players[:idx], h.players[idx+1:]...)
}

func (h *Host) emitPlayersChanged() {
	h.emit(EventPlayersChanged{Players: append([]Player(nil), h.players...)})
}

func (h *Host) emitPendingRequests() {
	h.emit(EventPendingRequestsChanged{Pending: append([]PendingJoinRequest(nil), h.pendingRequests...)})
}
