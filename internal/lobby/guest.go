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

// Guest is the lobby session manager running on every non-host
// participant. It owns exactly one connection (the star topology's spoke
// back to the host) and never accepts inbound connections of its own.
type Guest struct {
	selfID      identity.PeerIdentity
	displayName string
	dialer      transport.Dialer
	address     string

	conn         transport.Conn
	status       JoinStatus
	rejectReason wire.RejectReason

	players        []Player
	selectedGameID string
	settings       Settings
	isGameStarted  bool
	sessionToken   identity.SessionToken
	store          identity.Store

	// terminalReason records why this guest's session ended when that
	// reason was determined before the connection itself dropped (kicked,
	// denied, rejected, left intentionally). handleHostDisconnected checks
	// it so a later, unrelated socket close doesn't overwrite the real
	// reason with a generic "host connection lost".
	terminalReason string

	onGameMsg GameMessageHandler

	mailbox chan func()
	events  chan Event
	done    chan struct{}
	closed  sync.Once

	log *logrus.Entry
}

// NewGuest constructs a not-yet-connected guest actor. Call Join to
// actually dial the host.
func NewGuest(selfID identity.PeerIdentity, displayName string, dialer transport.Dialer, store identity.Store, log *logrus.Entry) *Guest {
	g := &Guest{
		selfID:      selfID,
		displayName: displayName,
		dialer:      dialer,
		store:       store,
		status:      JoinStatusConnecting,
		mailbox:     make(chan func(), 64),
		events:      make(chan Event, 64),
		done:        make(chan struct{}),
		log:         log.WithField("role", "guest"),
	}
	go g.run()
	return g
}

// Events exposes the guest's observable event stream.
func (g *Guest) Events() <-chan Event { return g.events }

func (g *Guest) run() {
	for {
		select {
		case fn := <-g.mailbox:
			fn()
		case <-g.done:
			return
		}
	}
}

func (g *Guest) emit(ev Event) {
	select {
	case g.events <- ev:
	default:
		g.log.Warn("event channel full, dropping event")
	}
}

func (g *Guest) do(fn func()) {
	reply := make(chan struct{})
	select {
	case g.mailbox <- func() { fn(); close(reply) }:
		<-reply
	case <-g.done:
	}
}

// OnGameMessage registers the handler consensus traffic is delivered to.
func (g *Guest) OnGameMessage(handler GameMessageHandler) {
	g.do(func() { g.onGameMsg = handler })
}

// Join dials the host at address and sends the initial join-request,
// presenting any previously stored session token so a refreshed page can
// rejoin its own seat within the reconnect window.
func (g *Guest) Join(ctx context.Context, address string) error {
	conn, err := g.dialer.Dial(ctx, address)
	if err != nil {
		return fmt.Errorf("JOIN_DIAL_FAILED: %w", err)
	}

	token := ""
	if g.store != nil {
		if _, storedToken, _, ok := g.store.Load(); ok {
			token = string(storedToken)
		}
	}

	g.do(func() {
		g.address = address
		g.conn = conn
		g.status = JoinStatusConnecting
	})
	go g.readLoop(conn)

	req := wire.JoinRequestPayload{
		DisplayName:  g.displayName,
		LogicalID:    string(g.selfID),
		SessionToken: token,
	}
	return g.sendRaw(wire.TypeJoinRequest, req)
}

func (g *Guest) readLoop(conn transport.Conn) {
	ctx := context.Background()
	for {
		raw, err := conn.Recv(ctx)
		if err != nil {
			g.do(func() { g.handleHostDisconnected(conn) })
			return
		}
		g.do(func() { g.handleInbound(raw) })
	}
}

func (g *Guest) sendRaw(typ wire.Type, payload interface{}) error {
	var conn transport.Conn
	g.do(func() { conn = g.conn })
	if conn == nil {
		return fmt.Errorf("NOT_CONNECTED: no host connection")
	}
	raw, err := wire.Encode(typ, string(g.selfID), payload)
	if err != nil {
		return fmt.Errorf("ENCODE_FAILED: %w", err)
	}
	if err := conn.Send(context.Background(), raw); err != nil {
		return fmt.Errorf("SEND_FAILED: %w", err)
	}
	return nil
}

func (g *Guest) handleInbound(raw []byte) {
	env, err := wire.Decode(raw)
	if err != nil {
		g.log.WithError(err).Warn("dropping malformed message from host")
		return
	}

	if !wire.CheckFreshness(env, time.Now()) {
		g.log.WithField("type", env.Type).Warn("stale timestamp from host, dropping")
		return
	}

	if !wire.Accepted(wire.RoleGuest, env.Type) {
		g.log.WithField("type", env.Type).Warn("message type not accepted by guest, dropping")
		return
	}

	switch env.Type {
	case wire.TypeJoinAccepted:
		g.handleJoinAccepted(env)
	case wire.TypeJoinRejected:
		g.handleJoinRejected(env)
	case wire.TypeJoinPending:
		g.status = JoinStatusPending
		g.emit(EventJoinStatusChanged{Status: g.status})
	case wire.TypeJoinDenied:
		g.status = JoinStatusRejected
		g.rejectReason = wire.RejectDenied
		g.terminalReason = "denied"
		g.emit(EventJoinStatusChanged{Status: g.status, Reason: wire.RejectDenied})
	case wire.TypePlayerJoined:
		g.handlePlayerJoined(env)
	case wire.TypePlayerLeft:
		g.handlePlayerLeft(env)
	case wire.TypePlayerReady:
		g.handlePlayerReady(env)
	case wire.TypePlayerKicked:
		g.handlePlayerKicked(env)
	case wire.TypeHostLeft:
		g.terminalReason = "host left"
		g.emit(EventTornDown{Reason: "host left"})
		g.teardownLocked()
	case wire.TypeLobbySettings:
		g.handleLobbySettings(env)
	case wire.TypeGameSelected:
		g.handleGameSelected(env)
	case wire.TypeGameStart:
		g.handleGameStart(env)
	case wire.TypeGameMessage:
		g.handleGameMessage(env)
	case wire.TypePing:
		g.ackPong()
	case wire.TypePong:
		// heartbeat acknowledged, no-op
	default:
		g.log.WithField("type", env.Type).Warn("unexpected message type at guest, dropping")
	}
}

func (g *Guest) ackPong() {
	if err := g.sendRawUnlocked(wire.TypePong, struct{}{}); err != nil {
		g.log.WithError(err).Debug("failed to send pong")
	}
}

// sendRawUnlocked is sendRaw's body without re-entering the actor's
// mailbox, safe to call only from inside a handler already running on
// the actor goroutine.
func (g *Guest) sendRawUnlocked(typ wire.Type, payload interface{}) error {
	if g.conn == nil {
		return fmt.Errorf("NOT_CONNECTED: no host connection")
	}
	raw, err := wire.Encode(typ, string(g.selfID), payload)
	if err != nil {
		return fmt.Errorf("ENCODE_FAILED: %w", err)
	}
	return g.conn.Send(context.Background(), raw)
}

func (g *Guest) handleJoinAccepted(env wire.Envelope) {
	var payload wire.JoinAcceptedPayload
	if err := env.Unmarshal(&payload); err != nil {
		g.log.WithError(err).Warn("malformed join-accepted")
		return
	}
	g.players = playersFromViews(payload.Players)
	g.selectedGameID = payload.SelectedGameID
	g.settings = Settings{RequiresRequest: payload.Settings.RequiresRequest, PerGameSettings: payload.Settings.PerGameSettings}
	g.isGameStarted = payload.IsGameStarted
	g.status = JoinStatusAccepted
	if payload.SessionToken != "" {
		g.sessionToken = identity.SessionToken(payload.SessionToken)
		if g.store != nil {
			g.store.Save(g.selfID, g.sessionToken, g.displayName)
		}
	}
	g.emit(EventJoinStatusChanged{Status: g.status})
	g.emitPlayersChanged()
}

func (g *Guest) handleJoinRejected(env wire.Envelope) {
	var payload wire.JoinRejectedPayload
	if err := env.Unmarshal(&payload); err != nil {
		g.log.WithError(err).Warn("malformed join-rejected")
		return
	}
	g.status = JoinStatusRejected
	g.rejectReason = payload.Reason
	g.terminalReason = "rejected: " + string(payload.Reason)
	g.emit(EventJoinStatusChanged{Status: g.status, Reason: payload.Reason})
}

func (g *Guest) handlePlayerJoined(env wire.Envelope) {
	var payload wire.PlayerJoinedPayload
	if err := env.Unmarshal(&payload); err != nil {
		return
	}
	incoming := playerFromView(payload.Player)
	for i, p := range g.players {
		if p.LogicalID == incoming.LogicalID {
			g.players[i] = incoming
			g.emitPlayersChanged()
			return
		}
	}
	g.players = append(g.players, incoming)
	g.emitPlayersChanged()
}

func (g *Guest) handlePlayerLeft(env wire.Envelope) {
	var payload wire.PlayerLeftPayload
	if err := env.Unmarshal(&payload); err != nil {
		return
	}
	for i, p := range g.players {
		if string(p.LogicalID) == payload.LogicalID {
			g.players = append(g.players[:i], g.players[i+1:]...)
			break
		}
	}
	g.emitPlayersChanged()
}

func (g *Guest) handlePlayerReady(env wire.Envelope) {
	var payload wire.PlayerReadyPayload
	if err := env.Unmarshal(&payload); err != nil {
		return
	}
	for i, p := range g.players {
		if string(p.LogicalID) == payload.LogicalID {
			g.players[i].IsReady = payload.IsReady
			break
		}
	}
	g.emitPlayersChanged()
}

func (g *Guest) handlePlayerKicked(env wire.Envelope) {
	var payload wire.PlayerKickedPayload
	if err := env.Unmarshal(&payload); err != nil {
		return
	}
	if payload.LogicalID == string(g.selfID) {
		g.terminalReason = "kicked"
		g.emit(EventTornDown{Reason: "kicked"})
		g.teardownLocked()
		return
	}
	for i, p := range g.players {
		if string(p.LogicalID) == payload.LogicalID {
			g.players = append(g.players[:i], g.players[i+1:]...)
			break
		}
	}
	g.emitPlayersChanged()
}

func (g *Guest) handleLobbySettings(env wire.Envelope) {
	var payload wire.LobbySettingsPayload
	if err := env.Unmarshal(&payload); err != nil {
		return
	}
	g.settings = Settings{RequiresRequest: payload.Settings.RequiresRequest, PerGameSettings: payload.Settings.PerGameSettings}
	g.emit(EventSettingsChanged{Settings: g.settings})
}

func (g *Guest) handleGameSelected(env wire.Envelope) {
	var payload wire.GameSelectedPayload
	if err := env.Unmarshal(&payload); err != nil {
		return
	}
	g.selectedGameID = payload.GameID
	g.emit(EventGameSelected{GameID: payload.GameID})
}

func (g *Guest) handleGameStart(env wire.Envelope) {
	var payload wire.GameStartPayload
	if err := env.Unmarshal(&payload); err != nil {
		return
	}
	g.isGameStarted = true
	g.players = playersFromViews(payload.Players)
	g.emit(EventGameStarted{GameID: payload.GameID, Players: append([]Player(nil), g.players...)})
}

func (g *Guest) handleGameMessage(env wire.Envelope) {
	var payload wire.GameMessagePayload
	if err := env.Unmarshal(&payload); err != nil {
		g.log.WithError(err).Warn("malformed game-message")
		return
	}
	senderID := identity.PeerIdentity(payload.SenderID)
	if senderID == "" {
		senderID = identity.PeerIdentity(env.SenderID)
	}
	if g.onGameMsg != nil {
		g.onGameMsg(senderID, payload.InnerType, payload.Data)
	}
}

// --- guest-driven actions ---------------------------------------------------------

// SetReady announces this guest's own readiness.
func (g *Guest) SetReady(ready bool) error {
	var outErr error
	g.do(func() {
		outErr = g.sendRawUnlocked(wire.TypePlayerReady, wire.PlayerReadyPayload{LogicalID: string(g.selfID), IsReady: ready})
	})
	return outErr
}

// Leave announces intentional departure and tears the connection down
// locally; the host will also observe the close and clean up its side.
func (g *Guest) Leave() error {
	var outErr error
	g.do(func() {
		outErr = g.sendRawUnlocked(wire.TypePlayerLeft, wire.PlayerLeftPayload{LogicalID: string(g.selfID)})
		g.terminalReason = "left intentionally"
		g.teardownLocked()
	})
	return outErr
}

// Players returns a snapshot of the last known roster.
func (g *Guest) Players() []Player {
	var out []Player
	g.do(func() { out = append([]Player(nil), g.players...) })
	return out
}

// SelectedGameID returns the game id the host had selected as of the last
// update this guest observed (from join-accepted or a later game-selected
// broadcast).
func (g *Guest) SelectedGameID() string {
	var id string
	g.do(func() { id = g.selectedGameID })
	return id
}

// Status returns the guest's current join status.
func (g *Guest) Status() (JoinStatus, wire.RejectReason) {
	var status JoinStatus
	var reason wire.RejectReason
	g.do(func() { status = g.status; reason = g.rejectReason })
	return status, reason
}

func (g *Guest) handleHostDisconnected(conn transport.Conn) {
	if g.conn != conn {
		return
	}
	if g.terminalReason == "" {
		g.emit(EventTornDown{Reason: "host connection lost"})
	}
	g.teardownLocked()
}

// --- consensus wiring (implements consensus.GuestMessenger structurally) --------
//
// SendToHost deliberately does NOT go through do(): the consensus engine
// only ever calls it while already running on the guest actor's own
// goroutine (from inside handleGameMessage, or from a closure the embedder
// passed to RunOnLobbyThread), and do() is not reentrant. A caller not
// already on that goroutine must wrap its call in RunOnLobbyThread.

// SendToHost carries one consensus inner-message inside a game-message
// envelope to the host, the guest's only connection.
func (g *Guest) SendToHost(innerType string, data json.RawMessage) error {
	return g.sendRawUnlocked(wire.TypeGameMessage, wire.GameMessagePayload{InnerType: innerType, Data: data})
}

// RunOnLobbyThread synchronously runs fn on the guest actor's own
// goroutine — the same one handleGameMessage already runs on. A consensus
// engine driven by local action (this guest's own player proposing a move)
// must originate that call through here rather than calling engine methods
// directly, since Engine is not safe for concurrent use and SendToHost
// assumes it is already running on this goroutine.
func (g *Guest) RunOnLobbyThread(fn func()) { g.do(fn) }

// --- teardown ----------------------------------------------------------------------

func (g *Guest) teardownLocked() {
	if g.conn != nil {
		g.conn.Close("guest teardown")
	}
	g.closed.Do(func() { close(g.done) })
}

func (g *Guest) emitPlayersChanged() {
	g.emit(EventPlayersChanged{Players: append([]Player(nil), g.players...)})
}

func playerFromView(v wire.PlayerView) Player {
	return Player{
		LogicalID:   identity.PeerIdentity(v.LogicalID),
		DisplayName: v.DisplayName,
		IsHost:      v.IsHost,
		IsReady:     v.IsReady,
		IsConnected: v.IsConnected,
	}
}

func playersFromViews(views []wire.PlayerView) []Player {
	out := make([]Player, len(views))
	for i, v := range views {
		out[i] = playerFromView(v)
	}
	return out
}
