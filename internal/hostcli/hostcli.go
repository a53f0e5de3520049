// Package hostcli runs the lobby's state of record: it accepts guest
// connections, drives admission/approval, and runs the authoritative side
// of the turn consensus engine for whichever game is selected. It backs
// both the standalone cmd/host binary and the "host" subcommand of
// cmd/arcademesh.
package hostcli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pterm/pterm"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/sirupsen/logrus"

	"github.com/arcade-mesh/core/internal/audit"
	"github.com/arcade-mesh/core/internal/config"
	"github.com/arcade-mesh/core/internal/consensus"
	"github.com/arcade-mesh/core/internal/game"
	"github.com/arcade-mesh/core/internal/identity"
	"github.com/arcade-mesh/core/internal/lobby"
	"github.com/arcade-mesh/core/internal/lobbycode"
	"github.com/arcade-mesh/core/internal/transport"
)

// Run parses host configuration from args and blocks until the lobby is
// torn down or the process receives a shutdown signal.
func Run(args []string) error {
	cfg, err := config.LoadHostConfig(args)
	if err != nil {
		return err
	}

	log := logrus.New()
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := log.WithField("component", "host")

	registry := game.NewRegistry()
	adapter, ok := registry[cfg.GameID]
	if !ok {
		return fmt.Errorf("UNKNOWN_GAME: %q", cfg.GameID)
	}

	code, err := lobbycode.Generate(nil)
	if err != nil {
		return err
	}
	selfID := identity.NewPeerIdentity()

	var recorder *audit.Recorder
	var lobbyHistoryID int64
	if cfg.AuditDatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		recorder, err = audit.Connect(ctx, cfg.AuditDatabaseURL)
		cancel()
		if err != nil {
			entry.WithError(err).Warn("audit database unavailable, continuing without history")
		} else if err := recorder.Migrate(cfg.AuditDatabaseURL); err != nil {
			entry.WithError(err).Warn("audit migration failed, continuing without history")
			recorder.Close()
			recorder = nil
		}
	}

	h := lobby.NewHost(code, selfID, cfg.DisplayName, lobby.Settings{
		RequiresRequest: cfg.RequiresRequest,
	}, registry.Capacity, entry)
	h.SelectGame(cfg.GameID)

	engine := consensus.NewHostEngine(adapter, selfID, h, entry)
	h.OnGameMessage(func(senderID identity.PeerIdentity, innerType string, data json.RawMessage) {
		events, err := engine.HandleInbound(senderID, innerType, data)
		if err != nil {
			entry.WithError(err).Warn("consensus engine rejected inbound message")
			return
		}
		handleConsensusEvents(entry, recorder, lobbyHistoryID, h, engine, events)
	})

	listener := transport.NewWebSocketListener()
	go acceptLoop(entry, listener, h)

	router := httprouter.New()
	router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "lobby_code": code})
	})
	router.HandlerFunc(http.MethodGet, "/ws", listener.UpgradeHandler(cfg.OriginPatterns))

	addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: router}

	joinURL := lobbycode.BuildURL(fmt.Sprintf("ws://%s/ws", displayAddr(cfg.Bind, cfg.Port)), code)
	printBanner(code, joinURL)

	if recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lobbyHistoryID, err = recorder.LobbyStarted(ctx, code, cfg.GameID, selfID, 1, time.Now())
		cancel()
		if err != nil {
			entry.WithError(err).Warn("failed to record lobby start")
		}
	}

	go renderDashboard(h, engine)

	done := make(chan struct{})
	go gracefulShutdown(entry, h, listener, httpServer, recorder, lobbyHistoryID, done)

	entry.WithField("addr", addr).Info("listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		entry.WithError(err).Error("http server error")
		return err
	}
	<-done
	return nil
}

func displayAddr(bind string, port int) string {
	host := bind
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return host + ":" + strconv.Itoa(port)
}

func printBanner(code, joinURL string) {
	pterm.DefaultHeader.WithFullWidth().Println("arcade mesh host")
	pterm.Info.Printfln("lobby code: %s", code)
	pterm.Info.Printfln("join url:   %s", joinURL)

	png, err := qrcode.Encode(joinURL, qrcode.Medium, 256)
	if err == nil {
		_ = os.WriteFile("lobby-qr.png", png, 0o644)
		pterm.Info.Println("QR code for the join URL written to lobby-qr.png")
	}
}

func acceptLoop(log *logrus.Entry, listener *transport.WebSocketListener, h *lobby.Host) {
	ctx := context.Background()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			log.WithError(err).Info("listener closed")
			return
		}
		h.Accept(conn)
	}
}

func renderDashboard(h *lobby.Host, engine *consensus.Engine) {
	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return
	}
	for ev := range h.Events() {
		switch e := ev.(type) {
		case lobby.EventPlayersChanged:
			area.Update(playersPanel(e.Players))
			if allReadyToStart(e.Players) {
				_ = h.StartGame()
			}
		case lobby.EventPendingRequestsChanged:
			if len(e.Pending) > 0 {
				pterm.Warning.Printfln("%d join request(s) pending approval", len(e.Pending))
			}
		case lobby.EventGameStarted:
			ids := make([]identity.PeerIdentity, len(e.Players))
			for i, p := range e.Players {
				ids[i] = p.LogicalID
			}
			h.RunOnLobbyThread(func() {
				if err := engine.Start(len(ids), nil); err != nil {
					pterm.Error.Printfln("failed to seed initial state: %v", err)
					return
				}
				engine.SetPlayers(ids)
			})
			go hostPlayLoop(h, engine)
		case lobby.EventTornDown:
			pterm.Error.Printfln("lobby torn down: %s", e.Reason)
			area.Stop()
			return
		}
	}
}

// hostPlayLoop prompts the host's own player for tic-tac-toe cell moves
// once the game has started. Every proposal must run on the lobby actor's
// goroutine since Engine is not safe for concurrent use.
func hostPlayLoop(h *lobby.Host, engine *consensus.Engine) {
	for {
		cellText, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("cell to play (0-8, blank to wait)").Show()
		if cellText == "" {
			time.Sleep(2 * time.Second)
			continue
		}
		cell, err := strconv.Atoi(cellText)
		if err != nil || cell < 0 || cell > 8 {
			pterm.Error.Println("enter a number between 0 and 8")
			continue
		}
		move, err := json.Marshal(game.TicTacToeMove{Cell: cell})
		if err != nil {
			continue
		}
		var proposeErr error
		h.RunOnLobbyThread(func() { proposeErr = engine.ProposeMove(move) })
		if proposeErr != nil {
			pterm.Warning.Printfln("move not accepted: %v", proposeErr)
		}
	}
}

func playersPanel(players []lobby.Player) string {
	rows := [][]string{{"player", "ready", "connected"}}
	for _, p := range players {
		rows = append(rows, []string{p.DisplayName, yesNo(p.IsReady), yesNo(p.IsConnected)})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return ""
	}
	return table
}

// allReadyToStart auto-starts the moment every seated player (including
// the host) has marked ready and at least two have joined, so neither side
// needs a dedicated "start game" control for this reference build.
func allReadyToStart(players []lobby.Player) bool {
	if len(players) < 2 {
		return false
	}
	for _, p := range players {
		if !p.IsReady {
			return false
		}
	}
	return true
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func handleConsensusEvents(log *logrus.Entry, recorder *audit.Recorder, lobbyHistoryID int64, h *lobby.Host, engine *consensus.Engine, events []consensus.Event) {
	for _, ev := range events {
		switch e := ev.(type) {
		case consensus.EventStateApplied:
			log.WithField("state", string(e.State)).Info("game state advanced")
		case consensus.EventGameEnded:
			log.WithField("winner_index", e.Result.WinnerIndex).WithField("draw", e.Result.Draw).Info("game ended")
			if recorder != nil && lobbyHistoryID != 0 {
				ids := h.ConnectedPlayerIDs()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := recorder.MatchEnded(ctx, lobbyHistoryID, e.Result, ids, engine.State(), time.Now()); err != nil {
					log.WithError(err).Warn("failed to record match result")
				}
				cancel()
			}
		case consensus.EventMoveRefused:
			log.WithField("reason", e.Reason).Warn("move refused")
		}
	}
}

func gracefulShutdown(log *logrus.Entry, h *lobby.Host, listener *transport.WebSocketListener, httpServer *http.Server, recorder *audit.Recorder, lobbyHistoryID int64, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutdown signal received")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h.Leave()
	_ = listener.Close()
	if recorder != nil {
		if lobbyHistoryID != 0 {
			if err := recorder.LobbyEnded(shutdownCtx, lobbyHistoryID, "host left", time.Now()); err != nil {
				log.WithError(err).Warn("failed to record lobby end")
			}
		}
		recorder.Close()
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server forced to shutdown")
	}
	close(done)
}
