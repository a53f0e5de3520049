// Package guestcli joins an existing lobby as a non-authoritative
// player: it dials the host over websocket, drives admission/ready
// state, and runs the mirroring side of the turn consensus engine once a
// game starts. It backs both the standalone cmd/guest binary and the
// "guest" subcommand of cmd/arcademesh.
package guestcli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"

	"github.com/arcade-mesh/core/internal/config"
	"github.com/arcade-mesh/core/internal/consensus"
	"github.com/arcade-mesh/core/internal/game"
	"github.com/arcade-mesh/core/internal/identity"
	"github.com/arcade-mesh/core/internal/lobby"
	"github.com/arcade-mesh/core/internal/lobbycode"
	"github.com/arcade-mesh/core/internal/transport"
)

// Run parses guest configuration from args, joins the lobby, and blocks
// until the lobby is torn down or the join is rejected.
func Run(args []string) error {
	cfg, err := config.LoadGuestConfig(args)
	if err != nil {
		return err
	}

	log := logrus.New()
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := log.WithField("component", "guest")

	registry := game.NewRegistry()
	selfID := identity.NewPeerIdentity()
	g := lobby.NewGuest(selfID, cfg.DisplayName, &transport.WebSocketDialer{}, identity.NewMemoryStore(), entry)

	if code, ok := lobbycode.ExtractFromURL(cfg.HostURL); ok {
		pterm.Info.Printfln("lobby code: %s", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	err = g.Join(ctx, cfg.HostURL)
	cancel()
	if err != nil {
		return fmt.Errorf("JOIN_FAILED: %w", err)
	}

	var engine *consensus.Engine
	runLoop(entry, g, registry, selfID, &engine)
	return nil
}

// runLoop drains lobby events, renders a dashboard, and lazily wires up
// the consensus engine once the host's selected game is known — either
// from the join-accepted reply or a later game-selected broadcast.
func runLoop(log *logrus.Entry, g *lobby.Guest, registry game.Registry, selfID identity.PeerIdentity, enginePtr **consensus.Engine) {
	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return
	}
	for ev := range g.Events() {
		switch e := ev.(type) {
		case lobby.EventJoinStatusChanged:
			area.Update(statusPanel(e.Status))
			switch e.Status {
			case lobby.JoinStatusAccepted:
				ensureEngine(log, g, registry, selfID, enginePtr)
				go promptReady(g)
			case lobby.JoinStatusRejected:
				pterm.Error.Printfln("join rejected: %s", e.Reason)
				area.Stop()
				return
			case lobby.JoinStatusPending:
				pterm.Warning.Println("waiting for host approval")
			}
		case lobby.EventGameSelected:
			ensureEngine(log, g, registry, selfID, enginePtr)
		case lobby.EventPlayersChanged:
			area.Update(playersPanel(e.Players))
		case lobby.EventGameStarted:
			if *enginePtr != nil {
				go guestPlayLoop(g, *enginePtr)
			}
		case lobby.EventTornDown:
			pterm.Error.Printfln("lobby torn down: %s", e.Reason)
			area.Stop()
			return
		}
	}
}

// ensureEngine builds the consensus engine the first time the selected
// game id becomes known, then requests the authoritative initial state.
func ensureEngine(log *logrus.Entry, g *lobby.Guest, registry game.Registry, selfID identity.PeerIdentity, enginePtr **consensus.Engine) {
	if *enginePtr != nil {
		return
	}
	gameID := g.SelectedGameID()
	if gameID == "" {
		return
	}
	adapter, ok := registry[gameID]
	if !ok {
		pterm.Error.Printfln("host selected unknown game id %q", gameID)
		return
	}
	ge := consensus.NewGuestEngine(adapter, selfID, g, log)
	*enginePtr = ge

	g.OnGameMessage(func(senderID identity.PeerIdentity, innerType string, data json.RawMessage) {
		events, err := ge.HandleInbound(senderID, innerType, data)
		if err != nil {
			log.WithError(err).Warn("consensus engine rejected inbound message")
			return
		}
		handleConsensusEvents(log, events)
	})

	g.RunOnLobbyThread(func() {
		if err := ge.RequestInitialSync(); err != nil {
			log.WithError(err).Warn("failed to request initial sync")
		}
	})
}

func promptReady(g *lobby.Guest) {
	ready, _ := pterm.DefaultInteractiveConfirm.WithDefaultText("mark yourself ready?").Show()
	if err := g.SetReady(ready); err != nil {
		pterm.Warning.Printfln("failed to set ready: %v", err)
	}
}

// guestPlayLoop mirrors cmd/host's play loop: every locally originated
// proposal must run on the guest's own actor goroutine since Engine is
// not safe for concurrent use.
func guestPlayLoop(g *lobby.Guest, engine *consensus.Engine) {
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
		g.RunOnLobbyThread(func() { proposeErr = engine.ProposeMove(move) })
		if proposeErr != nil {
			pterm.Warning.Printfln("move not accepted: %v", proposeErr)
		}
	}
}

func handleConsensusEvents(log *logrus.Entry, events []consensus.Event) {
	for _, ev := range events {
		switch e := ev.(type) {
		case consensus.EventStateApplied:
			log.WithField("state", string(e.State)).Info("game state advanced")
		case consensus.EventSyncStateReceived:
			log.WithField("state", string(e.State)).Info("received initial state")
		case consensus.EventGameEnded:
			log.WithField("winner_index", e.Result.WinnerIndex).WithField("draw", e.Result.Draw).Info("game ended")
		case consensus.EventMoveRefused:
			log.WithField("reason", e.Reason).Warn("move refused")
		}
	}
}

func statusPanel(status lobby.JoinStatus) string {
	switch status {
	case lobby.JoinStatusConnecting:
		return "connecting..."
	case lobby.JoinStatusPending:
		return "waiting for host approval..."
	case lobby.JoinStatusAccepted:
		return "joined"
	case lobby.JoinStatusRejected:
		return "rejected"
	default:
		return ""
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

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
