// Package game holds concrete GameAdapter implementations. These are
// reference collaborators, not part of the core: spec.md treats "what a
// move means" as entirely out of scope for the lobby and consensus
// layers, so everything here only ever talks to those layers through
// consensus.GameAdapter's opaque json.RawMessage contract.
package game

import (
	"encoding/json"
	"fmt"

	"github.com/arcade-mesh/core/internal/consensus"
)

// TicTacToeState is the wire shape of a tic-tac-toe board: nine cells,
// "", "X", or "O", plus whose turn it is.
type TicTacToeState struct {
	Board       [9]string `json:"board"`
	TurnIndex   int       `json:"turn_index"`
	PlayerMarks []string  `json:"player_marks"`
}

// TicTacToeMove names the single cell a player wants to claim.
type TicTacToeMove struct {
	Cell int `json:"cell"`
}

var ticTacToeLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// TicTacToe is the reference GameAdapter used to exercise the consensus
// engine end to end in tests and in the CLI demo entrypoints.
type TicTacToe struct{}

var _ consensus.GameAdapter = TicTacToe{}

func (TicTacToe) InitialState(playerCount int, _ map[string]interface{}) (json.RawMessage, error) {
	if playerCount != 2 {
		return nil, fmt.Errorf("TICTACTOE_PLAYER_COUNT: requires exactly 2 players, got %d", playerCount)
	}
	state := TicTacToeState{
		PlayerMarks: []string{"X", "O"},
	}
	return json.Marshal(state)
}

func (TicTacToe) ValidateMove(stateRaw json.RawMessage, moveRaw json.RawMessage, proposerIndex int) bool {
	var state TicTacToeState
	if err := json.Unmarshal(stateRaw, &state); err != nil {
		return false
	}
	var move TicTacToeMove
	if err := json.Unmarshal(moveRaw, &move); err != nil {
		return false
	}
	if proposerIndex != state.TurnIndex {
		return false
	}
	if move.Cell < 0 || move.Cell > 8 {
		return false
	}
	if state.Board[move.Cell] != "" {
		return false
	}
	if winnerOf(state.Board) != "" {
		return false
	}
	return true
}

func (TicTacToe) ApplyMove(stateRaw json.RawMessage, moveRaw json.RawMessage) (json.RawMessage, *consensus.TerminalResult, error) {
	var state TicTacToeState
	if err := json.Unmarshal(stateRaw, &state); err != nil {
		return nil, nil, fmt.Errorf("TICTACTOE_STATE_MALFORMED: %w", err)
	}
	var move TicTacToeMove
	if err := json.Unmarshal(moveRaw, &move); err != nil {
		return nil, nil, fmt.Errorf("TICTACTOE_MOVE_MALFORMED: %w", err)
	}

	mark := state.PlayerMarks[state.TurnIndex]
	state.Board[move.Cell] = mark
	state.TurnIndex = (state.TurnIndex + 1) % len(state.PlayerMarks)

	next, err := json.Marshal(state)
	if err != nil {
		return nil, nil, fmt.Errorf("TICTACTOE_MARSHAL_FAILED: %w", err)
	}

	var terminal *consensus.TerminalResult
	if winner := winnerOf(state.Board); winner != "" {
		winnerIndex := 0
		for i, m := range state.PlayerMarks {
			if m == winner {
				winnerIndex = i
			}
		}
		terminal = &consensus.TerminalResult{WinnerIndex: winnerIndex, Detail: fmt.Sprintf("%s completed a line", winner)}
	} else if boardFull(state.Board) {
		terminal = &consensus.TerminalResult{Draw: true, Detail: "board filled with no winner"}
	}

	return next, terminal, nil
}

func winnerOf(board [9]string) string {
	for _, line := range ticTacToeLines {
		a, b, c := board[line[0]], board[line[1]], board[line[2]]
		if a != "" && a == b && b == c {
			return a
		}
	}
	return ""
}

func boardFull(board [9]string) bool {
	for _, cell := range board {
		if cell == "" {
			return false
		}
	}
	return true
}
