package game

import "github.com/arcade-mesh/core/internal/consensus"

// Registry maps a game id (as selected over the wire in game-selected /
// game-start messages) to the adapter that implements it. A process hosts
// one lobby at a time but may offer more than one game to choose from.
type Registry map[string]consensus.GameAdapter

// NewRegistry returns the catalog of games this build ships, keyed the
// same way cmd/host's --game flag and the wire protocol's game_id both
// name them.
func NewRegistry() Registry {
	return Registry{
		"tictactoe": TicTacToe{},
	}
}

// Capacity returns the maximum player count for gameID. The method value
// registry.Capacity is the player-count function the lobby manager needs,
// closed over this registry so the lobby package never imports game
// directly (it only depends on the MaxPlayersForGame function type).
func (r Registry) Capacity(gameID string) int {
	adapter, ok := r[gameID]
	if !ok {
		return 8
	}
	switch adapter.(type) {
	case TicTacToe:
		return 2
	default:
		return 8
	}
}
