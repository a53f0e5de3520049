package wire

import "encoding/json"

// ============================================================================
// JOIN / ADMISSION
// ============================================================================

type JoinRequestPayload struct {
	DisplayName  string `json:"display_name"`
	LogicalID    string `json:"logical_id"`
	SessionToken string `json:"session_token,omitempty"`
}

type PlayerView struct {
	LogicalID   string `json:"logical_id"`
	DisplayName string `json:"display_name"`
	IsHost      bool   `json:"is_host"`
	IsReady     bool   `json:"is_ready"`
	IsConnected bool   `json:"is_connected"`
}

type JoinAcceptedPayload struct {
	Players        []PlayerView   `json:"players"`
	SelectedGameID string         `json:"selected_game_id,omitempty"`
	Settings       LobbySettings  `json:"settings"`
	IsGameStarted  bool           `json:"is_game_started,omitempty"`
	SessionToken   string         `json:"session_token,omitempty"`
}

// RejectReason enumerates the closed set of join-rejection causes.
type RejectReason string

const (
	RejectNotFound        RejectReason = "not-found"
	RejectCapacityReached RejectReason = "capacity-reached"
	RejectInGame          RejectReason = "in-game"
	RejectDenied          RejectReason = "denied"
)

type JoinRejectedPayload struct {
	Reason RejectReason `json:"reason"`
}

type JoinPendingPayload struct{}
type JoinApprovedPayload struct{}
type JoinDeniedPayload struct{}

type PlayerJoinedPayload struct {
	Player PlayerView `json:"player"`
}

type PlayerLeftPayload struct {
	LogicalID string `json:"logical_id"`
}

type PlayerReadyPayload struct {
	LogicalID string `json:"logical_id"`
	IsReady   bool   `json:"is_ready"`
}

type PlayerKickedPayload struct {
	LogicalID string `json:"logical_id"`
}

type HostLeftPayload struct{}

// LobbySettings mirrors the data model's LobbySettings: a gating flag plus
// an opaque per-game settings bag.
type LobbySettings struct {
	RequiresRequest bool                              `json:"requires_request"`
	PerGameSettings map[string]map[string]interface{} `json:"per_game_settings,omitempty"`
}

type LobbySettingsPayload struct {
	Settings LobbySettings `json:"settings"`
}

type GameSelectedPayload struct {
	GameID string `json:"game_id"`
}

type GameStartPayload struct {
	GameID  string       `json:"game_id"`
	Players []PlayerView `json:"players"`
}

// ============================================================================
// CONSENSUS (carried inside game-message envelopes)
// ============================================================================

// GameMessagePayload is the outer shell for all consensus and
// game-specific traffic; InnerType not in the engine's reserved set is
// passed through to the game adapter untouched.
type GameMessagePayload struct {
	InnerType string          `json:"inner_type"`
	Data      json.RawMessage  `json:"data"`
	SenderID  string          `json:"sender_id,omitempty"`
}

const (
	InnerProposeMove  = "propose-move"
	InnerApproveMove  = "approve-move"
	InnerFinalizeMove = "finalize-move"
	InnerRequestState = "request-state"
	InnerSyncState    = "sync-state"
)

type ProposeMovePayload struct {
	MoveID string          `json:"move_id"`
	Move   json.RawMessage  `json:"move"`
}

type ApproveMovePayload struct {
	MoveID string `json:"move_id"`
}

type FinalizeMovePayload struct {
	MoveID string `json:"move_id"`
}

type RequestStatePayload struct{}

type SyncStatePayload struct {
	GameState json.RawMessage `json:"game_state"`
}
