// Package audit records lobby and match history to Postgres. It is a
// supplemented feature, not part of the core: the lobby and consensus
// packages never import it, and a deployment with no
// ARCADEMESH_AUDIT_DATABASE_URL configured simply never constructs a
// Recorder. Grounded in landoware-canasta-server's persistence.go shape,
// moved onto jackc/pgx/v5 and $-positional SQL the way
// jason-s-yu-cambia-service's internal/database package does it.
package audit

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	"github.com/arcade-mesh/core/internal/consensus"
	"github.com/arcade-mesh/core/internal/identity"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Recorder persists lobby lifecycle and match outcomes. One Recorder is
// shared by a host process across every lobby it runs.
type Recorder struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against dsn and pings it before returning. It
// applies no migrations; Migrate does that.
func Connect(ctx context.Context, dsn string) (*Recorder, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("AUDIT_CONNECT_FAILED: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("AUDIT_PING_FAILED: %w", err)
	}

	return &Recorder{pool: pool}, nil
}

// Migrate applies every pending embedded migration. It is separate from
// Connect; the host entrypoint calls it right after every successful
// Connect.
func (r *Recorder) Migrate(dsn string) error {
	goose.SetBaseFS(embeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("AUDIT_MIGRATE_FAILED: %w", err)
	}
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("AUDIT_MIGRATE_FAILED: %w", err)
	}
	defer db.Close()
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("AUDIT_MIGRATE_FAILED: %w", err)
	}
	return nil
}

func (r *Recorder) Close() {
	r.pool.Close()
}

// LobbyStarted records a new lobby/game session and returns its history
// row id, used later to attach MatchEnded's result.
func (r *Recorder) LobbyStarted(ctx context.Context, lobbyCode, gameID string, hostID identity.PeerIdentity, playerCount int, startedAt time.Time) (int64, error) {
	const q = `
		INSERT INTO lobby_history (lobby_code, game_id, host_logical_id, player_count, started_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	var id int64
	err := r.pool.QueryRow(ctx, q, lobbyCode, gameID, string(hostID), playerCount, startedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("AUDIT_INSERT_LOBBY_FAILED: %w", err)
	}
	return id, nil
}

// LobbyEnded marks a lobby_history row closed with a terminal reason
// (e.g. "host left", "not enough players", "match finished").
func (r *Recorder) LobbyEnded(ctx context.Context, lobbyHistoryID int64, reason string, endedAt time.Time) error {
	const q = `UPDATE lobby_history SET ended_at = $1, end_reason = $2 WHERE id = $3`
	_, err := r.pool.Exec(ctx, q, endedAt, reason, lobbyHistoryID)
	if err != nil {
		return fmt.Errorf("AUDIT_UPDATE_LOBBY_FAILED: %w", err)
	}
	return nil
}

// MatchEnded records the final game state and outcome for one lobby's
// match, translating the consensus engine's opaque TerminalResult plus
// the player roster into a concrete winner id.
func (r *Recorder) MatchEnded(ctx context.Context, lobbyHistoryID int64, result consensus.TerminalResult, players []identity.PeerIdentity, finalState []byte, recordedAt time.Time) error {
	var winner *string
	if !result.Draw && result.WinnerIndex >= 0 && result.WinnerIndex < len(players) {
		w := string(players[result.WinnerIndex])
		winner = &w
	}

	const q = `
		INSERT INTO match_result (lobby_history_id, winner_logical_id, draw, detail, final_state, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, q, lobbyHistoryID, winner, result.Draw, result.Detail, finalState, recordedAt)
	if err != nil {
		return fmt.Errorf("AUDIT_INSERT_MATCH_FAILED: %w", err)
	}
	return nil
}

// RecentForCode returns the most recent lobby_history rows for a given
// lobby code, newest first, useful for a "did this code ever run before"
// lookup in a CLI status view.
func (r *Recorder) RecentForCode(ctx context.Context, lobbyCode string, limit int) ([]LobbyHistoryEntry, error) {
	const q = `
		SELECT id, lobby_code, game_id, host_logical_id, player_count, started_at, ended_at, end_reason
		FROM lobby_history
		WHERE lobby_code = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, q, lobbyCode, limit)
	if err != nil {
		return nil, fmt.Errorf("AUDIT_QUERY_FAILED: %w", err)
	}
	defer rows.Close()

	var out []LobbyHistoryEntry
	for rows.Next() {
		var e LobbyHistoryEntry
		if err := rows.Scan(&e.ID, &e.LobbyCode, &e.GameID, &e.HostLogicalID, &e.PlayerCount, &e.StartedAt, &e.EndedAt, &e.EndReason); err != nil {
			return nil, fmt.Errorf("AUDIT_SCAN_FAILED: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("AUDIT_ROWS_FAILED: %w", err)
	}
	return out, nil
}

// LobbyHistoryEntry is the read-side projection of one lobby_history row.
type LobbyHistoryEntry struct {
	ID            int64
	LobbyCode     string
	GameID        string
	HostLogicalID string
	PlayerCount   int
	StartedAt     time.Time
	EndedAt       *time.Time
	EndReason     *string
}
