package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/arcade-mesh/core/internal/consensus"
	"github.com/arcade-mesh/core/internal/identity"
)

// startRecorder boots a throwaway postgres container, migrates it, and
// hands back a connected Recorder. Skipped when no usable Docker daemon
// is available.
func startRecorder(t *testing.T) *Recorder {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("arcademesh"),
		postgres.WithUsername("arcademesh"),
		postgres.WithPassword("arcademesh"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("docker not available for testcontainers: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	r, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	require.NoError(t, r.Migrate(dsn))
	return r
}

func TestRecorder_LobbyLifecycle_RoundTrips(t *testing.T) {
	r := startRecorder(t)
	ctx := context.Background()
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	id, err := r.LobbyStarted(ctx, "ABCD23", "tictactoe", identity.PeerIdentity("host-1"), 2, started)
	require.NoError(t, err)
	require.NotZero(t, id)

	require.NoError(t, r.LobbyEnded(ctx, id, "match finished", started.Add(5*time.Minute)))

	entries, err := r.RecentForCode(ctx, "ABCD23", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ABCD23", entries[0].LobbyCode)
	require.Equal(t, "tictactoe", entries[0].GameID)
	require.NotNil(t, entries[0].EndedAt)
	require.NotNil(t, entries[0].EndReason)
	require.Equal(t, "match finished", *entries[0].EndReason)
}

func TestRecorder_MatchEnded_ResolvesWinnerFromIndex(t *testing.T) {
	r := startRecorder(t)
	ctx := context.Background()
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	players := []identity.PeerIdentity{"host-1", "guest-1"}
	id, err := r.LobbyStarted(ctx, "WXYZ99", "tictactoe", players[0], len(players), started)
	require.NoError(t, err)

	result := consensus.TerminalResult{WinnerIndex: 1, Detail: "three in a row"}
	finalState := []byte(`{"board":["X","O","X","O","X","O","X","O","X"]}`)
	require.NoError(t, r.MatchEnded(ctx, id, result, players, finalState, started.Add(2*time.Minute)))
}

func TestRecorder_MatchEnded_DrawLeavesWinnerNil(t *testing.T) {
	r := startRecorder(t)
	ctx := context.Background()
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	players := []identity.PeerIdentity{"host-1", "guest-1"}
	id, err := r.LobbyStarted(ctx, "DRAW01", "tictactoe", players[0], len(players), started)
	require.NoError(t, err)

	result := consensus.TerminalResult{Draw: true, Detail: "board full"}
	require.NoError(t, r.MatchEnded(ctx, id, result, players, []byte(`{}`), started.Add(90*time.Second)))
}

func TestRecorder_RecentForCode_OrdersNewestFirstAndRespectsLimit(t *testing.T) {
	r := startRecorder(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := r.LobbyStarted(ctx, "REPEAT1", "tictactoe", identity.PeerIdentity("host-1"), 2, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	entries, err := r.RecentForCode(ctx, "REPEAT1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries[0].StartedAt.After(entries[1].StartedAt))
}
