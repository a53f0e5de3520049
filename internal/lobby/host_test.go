package lobby

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcade-mesh/core/internal/identity"
	"github.com/arcade-mesh/core/internal/wire"
)

func noopLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func sendJoinRequest(t *testing.T, conn *pipeConn, logicalID, displayName, token string) {
	t.Helper()
	raw, err := wire.Encode(wire.TypeJoinRequest, logicalID, wire.JoinRequestPayload{
		DisplayName:  displayName,
		LogicalID:    logicalID,
		SessionToken: token,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Send(context.Background(), raw))
}

func recvEnvelope(t *testing.T, conn *pipeConn) wire.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := conn.Recv(ctx)
	require.NoError(t, err)
	env, err := wire.Decode(raw)
	require.NoError(t, err)
	return env
}

// Why: an ungated lobby admits the first joiner outright and hands back a
// session token for future reconnects.
func TestHost_UngatedJoin_AdmitsImmediately(t *testing.T) {
	host := NewHost("ABCD23", "host-id", "Host", Settings{RequiresRequest: false}, nil, noopLog())
	near, far := newPipePair("addr-1")
	host.Accept(near)

	sendJoinRequest(t, far, "guest-1", "Guest", "")

	env := recvEnvelope(t, far)
	require.Equal(t, wire.TypeJoinAccepted, env.Type)
	var payload wire.JoinAcceptedPayload
	require.NoError(t, env.Unmarshal(&payload))
	assert.Len(t, payload.Players, 2)
	assert.NotEmpty(t, payload.SessionToken)

	players := host.Players()
	assert.Len(t, players, 2)
}

func TestHost_CapacityReached_RejectsAndClosesGracefully(t *testing.T) {
	host := NewHost("ABCD23", "host-id", "Host", Settings{RequiresRequest: false}, func(string) int { return 2 }, noopLog())

	near1, far1 := newPipePair("addr-1")
	host.Accept(near1)
	sendJoinRequest(t, far1, "guest-1", "Guest1", "")
	recvEnvelope(t, far1) // join-accepted, fills capacity (host + guest-1 == 2)

	near2, far2 := newPipePair("addr-2")
	host.Accept(near2)
	sendJoinRequest(t, far2, "guest-2", "Guest2", "")

	env := recvEnvelope(t, far2)
	require.Equal(t, wire.TypeJoinRejected, env.Type)
	var payload wire.JoinRejectedPayload
	require.NoError(t, env.Unmarshal(&payload))
	assert.Equal(t, wire.RejectCapacityReached, payload.Reason)
}

func TestHost_RequiresRequest_GatesAdmissionUntilApproved(t *testing.T) {
	host := NewHost("ABCD23", "host-id", "Host", Settings{RequiresRequest: true}, nil, noopLog())
	near, far := newPipePair("addr-1")
	host.Accept(near)

	sendJoinRequest(t, far, "guest-1", "Guest", "")
	env := recvEnvelope(t, far)
	assert.Equal(t, wire.TypeJoinPending, env.Type)

	pending := host.PendingRequests()
	require.Len(t, pending, 1)
	assert.Equal(t, identity.PeerIdentity("guest-1"), pending[0].LogicalID)

	require.NoError(t, host.Approve("guest-1"))
	env = recvEnvelope(t, far)
	assert.Equal(t, wire.TypeJoinAccepted, env.Type)
	assert.Empty(t, host.PendingRequests())
}

func TestHost_RequiresRequest_DenyRejectsJoiner(t *testing.T) {
	host := NewHost("ABCD23", "host-id", "Host", Settings{RequiresRequest: true}, nil, noopLog())
	near, far := newPipePair("addr-1")
	host.Accept(near)

	sendJoinRequest(t, far, "guest-1", "Guest", "")
	recvEnvelope(t, far) // join-pending

	require.NoError(t, host.Deny("guest-1"))
	env := recvEnvelope(t, far)
	assert.Equal(t, wire.TypeJoinDenied, env.Type)
}

// Why: a guest that reconnects with its previously issued token must
// recover its same seat rather than being treated as a new joiner.
func TestHost_Reconnect_RecoversSeatWithValidToken(t *testing.T) {
	host := NewHost("ABCD23", "host-id", "Host", Settings{RequiresRequest: false}, nil, noopLog())
	near1, far1 := newPipePair("addr-1")
	host.Accept(near1)
	sendJoinRequest(t, far1, "guest-1", "Guest", "")

	accepted := recvEnvelope(t, far1)
	var payload wire.JoinAcceptedPayload
	require.NoError(t, accepted.Unmarshal(&payload))
	token := payload.SessionToken

	far1.Close("simulated drop")
	// Give the host's read loop a moment to observe the close.
	time.Sleep(20 * time.Millisecond)

	near2, far2 := newPipePair("addr-2")
	host.Accept(near2)
	sendJoinRequest(t, far2, "guest-1", "Guest", token)

	env := recvEnvelope(t, far2)
	require.Equal(t, wire.TypeJoinAccepted, env.Type)
	var reaccepted wire.JoinAcceptedPayload
	require.NoError(t, env.Unmarshal(&reaccepted))
	assert.Equal(t, token, reaccepted.SessionToken)

	players := host.Players()
	require.Len(t, players, 2)
	for _, p := range players {
		if p.LogicalID == "guest-1" {
			assert.True(t, p.IsConnected)
		}
	}
}

func TestHost_Reconnect_RejectsWrongToken(t *testing.T) {
	host := NewHost("ABCD23", "host-id", "Host", Settings{RequiresRequest: false}, nil, noopLog())
	near1, far1 := newPipePair("addr-1")
	host.Accept(near1)
	sendJoinRequest(t, far1, "guest-1", "Guest", "")
	recvEnvelope(t, far1)

	far1.Close("simulated drop")
	time.Sleep(20 * time.Millisecond)

	near2, far2 := newPipePair("addr-2")
	host.Accept(near2)
	sendJoinRequest(t, far2, "guest-1", "Guest", "wrong-token")

	env := recvEnvelope(t, far2)
	require.Equal(t, wire.TypeJoinRejected, env.Type)
}

func TestHost_Kick_RemovesPlayerAndNotifiesOthers(t *testing.T) {
	host := NewHost("ABCD23", "host-id", "Host", Settings{RequiresRequest: false}, nil, noopLog())

	near1, far1 := newPipePair("addr-1")
	host.Accept(near1)
	sendJoinRequest(t, far1, "guest-1", "Guest1", "")
	recvEnvelope(t, far1)

	near2, far2 := newPipePair("addr-2")
	host.Accept(near2)
	sendJoinRequest(t, far2, "guest-2", "Guest2", "")
	recvEnvelope(t, far2)       // join-accepted for guest-2
	recvEnvelope(t, far1)       // player-joined broadcast about guest-2

	require.NoError(t, host.Kick("guest-1"))

	env := recvEnvelope(t, far1)
	assert.Equal(t, wire.TypePlayerKicked, env.Type)

	env = recvEnvelope(t, far2)
	assert.Equal(t, wire.TypePlayerKicked, env.Type)

	players := host.Players()
	assert.Len(t, players, 2) // host + guest-2
}

func TestHost_RateLimiting_DropsMessagesOverCeiling(t *testing.T) {
	host := NewHost("ABCD23", "host-id", "Host", Settings{RequiresRequest: false}, nil, noopLog())
	near, far := newPipePair("addr-1")
	host.Accept(near)
	sendJoinRequest(t, far, "guest-1", "Guest", "")
	recvEnvelope(t, far)

	for i := 0; i < wire.RateLimitMax+5; i++ {
		raw, err := wire.Encode(wire.TypePing, "guest-1", struct{}{})
		require.NoError(t, err)
		require.NoError(t, far.Send(context.Background(), raw))
	}

	pongs := 0
	for i := 0; i < wire.RateLimitMax; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, err := far.Recv(ctx)
		cancel()
		if err != nil {
			break
		}
		pongs++
	}
	assert.LessOrEqual(t, pongs, wire.RateLimitMax)
}
