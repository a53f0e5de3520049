package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcade-mesh/core/internal/identity"
	"github.com/arcade-mesh/core/internal/transport"
	"github.com/arcade-mesh/core/internal/wire"
)

// fakeDialer hands back a pre-wired pipeConn instead of dialing a real
// transport, so guest tests can script the host side of the exchange
// directly.
type fakeDialer struct {
	hostSide *pipeConn
}

func (d *fakeDialer) Dial(ctx context.Context, address string) (transport.Conn, error) {
	return d.hostSide, nil
}

func sendFromHost(t *testing.T, conn *pipeConn, typ wire.Type, payload interface{}) {
	t.Helper()
	raw, err := wire.Encode(typ, "host-id", payload)
	require.NoError(t, err)
	require.NoError(t, conn.Send(context.Background(), raw))
}

func recvFromGuest(t *testing.T, conn *pipeConn) wire.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := conn.Recv(ctx)
	require.NoError(t, err)
	env, err := wire.Decode(raw)
	require.NoError(t, err)
	return env
}

func TestGuest_Join_SendsJoinRequestAndTracksAcceptance(t *testing.T) {
	guestNear, hostSide := newPipePair("host-addr")
	dialer := &fakeDialer{hostSide: guestNear}
	store := identity.NewMemoryStore()
	guest := NewGuest("guest-1", "Guest", dialer, store, noopLog())

	require.NoError(t, guest.Join(context.Background(), "ws://host"))

	env := recvFromGuest(t, hostSide)
	require.Equal(t, wire.TypeJoinRequest, env.Type)
	var req wire.JoinRequestPayload
	require.NoError(t, env.Unmarshal(&req))
	assert.Equal(t, "guest-1", req.LogicalID)
	assert.Empty(t, req.SessionToken)

	sendFromHost(t, hostSide, wire.TypeJoinAccepted, wire.JoinAcceptedPayload{
		Players: []wire.PlayerView{
			{LogicalID: "host-id", DisplayName: "Host", IsHost: true},
			{LogicalID: "guest-1", DisplayName: "Guest"},
		},
		SessionToken: "tok-123",
	})

	waitForStatus(t, guest, JoinStatusAccepted)
	assert.Len(t, guest.Players(), 2)

	_, token, _, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, identity.SessionToken("tok-123"), token)
}

func TestGuest_Join_PresentsStoredTokenOnReconnect(t *testing.T) {
	guestNear, hostSide := newPipePair("host-addr")
	dialer := &fakeDialer{hostSide: guestNear}
	store := identity.NewMemoryStore()
	store.Save("guest-1", "previous-token", "Guest")
	guest := NewGuest("guest-1", "Guest", dialer, store, noopLog())

	require.NoError(t, guest.Join(context.Background(), "ws://host"))

	env := recvFromGuest(t, hostSide)
	var req wire.JoinRequestPayload
	require.NoError(t, env.Unmarshal(&req))
	assert.Equal(t, "previous-token", req.SessionToken)
}

func TestGuest_JoinRejected_UpdatesStatusWithReason(t *testing.T) {
	guestNear, hostSide := newPipePair("host-addr")
	dialer := &fakeDialer{hostSide: guestNear}
	guest := NewGuest("guest-1", "Guest", dialer, identity.NewMemoryStore(), noopLog())

	require.NoError(t, guest.Join(context.Background(), "ws://host"))
	recvFromGuest(t, hostSide) // join-request

	sendFromHost(t, hostSide, wire.TypeJoinRejected, wire.JoinRejectedPayload{Reason: wire.RejectCapacityReached})

	waitForStatus(t, guest, JoinStatusRejected)
	status, reason := guest.Status()
	assert.Equal(t, JoinStatusRejected, status)
	assert.Equal(t, wire.RejectCapacityReached, reason)
}

func TestGuest_HostLeft_TearsDown(t *testing.T) {
	guestNear, hostSide := newPipePair("host-addr")
	dialer := &fakeDialer{hostSide: guestNear}
	guest := NewGuest("guest-1", "Guest", dialer, identity.NewMemoryStore(), noopLog())
	require.NoError(t, guest.Join(context.Background(), "ws://host"))
	recvFromGuest(t, hostSide)

	sendFromHost(t, hostSide, wire.TypeHostLeft, wire.HostLeftPayload{})

	select {
	case ev := <-guest.Events():
		_, ok := ev.(EventTornDown)
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a torn-down event")
	}
}

func waitForStatus(t *testing.T, guest *Guest, want JoinStatus) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		status, _ := guest.Status()
		if status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status %v, last was %v", want, status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
