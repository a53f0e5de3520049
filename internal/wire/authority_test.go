package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccepted_HostRejectsItsOwnBroadcastTypes(t *testing.T) {
	assert.False(t, Accepted(RoleHost, TypeJoinAccepted))
	assert.False(t, Accepted(RoleHost, TypePlayerKicked))
	assert.False(t, Accepted(RoleHost, TypeHostLeft))
}

func TestAccepted_HostAcceptsGuestOriginatedTypes(t *testing.T) {
	assert.True(t, Accepted(RoleHost, TypeJoinRequest))
	assert.True(t, Accepted(RoleHost, TypePlayerReady))
	assert.True(t, Accepted(RoleHost, TypeGameMessage))
}

func TestAccepted_GuestRejectsJoinRequest(t *testing.T) {
	// A guest never receives its own outbound type back from the host.
	assert.False(t, Accepted(RoleGuest, TypeJoinRequest))
}

func TestAccepted_GuestAcceptsHostBroadcasts(t *testing.T) {
	assert.True(t, Accepted(RoleGuest, TypeJoinAccepted))
	assert.True(t, Accepted(RoleGuest, TypeGameStart))
}

func TestRequiresSenderBinding_JoinRequestExempt(t *testing.T) {
	assert.False(t, RequiresSenderBinding(TypeJoinRequest))
}

func TestRequiresSenderBinding_EverythingElseBound(t *testing.T) {
	assert.True(t, RequiresSenderBinding(TypePlayerReady))
	assert.True(t, RequiresSenderBinding(TypeGameMessage))
}

func TestSelfScoped_OnlyNamesPlayerScopedTypes(t *testing.T) {
	assert.True(t, SelfScoped[TypePlayerReady])
	assert.True(t, SelfScoped[TypePlayerLeft])
	assert.False(t, SelfScoped[TypeGameMessage])
}
