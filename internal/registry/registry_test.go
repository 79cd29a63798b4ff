// ABOUTME: Tests for connection lifecycle, liveness sweeping, and resumption resolution
// ABOUTME: Covers the stale-sweep timing scenario and retention-window deletion

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(NewTokenIssuer([]byte("test-secret"), time.Hour), nil)
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_Register(t *testing.T) {
	r := newTestRegistry(t)

	conn, token, err := r.Register("s1", RoleNarrator)
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ID)
	assert.NotEmpty(t, token)
	assert.Equal(t, StateActive, conn.State)
	assert.Equal(t, "s1", conn.SessionID)
	assert.Equal(t, RoleNarrator, conn.Role)
}

func TestRegistry_Register_UnknownRole(t *testing.T) {
	r := newTestRegistry(t)

	_, _, err := r.Register("s1", Role("spectator"))
	assert.Error(t, err)
}

func TestRegistry_Heartbeat(t *testing.T) {
	r := newTestRegistry(t)

	conn, _, err := r.Register("s1", RoleParticipant)
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat(conn.ID))

	assert.ErrorIs(t, r.Heartbeat("missing"), ErrConnectionNotFound)
}

func TestRegistry_Heartbeat_DisconnectedIsNoOp(t *testing.T) {
	r := newTestRegistry(t)

	conn, _, err := r.Register("s1", RoleParticipant)
	require.NoError(t, err)
	require.NoError(t, r.MarkDisconnected(conn.ID))

	err = r.Heartbeat(conn.ID)
	assert.ErrorIs(t, err, ErrConnectionGone)

	got, ok := r.Get(conn.ID)
	require.True(t, ok)
	assert.Equal(t, StateDisconnected, got.State)
}

func TestRegistry_MarkDisconnected_RetainsRecord(t *testing.T) {
	r := newTestRegistry(t)

	conn, _, err := r.Register("s1", RoleParticipant)
	require.NoError(t, err)
	require.NoError(t, r.MarkDisconnected(conn.ID))
	// Second mark is a no-op
	require.NoError(t, r.MarkDisconnected(conn.ID))

	got, ok := r.Get(conn.ID)
	require.True(t, ok)
	assert.Equal(t, StateDisconnected, got.State)
	assert.False(t, got.DisconnectedAt.IsZero())
}

func TestRegistry_ResolveResumption_RoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	conn, token, err := r.Register("s1", RoleNarrator)
	require.NoError(t, err)

	resolved, sessionID, err := r.ResolveResumption(token)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, resolved)
	assert.Equal(t, "s1", sessionID)
}

func TestRegistry_ResolveResumption_Expired(t *testing.T) {
	r := New(NewTokenIssuer([]byte("test-secret"), -time.Minute), nil)
	defer r.Close()

	_, token, err := r.Register("s1", RoleNarrator)
	require.NoError(t, err)

	_, _, err = r.ResolveResumption(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRegistry_ResolveResumption_Garbage(t *testing.T) {
	r := newTestRegistry(t)

	_, _, err := r.ResolveResumption("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRegistry_ResolveResumption_SweptRecord(t *testing.T) {
	r := newTestRegistry(t)

	conn, token, err := r.Register("s1", RoleParticipant)
	require.NoError(t, err)
	require.NoError(t, r.MarkDisconnected(conn.ID))

	// Force the record past retention
	r.mu.Lock()
	r.conns[conn.ID].DisconnectedAt = time.Now().Add(-time.Hour)
	r.mu.Unlock()
	r.SweepStale(time.Minute, time.Minute)

	_, _, err = r.ResolveResumption(token)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestRegistry_ListActive(t *testing.T) {
	r := newTestRegistry(t)

	c1, _, err := r.Register("s1", RoleNarrator)
	require.NoError(t, err)
	c2, _, err := r.Register("s1", RoleParticipant)
	require.NoError(t, err)
	_, _, err = r.Register("s2", RoleParticipant)
	require.NoError(t, err)

	require.NoError(t, r.MarkDisconnected(c2.ID))

	active := r.ListActive("s1")
	assert.Equal(t, []string{c1.ID}, active)
}

func TestRegistry_SweepStale_TimingScenario(t *testing.T) {
	r := newTestRegistry(t)

	silent90, _, err := r.Register("s1", RoleParticipant)
	require.NoError(t, err)
	silent30, _, err := r.Register("s1", RoleParticipant)
	require.NoError(t, err)

	r.mu.Lock()
	r.conns[silent90.ID].LastHeartbeat = time.Now().Add(-90 * time.Second)
	r.conns[silent30.ID].LastHeartbeat = time.Now().Add(-30 * time.Second)
	r.mu.Unlock()

	disconnected, deleted := r.SweepStale(60*time.Second, time.Hour)
	assert.Equal(t, 1, disconnected)
	assert.Equal(t, 0, deleted)

	got, ok := r.Get(silent90.ID)
	require.True(t, ok)
	assert.Equal(t, StateDisconnected, got.State)

	got, ok = r.Get(silent30.ID)
	require.True(t, ok)
	assert.NotEqual(t, StateDisconnected, got.State)
	assert.Contains(t, r.ListActive("s1"), silent30.ID)
}

func TestRegistry_SweepStale_HeartbeatRecovers(t *testing.T) {
	r := newTestRegistry(t)

	conn, _, err := r.Register("s1", RoleParticipant)
	require.NoError(t, err)

	r.mu.Lock()
	r.conns[conn.ID].LastHeartbeat = time.Now().Add(-40 * time.Second)
	r.mu.Unlock()

	r.SweepStale(60*time.Second, time.Hour)
	got, ok := r.Get(conn.ID)
	require.True(t, ok)
	assert.Equal(t, StateStale, got.State)
	assert.Contains(t, r.ListActive("s1"), conn.ID)

	require.NoError(t, r.Heartbeat(conn.ID))
	got, _ = r.Get(conn.ID)
	assert.Equal(t, StateActive, got.State)
}

func TestRegistry_SweepStale_RetentionDeletes(t *testing.T) {
	r := newTestRegistry(t)

	conn, _, err := r.Register("s1", RoleParticipant)
	require.NoError(t, err)
	require.NoError(t, r.MarkDisconnected(conn.ID))

	r.mu.Lock()
	r.conns[conn.ID].DisconnectedAt = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()

	_, deleted := r.SweepStale(time.Minute, time.Hour)
	assert.Equal(t, 1, deleted)

	_, ok := r.Get(conn.ID)
	assert.False(t, ok)
}

func TestTokenIssuer_VerifyClaims(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret"), time.Hour)

	token, err := issuer.Issue("conn-1", "sess-1", RoleNarrator)
	require.NoError(t, err)

	connID, sessionID, role, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "conn-1", connID)
	assert.Equal(t, "sess-1", sessionID)
	assert.Equal(t, RoleNarrator, role)
}

func TestTokenIssuer_WrongSecret(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret"), time.Hour)
	other := NewTokenIssuer([]byte("different"), time.Hour)

	token, err := issuer.Issue("conn-1", "sess-1", RoleNarrator)
	require.NoError(t, err)

	_, _, _, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
