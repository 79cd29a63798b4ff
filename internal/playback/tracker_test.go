// ABOUTME: Tests for delivery record tracking and resume-point computation
// ABOUTME: Covers idempotency, signal races, tier fallback, and cross-connection isolation

package playback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ref(turn int64, index int, artifact string) EventRef {
	return EventRef{TurnNumber: turn, ResponseIndex: index, ArtifactID: artifact}
}

func TestEventRef_Key(t *testing.T) {
	assert.Equal(t, "audio-7", ref(2, 3, "audio-7").Key())
	assert.Equal(t, "evt:2:3", ref(2, 3, "").Key())
}

func TestTracker_RecordSent_Idempotent(t *testing.T) {
	tr := New(nil)

	tr.RecordSent("c1", ref(1, 0, "a1"))
	first, ok := tr.Record("c1", "a1")
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	tr.RecordSent("c1", ref(1, 0, "a1"))
	second, ok := tr.Record("c1", "a1")
	require.True(t, ok)

	assert.True(t, second.Sent)
	assert.True(t, first.SentAt.Equal(second.SentAt), "retried send must not move the timestamp")
}

func TestTracker_AckWithoutSent_Dropped(t *testing.T) {
	tr := New(nil)

	// An ack racing ahead of its send must be rejected, not recorded
	assert.False(t, tr.RecordAck("c1", "a1"))
	_, ok := tr.Record("c1", "a1")
	assert.False(t, ok)

	assert.False(t, tr.RecordPlayed("c1", "a1"))
	_, ok = tr.Record("c1", "a1")
	assert.False(t, ok)

	// Once the send lands, a retry of the same signal sticks
	tr.RecordSent("c1", ref(1, 0, "a1"))
	assert.True(t, tr.RecordAck("c1", "a1"))
	rec, ok := tr.Record("c1", "a1")
	require.True(t, ok)
	assert.True(t, rec.Acked)
}

func TestTracker_SignalsMutateFlags(t *testing.T) {
	tr := New(nil)

	tr.RecordSent("c1", ref(1, 2, "a1"))
	tr.RecordAck("c1", "a1")
	tr.RecordPlayed("c1", "a1")

	rec, ok := tr.Record("c1", "a1")
	require.True(t, ok)
	assert.True(t, rec.Sent)
	assert.True(t, rec.Acked)
	assert.True(t, rec.Played)
	assert.False(t, rec.AckedAt.IsZero())
	assert.False(t, rec.PlayedAt.IsZero())
}

func TestTracker_ResumePoint_TierFallback(t *testing.T) {
	tr := New(nil)

	// Nothing tracked: session start
	pos, basis := tr.ResumePoint("c1")
	assert.True(t, pos.IsZero())
	assert.Equal(t, BasisSessionStart, basis)

	// Sent only
	tr.RecordSent("c1", ref(1, 0, ""))
	tr.RecordSent("c1", ref(1, 1, ""))
	pos, basis = tr.ResumePoint("c1")
	assert.Equal(t, Position{1, 1}, pos)
	assert.Equal(t, BasisSent, basis)

	// Ack at a lower position wins over a higher sent
	tr.RecordAck("c1", "evt:1:0")
	pos, basis = tr.ResumePoint("c1")
	assert.Equal(t, Position{1, 0}, pos)
	assert.Equal(t, BasisAcked, basis)

	// Played wins over everything
	tr.RecordSent("c1", ref(2, 0, "audio-1"))
	tr.RecordPlayed("c1", "audio-1")
	pos, basis = tr.ResumePoint("c1")
	assert.Equal(t, Position{2, 0}, pos)
	assert.Equal(t, BasisPlayed, basis)
}

func TestTracker_ResumePoint_HighestWithinTier(t *testing.T) {
	tr := New(nil)

	tr.RecordSent("c1", ref(1, 0, ""))
	tr.RecordSent("c1", ref(3, 2, ""))
	tr.RecordSent("c1", ref(2, 5, ""))

	pos, basis := tr.ResumePoint("c1")
	assert.Equal(t, Position{3, 2}, pos)
	assert.Equal(t, BasisSent, basis)
}

func TestTracker_CrossConnectionIsolation(t *testing.T) {
	tr := New(nil)

	// Same event delivered to narrator C1 and participant C2
	tr.RecordSent("c1", ref(4, 1, "audio-9"))
	tr.RecordSent("c2", ref(4, 1, "audio-9"))

	// Only C1 acknowledges
	tr.RecordAck("c1", "audio-9")

	posC1, basisC1 := tr.ResumePoint("c1")
	assert.Equal(t, Position{4, 1}, posC1)
	assert.Equal(t, BasisAcked, basisC1)

	recC2, ok := tr.Record("c2", "audio-9")
	require.True(t, ok)
	assert.False(t, recC2.Acked, "C1's ack must not touch C2's record")

	_, basisC2 := tr.ResumePoint("c2")
	assert.Equal(t, BasisSent, basisC2)
}

func TestTracker_DropConnection(t *testing.T) {
	tr := New(nil)

	tr.RecordSent("c1", ref(1, 0, "a1"))
	tr.RecordSent("c2", ref(1, 0, "a1"))

	tr.DropConnection("c1")

	_, ok := tr.Record("c1", "a1")
	assert.False(t, ok)
	_, ok = tr.Record("c2", "a1")
	assert.True(t, ok, "dropping c1 must not affect c2")
}

func TestPosition_Before(t *testing.T) {
	assert.True(t, Position{1, 5}.Before(Position{2, 0}))
	assert.True(t, Position{2, 0}.Before(Position{2, 1}))
	assert.False(t, Position{2, 1}.Before(Position{2, 1}))
	assert.False(t, Position{3, 0}.Before(Position{2, 9}))
}
