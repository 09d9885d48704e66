package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewTracker(WithClock(clock.Now)), clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	tr, _ := newTracker()
	tr.Init("svc")

	for i := 1; i < DefaultThreshold; i++ {
		snap := tr.RecordFailure("svc")
		require.Equal(t, StateClosed, snap.State, "failure %d", i)
	}
	snap := tr.RecordFailure("svc")
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, DefaultThreshold, snap.Failures)

	snap = tr.RecordFailure("svc")
	assert.Equal(t, StateOpen, snap.State)
	assert.False(t, tr.CanInvoke("svc"))
}

func TestBreakerFailuresDoNotDecay(t *testing.T) {
	tr, _ := newTracker()
	tr.Init("svc")

	for i := 0; i < 4; i++ {
		tr.RecordFailure("svc")
	}
	assert.True(t, tr.CanInvoke("svc"))
	assert.Equal(t, StateOpen, tr.RecordFailure("svc").State)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	tr, clock := newTracker()
	tr.Init("svc")
	for i := 0; i < DefaultThreshold; i++ {
		tr.RecordFailure("svc")
	}

	clock.Advance(29 * time.Second)
	assert.False(t, tr.CanInvoke("svc"))

	clock.Advance(time.Second)
	assert.True(t, tr.CanInvoke("svc"))
	snap, ok := tr.Snapshot("svc")
	require.True(t, ok)
	assert.Equal(t, StateHalfOpen, snap.State)

	// Only one probe until its outcome is recorded.
	assert.False(t, tr.CanInvoke("svc"))

	tr.Reset("svc")
	snap, _ = tr.Snapshot("svc")
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.Failures)
	assert.True(t, tr.CanInvoke("svc"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	tr, clock := newTracker()
	tr.Init("svc")
	for i := 0; i < DefaultThreshold; i++ {
		tr.RecordFailure("svc")
	}
	clock.Advance(DefaultCooldown)
	require.True(t, tr.CanInvoke("svc"))

	assert.Equal(t, StateOpen, tr.RecordFailure("svc").State)
	assert.False(t, tr.CanInvoke("svc"))
}

func TestBreakerTransitionsAndRemoval(t *testing.T) {
	tr, clock := newTracker()
	var seen []Transition
	tr.OnTransition(func(change Transition) { seen = append(seen, change) })

	tr.Init("a")
	tr.Init("b")
	for i := 0; i < DefaultThreshold; i++ {
		tr.RecordFailure("a")
	}
	clock.Advance(DefaultCooldown)
	tr.CanInvoke("a")
	tr.Reset("a")

	require.Len(t, seen, 3)
	assert.Equal(t, StateOpen, seen[0].To)
	assert.Equal(t, StateHalfOpen, seen[1].To)
	assert.Equal(t, StateClosed, seen[2].To)

	all := tr.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ServiceID)

	tr.Remove("b")
	_, ok := tr.Snapshot("b")
	assert.False(t, ok)
	assert.True(t, tr.CanInvoke("unknown"))
}

func TestBreakerReleaseReturnsHalfOpenProbe(t *testing.T) {
	tr, clock := newTracker()
	tr.Init("svc")
	for i := 0; i < DefaultThreshold; i++ {
		tr.RecordFailure("svc")
	}
	clock.Advance(DefaultCooldown)
	require.True(t, tr.CanInvoke("svc"))
	require.False(t, tr.CanInvoke("svc"))

	tr.Release("svc")
	assert.True(t, tr.CanInvoke("svc"))
	assert.False(t, tr.CanInvoke("svc"))

	tr.Init("closed")
	tr.Release("closed")
	snap, _ := tr.Snapshot("closed")
	assert.Equal(t, StateClosed, snap.State)
	tr.Release("unknown")
}

func TestRecordFailureIgnoresRemovedService(t *testing.T) {
	tr, _ := newTracker()
	var seen []Transition
	tr.OnTransition(func(change Transition) { seen = append(seen, change) })

	tr.Init("svc")
	tr.Remove("svc")
	for i := 0; i < DefaultThreshold; i++ {
		snap := tr.RecordFailure("svc")
		assert.Equal(t, StateClosed, snap.State)
	}

	_, ok := tr.Snapshot("svc")
	assert.False(t, ok)
	assert.Empty(t, tr.All())
	assert.Empty(t, seen)
}
