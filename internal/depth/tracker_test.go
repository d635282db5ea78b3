package depth

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	events []MilestoneReached
}

func (r *recorder) Notify(evt MilestoneReached) error {
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) percentages() []float64 {
	out := make([]float64, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Percentage)
	}
	return out
}

func newTracker(t *testing.T, milestones []float64, opts ...Option) *Tracker {
	t.Helper()
	opts = append([]Option{WithStartTime(t0)}, opts...)
	tr, err := New(milestones, opts...)
	require.NoError(t, err)
	return tr
}

func TestNewRequiresMilestones(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.ErrorIs(t, err, ErrNoMilestones)
	_, err = New([]float64{})
	require.ErrorIs(t, err, ErrNoMilestones)
}

func TestNewInitialState(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, []float64{0.25, 0.5, 1.0})
	require.Equal(t, []float64{0.25, 0.5, 1.0}, tr.Milestones())
	require.Equal(t, []bool{false, false, false}, tr.Reached())
	require.Equal(t, 3, tr.Pending())
	require.False(t, tr.Done())
	require.True(t, tr.StartTime().Equal(t0))
}

func TestNewDefaultsStartTimeToNow(t *testing.T) {
	t.Parallel()

	before := time.Now()
	tr, err := New([]float64{0.5})
	require.NoError(t, err)
	require.False(t, tr.StartTime().Before(before))
	require.False(t, tr.StartTime().After(time.Now()))
}

func TestEvaluateFiresOncePerMilestone(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := newTracker(t, []float64{0.25, 0.5, 1.0})
	tr.AddObserver(rec)

	require.Len(t, tr.Observe(0.3, t0.Add(time.Second)), 1)
	for i := 0; i < 5; i++ {
		require.Empty(t, tr.Observe(0.3, t0.Add(2*time.Second)))
	}
	require.Len(t, tr.Observe(1.0, t0.Add(3*time.Second)), 2)
	require.Empty(t, tr.Observe(1.0, t0.Add(4*time.Second)))

	require.Equal(t, []float64{25, 50, 100}, rec.percentages())
	require.True(t, tr.Done())
}

func TestEvaluateNoPrematureFiring(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := newTracker(t, []float64{0.5})
	tr.AddObserver(rec)

	for _, fraction := range []float64{0, 0.1, 0.49, 0.4999999} {
		require.Empty(t, tr.Observe(fraction, t0.Add(time.Second)))
	}
	require.Empty(t, rec.events)
	require.Equal(t, 1, tr.Pending())
}

func TestEvaluateAscendingOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := newTracker(t, []float64{1.0, 0.25, 0.5})
	tr.AddObserver(rec)

	fired := tr.Observe(1.0, t0.Add(time.Second))
	require.Equal(t, []float64{25, 50, 100}, rec.percentages())
	require.Len(t, fired, 3)
	require.Equal(t, 1, fired[0].Index)
	require.Equal(t, 2, fired[1].Index)
	require.Equal(t, 0, fired[2].Index)
}

func TestEvaluateAttentionTime(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := newTracker(t, []float64{0.5})
	tr.AddObserver(rec)

	fired := tr.Observe(0.6, t0.Add(1500*time.Millisecond))
	require.Len(t, fired, 1)
	require.Equal(t, 50.0, fired[0].Percentage)
	require.Equal(t, int64(1500), fired[0].AttentionMillis())
	require.Equal(t, fired, rec.events)
}

func TestEvaluateAttentionTimeNeverNegativeOrDecreasing(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, []float64{0.25, 0.5, 0.75})

	early := tr.Observe(0.3, t0.Add(-time.Second))
	require.Len(t, early, 1)
	require.Zero(t, early[0].AttentionTime)

	later := tr.Observe(0.6, t0.Add(5*time.Second))
	require.Len(t, later, 1)
	require.Equal(t, 5*time.Second, later[0].AttentionTime)

	skewed := tr.Observe(0.8, t0.Add(2*time.Second))
	require.Len(t, skewed, 1)
	require.Equal(t, 5*time.Second, skewed[0].AttentionTime)
}

func TestEvaluateNonMonotonicInput(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := newTracker(t, []float64{0.5})
	tr.AddObserver(rec)

	require.Len(t, tr.Observe(0.6, t0.Add(time.Second)), 1)
	require.Empty(t, tr.Observe(0.1, t0.Add(2*time.Second)))
	require.Empty(t, tr.Observe(0.6, t0.Add(3*time.Second)))
	require.Len(t, rec.events, 1)
	require.Equal(t, int64(1000), rec.events[0].AttentionMillis())
}

func TestEvaluateDegenerateFractions(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := newTracker(t, []float64{0.25, 1.0})
	tr.AddObserver(rec)

	for _, fraction := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		require.Empty(t, tr.Observe(fraction, t0.Add(time.Second)))
	}
	require.Empty(t, rec.events)
	require.Equal(t, 2, tr.Pending())
}

// Out-of-range milestones are accepted as configured: zero and negative values
// fire on the first sample, values above one fire only on overscroll, NaN never.
func TestPermissiveMilestoneValues(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := newTracker(t, []float64{1.5, 0, -0.5, math.NaN(), 0.5})
	tr.AddObserver(rec)

	require.Len(t, tr.Observe(0, t0.Add(time.Second)), 2)
	require.Equal(t, []float64{-50, 0}, rec.percentages())

	require.Len(t, tr.Observe(1.0, t0.Add(2*time.Second)), 1)
	require.Len(t, tr.Observe(1.6, t0.Add(3*time.Second)), 1)
	require.Equal(t, []float64{-50, 0, 50, 150}, rec.percentages())
	require.Equal(t, 1, tr.Pending())
}

func TestNonFiniteMilestonesNeverFire(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	var broadcasts []MilestoneReached
	tr := newTracker(t, []float64{math.Inf(-1), 0.5, math.MaxFloat64},
		WithBroadcaster(BroadcastFunc(func(evt MilestoneReached) { broadcasts = append(broadcasts, evt) })),
	)
	tr.AddObserver(rec)

	fired := tr.Observe(math.MaxFloat64, t0.Add(time.Second))
	require.Len(t, fired, 1)
	require.Equal(t, 0.5, fired[0].Milestone)
	require.Equal(t, []float64{50}, rec.percentages())
	require.Equal(t, fired, broadcasts)
	require.Equal(t, 2, tr.Pending())

	_, err := json.Marshal(fired)
	require.NoError(t, err)
}

func TestDuplicateMilestonesFireOnce(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := newTracker(t, []float64{0.5, 0.25, 0.5})
	tr.AddObserver(rec)

	require.Equal(t, []float64{0.5, 0.25}, tr.Milestones())
	tr.Observe(1, t0.Add(time.Second))
	require.Equal(t, []float64{25, 50}, rec.percentages())
}

func TestEvaluateIsLazyAndSingleUse(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := newTracker(t, []float64{0.25, 0.5, 1.0})
	tr.AddObserver(rec)

	seq := tr.Evaluate(1.0, t0.Add(time.Second))
	require.Empty(t, rec.events, "nothing fires before the sequence is consumed")

	for evt := range seq {
		require.Equal(t, 25.0, evt.Percentage)
		break
	}
	require.Equal(t, []float64{25}, rec.percentages())
	require.Equal(t, 2, tr.Pending())

	for range seq {
		t.Fatal("sequence must not restart")
	}

	fired := tr.Observe(1.0, t0.Add(2*time.Second))
	require.Len(t, fired, 2)
	require.Equal(t, []float64{25, 50, 100}, rec.percentages())
}

func TestObserverLifecycle(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, []float64{0.25, 0.5, 0.75, 1.0})
	rec := &recorder{}

	tr.AddObserver(rec)
	tr.AddObserver(rec)
	tr.Observe(0.25, t0.Add(time.Second))
	require.Len(t, rec.events, 2)

	tr.RemoveObserver(rec)
	tr.Observe(0.5, t0.Add(2*time.Second))
	require.Len(t, rec.events, 2)

	tr.RemoveObserver(rec)
	tr.RemoveObserver(&recorder{})

	tr.AddObserver(rec)
	tr.Observe(1.0, t0.Add(3*time.Second))
	require.Equal(t, []float64{25, 25, 75, 100}, rec.percentages())
}

func TestFuncObserverRemoval(t *testing.T) {
	t.Parallel()

	var calls int
	obs := Func(func(MilestoneReached) error {
		calls++
		return nil
	})
	other := Func(func(MilestoneReached) error { return nil })

	tr := newTracker(t, []float64{0.5, 1.0})
	tr.AddObserver(obs)
	tr.AddObserver(other)
	tr.Observe(0.5, t0)
	tr.RemoveObserver(obs)
	tr.Observe(1.0, t0)
	require.Equal(t, 1, calls)
}

type funcValueObserver func(MilestoneReached) error

func (f funcValueObserver) Notify(evt MilestoneReached) error {
	return f(evt)
}

func TestRemoveUncomparableObserverWarns(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	var calls int
	obs := funcValueObserver(func(MilestoneReached) error {
		calls++
		return nil
	})
	tr := newTracker(t, []float64{0.5, 1.0}, WithLogger(zap.New(core)))
	tr.AddObserver(obs)
	require.NotPanics(t, func() { tr.RemoveObserver(obs) })
	require.Equal(t, 1, logs.FilterMessage("observer is not comparable and cannot be removed").Len())

	// Wrapping the same function with Func gives a removable handle.
	handle := Func(func(MilestoneReached) error {
		calls++
		return nil
	})
	tr.AddObserver(handle)
	tr.RemoveObserver(handle)
	require.Equal(t, 1, logs.Len())

	tr.Observe(1.0, t0)
	require.Equal(t, 2, calls)
}

func TestFailingObserverIsIsolated(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	var failures []*ObserverError
	var broadcasts []MilestoneReached

	tr := newTracker(t, []float64{0.5},
		WithLogger(zap.New(core)),
		WithErrorHandler(func(err *ObserverError) { failures = append(failures, err) }),
		WithBroadcaster(BroadcastFunc(func(evt MilestoneReached) { broadcasts = append(broadcasts, evt) })),
	)
	boom := errors.New("boom")
	before := &recorder{}
	after := &recorder{}
	tr.AddObserver(before)
	tr.AddObserver(Func(func(MilestoneReached) error { return boom }))
	tr.AddObserver(Func(func(MilestoneReached) error { panic("listener crashed") }))
	tr.AddObserver(after)

	require.NotPanics(t, func() { tr.Observe(1, t0.Add(time.Second)) })

	require.Len(t, before.events, 1)
	require.Len(t, after.events, 1)
	require.Len(t, broadcasts, 1)
	require.Len(t, failures, 2)
	require.ErrorIs(t, failures[0], boom)
	require.Equal(t, "listener crashed", failures[1].Panic)
	require.Equal(t, 2, logs.FilterMessage("milestone delivery failed").Len())
}

func TestPanickingBroadcasterIsIsolated(t *testing.T) {
	t.Parallel()

	var failures int
	tr := newTracker(t, []float64{0.5, 1.0},
		WithBroadcaster(BroadcastFunc(func(MilestoneReached) { panic("bus down") })),
		WithErrorHandler(func(*ObserverError) { failures++ }),
	)
	rec := &recorder{}
	tr.AddObserver(rec)

	fired := tr.Observe(1, t0)
	require.Len(t, fired, 2)
	require.Len(t, rec.events, 2)
	require.Equal(t, 2, failures)
}

func TestBroadcastParity(t *testing.T) {
	t.Parallel()

	var broadcasts []MilestoneReached
	tr := newTracker(t, []float64{0.25, 0.5, 1.0},
		WithBroadcaster(BroadcastFunc(func(evt MilestoneReached) { broadcasts = append(broadcasts, evt) })),
	)
	rec := &recorder{}
	tr.AddObserver(rec)

	tr.Observe(0.3, t0.Add(200*time.Millisecond))
	tr.Observe(0.1, t0.Add(400*time.Millisecond))
	tr.Observe(1.2, t0.Add(900*time.Millisecond))

	require.Equal(t, rec.events, broadcasts)
	for i := range broadcasts {
		direct, err := json.Marshal(rec.events[i])
		require.NoError(t, err)
		bus, err := json.Marshal(broadcasts[i])
		require.NoError(t, err)
		require.JSONEq(t, string(direct), string(bus))
	}
}

func TestBroadcastWithoutObservers(t *testing.T) {
	t.Parallel()

	var broadcasts int
	tr := newTracker(t, []float64{0.5},
		WithBroadcaster(BroadcastFunc(func(MilestoneReached) { broadcasts++ })),
	)
	tr.Observe(0.5, t0)
	require.Equal(t, 1, broadcasts)
}

func TestObserverAddedDuringDispatchWaitsForNextEvent(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, []float64{0.25, 0.5})
	late := &recorder{}
	var added bool
	tr.AddObserver(Func(func(MilestoneReached) error {
		if !added {
			tr.AddObserver(late)
			added = true
		}
		return nil
	}))

	tr.Observe(1, t0)
	require.Equal(t, []float64{50}, late.percentages())
}

func TestMilestoneReachedJSON(t *testing.T) {
	t.Parallel()

	evt := MilestoneReached{Index: 2, Milestone: 0.5, Percentage: 50, AttentionTime: 1500 * time.Millisecond}
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	require.JSONEq(t, `{"percentage":50,"attentionTime":1500}`, string(data))
	require.Equal(t, "50% reached with 1500ms attention time", evt.String())
}
