package depth

import (
	"cmp"
	"fmt"
	"iter"
	"math"
	"reflect"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithStartTime overrides the session start time. New uses time.Now by default.
func WithStartTime(start time.Time) Option {
	return func(t *Tracker) {
		t.start = start
	}
}

// WithBroadcaster injects the ambient broadcast sink.
func WithBroadcaster(b Broadcaster) Option {
	return func(t *Tracker) {
		t.broadcaster = b
	}
}

// WithLogger sets the logger used to report observer failures.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithErrorHandler registers a callback invoked for every isolated observer
// or broadcaster failure, after it has been logged.
func WithErrorHandler(fn func(*ObserverError)) Option {
	return func(t *Tracker) {
		t.onError = fn
	}
}

// Tracker is a single tracking session. It is not safe for concurrent use;
// callers that share a Tracker across goroutines must serialize access.
type Tracker struct {
	milestones []float64
	order      []int
	reached    []bool
	start      time.Time
	last       time.Duration

	observers   []Observer
	broadcaster Broadcaster
	logger      *zap.Logger
	onError     func(*ObserverError)
}

// New creates a Tracker for the given milestones. Values are not range
// checked; a value outside (0, 1] simply fires always or never. A value whose
// percentage is not finite (NaN, ±Inf, or large enough that m*100 overflows)
// never fires and stays pending. Repeated values are collapsed so each value
// fires at most once.
func New(milestones []float64, opts ...Option) (*Tracker, error) {
	if len(milestones) == 0 {
		return nil, ErrNoMilestones
	}
	t := &Tracker{
		milestones: dedupe(milestones),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.start.IsZero() {
		t.start = time.Now()
	}
	t.reached = make([]bool, len(t.milestones))
	t.order = make([]int, len(t.milestones))
	for i := range t.order {
		t.order[i] = i
	}
	slices.SortStableFunc(t.order, func(a, b int) int {
		return cmp.Compare(t.milestones[a], t.milestones[b])
	})
	return t, nil
}

func dedupe(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// StartTime returns the immutable session start time.
func (t *Tracker) StartTime() time.Time {
	return t.start
}

// Milestones returns the configured milestones after deduplication, in
// configuration order.
func (t *Tracker) Milestones() []float64 {
	return slices.Clone(t.milestones)
}

// Reached returns the reached flag of each milestone, aligned with Milestones.
func (t *Tracker) Reached() []bool {
	return slices.Clone(t.reached)
}

// Pending returns how many milestones have not fired yet.
func (t *Tracker) Pending() int {
	n := 0
	for _, r := range t.reached {
		if !r {
			n++
		}
	}
	return n
}

// Done reports whether every milestone has fired.
func (t *Tracker) Done() bool {
	return t.Pending() == 0
}

// AddObserver appends o to the observer list. Registering the same observer
// twice delivers every event to it twice. Only observers with a comparable
// dynamic type can be removed later; wrap plain functions with Func and keep
// the returned handle.
func (t *Tracker) AddObserver(o Observer) {
	if o == nil {
		return
	}
	t.observers = append(t.observers, o)
}

// RemoveObserver removes every registration of o. Unknown observers are
// ignored. An observer whose dynamic type is not comparable cannot be matched;
// the call logs a warning and leaves the list unchanged.
func (t *Tracker) RemoveObserver(o Observer) {
	if o != nil && !reflect.TypeOf(o).Comparable() {
		t.logger.Warn("observer is not comparable and cannot be removed",
			zap.String("type", fmt.Sprintf("%T", o)))
		return
	}
	t.observers = slices.DeleteFunc(t.observers, func(existing Observer) bool {
		return sameObserver(existing, o)
	})
}

// Evaluate checks fraction against the pending milestones and returns the
// milestones that fire, lowest value first. The sequence is lazy and can be
// ranged over once: each milestone is marked reached and dispatched to the
// observers and the broadcaster just before it is yielded. Stopping early
// leaves the remaining milestones pending for a later sample.
//
// NaN and infinite fractions satisfy no milestone.
func (t *Tracker) Evaluate(fraction float64, now time.Time) iter.Seq[MilestoneReached] {
	used := false
	return func(yield func(MilestoneReached) bool) {
		if used {
			return
		}
		used = true
		if math.IsNaN(fraction) || math.IsInf(fraction, 0) {
			return
		}
		for _, idx := range t.order {
			if t.reached[idx] || !firable(t.milestones[idx]) || !(fraction >= t.milestones[idx]) {
				continue
			}
			t.reached[idx] = true
			evt := MilestoneReached{
				Index:         idx,
				Milestone:     t.milestones[idx],
				Percentage:    t.milestones[idx] * 100,
				AttentionTime: t.attention(now),
			}
			t.dispatch(evt)
			if !yield(evt) {
				return
			}
		}
	}
}

// firable reports whether m can be announced with a finite percentage.
func firable(m float64) bool {
	p := m * 100
	return !math.IsNaN(p) && !math.IsInf(p, 0)
}

// Observe is Evaluate drained into a slice.
func (t *Tracker) Observe(fraction float64, now time.Time) []MilestoneReached {
	return slices.Collect(t.Evaluate(fraction, now))
}

// attention clamps at zero and never moves backwards within a session.
func (t *Tracker) attention(now time.Time) time.Duration {
	d := max(now.Sub(t.start), t.last, 0)
	t.last = d
	return d
}

func (t *Tracker) dispatch(evt MilestoneReached) {
	for _, o := range slices.Clone(t.observers) {
		t.report(notify(o, evt))
	}
	if t.broadcaster != nil {
		t.report(broadcast(t.broadcaster, evt))
	}
}

func (t *Tracker) report(err *ObserverError) {
	if err == nil {
		return
	}
	t.logger.Warn("milestone delivery failed",
		zap.Float64("percentage", err.Event.Percentage),
		zap.Int64("attention_ms", err.Event.AttentionMillis()),
		zap.Error(err),
	)
	if t.onError != nil {
		t.onError(err)
	}
}

func notify(o Observer, evt MilestoneReached) (failure *ObserverError) {
	defer func() {
		if r := recover(); r != nil {
			failure = &ObserverError{Event: evt, Panic: r}
		}
	}()
	if err := o.Notify(evt); err != nil {
		return &ObserverError{Event: evt, Err: err}
	}
	return nil
}

func broadcast(b Broadcaster, evt MilestoneReached) (failure *ObserverError) {
	defer func() {
		if r := recover(); r != nil {
			failure = &ObserverError{Event: evt, Panic: r}
		}
	}()
	b.Broadcast(evt)
	return nil
}
