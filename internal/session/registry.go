// Package session manages concurrent scroll-depth tracking sessions. Each
// session owns one depth.Tracker; the registry serializes samples per session
// and forwards fired milestones to the broadcast hub.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrolldepth/internal/broadcast"
	"github.com/JakeFAU/scrolldepth/internal/clock"
	"github.com/JakeFAU/scrolldepth/internal/depth"
	iduuid "github.com/JakeFAU/scrolldepth/internal/id/uuid"
)

var (
	// ErrNotFound is returned for unknown or closed sessions.
	ErrNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when Config.MaxSessions is reached.
	ErrTooManySessions = errors.New("too many active sessions")
)

// IDGenerator creates session IDs.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}

// Config bounds the registry.
type Config struct {
	// MaxSessions caps concurrently open sessions; 0 means unlimited.
	MaxSessions int
	// IdleTTL closes sessions with no samples for this long; 0 disables sweeping.
	IdleTTL time.Duration
	// LogMilestones attaches a console observer that logs every milestone.
	LogMilestones bool
}

// Spec describes a session to create.
type Spec struct {
	Milestones []float64
	URL        string
	Label      string
}

// Info is a point-in-time view of a session.
type Info struct {
	ID         uuid.UUID `json:"id"`
	URL        string    `json:"url,omitempty"`
	Label      string    `json:"label,omitempty"`
	Milestones []float64 `json:"milestones"`
	Reached    []bool    `json:"reached"`
	Pending    int       `json:"pending"`
	Done       bool      `json:"done"`
	StartedAt  time.Time `json:"started_at"`
	LastSeen   time.Time `json:"last_seen"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Registry) {
		if g != nil {
			r.ids = g
		}
	}
}

// WithEmitter forwards fired milestones to e, usually a *broadcast.Hub.
func WithEmitter(e broadcast.Emitter) Option {
	return func(r *Registry) {
		r.emitter = e
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracerProvider sets the provider used to trace samples. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Registry) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMetrics registers hooks called on session lifecycle changes.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// Metrics receives session lifecycle signals.
type Metrics interface {
	SessionOpened()
	SessionClosed(reason string)
	SampleObserved(fired int)
	DeliveryFailed()
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened()       {}
func (noopMetrics) SessionClosed(string) {}
func (noopMetrics) SampleObserved(int)   {}
func (noopMetrics) DeliveryFailed()      {}

const tracerName = "github.com/JakeFAU/scrolldepth/internal/session"

// Registry owns every open session. It is safe for concurrent use.
type Registry struct {
	cfg     Config
	clock   clock.Clock
	ids     IDGenerator
	emitter broadcast.Emitter
	logger  *zap.Logger
	metrics Metrics
	tracer  trace.Tracer

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
}

type session struct {
	mu        sync.Mutex
	id        uuid.UUID
	spec      Spec
	tracker   *depth.Tracker
	console   depth.Observer
	lastSeen  time.Time
	sampledAt time.Time
	sampleSC  trace.SpanContext
	closed    bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg,
		clock:    clock.System{},
		ids:      iduuid.New(),
		logger:   zap.NewNop(),
		metrics:  noopMetrics{},
		tracer:   otel.Tracer(tracerName),
		sessions: make(map[uuid.UUID]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create starts a new session whose attention clock begins now.
func (r *Registry) Create(ctx context.Context, spec Spec) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, fmt.Errorf("create session: %w", err)
	}
	id, err := r.ids.NewID()
	if err != nil {
		return Info{}, fmt.Errorf("create session: %w", err)
	}
	now := r.clock.Now()
	s := &session{
		id:       id,
		spec:     Spec{Milestones: slices.Clone(spec.Milestones), URL: spec.URL, Label: spec.Label},
		lastSeen: now,
	}
	logger := r.logger.With(zap.Stringer("session_id", id))
	tracker, err := depth.New(spec.Milestones,
		depth.WithStartTime(now),
		depth.WithLogger(logger),
		depth.WithBroadcaster(r.broadcaster(s)),
		depth.WithErrorHandler(func(*depth.ObserverError) { r.metrics.DeliveryFailed() }),
	)
	if err != nil {
		return Info{}, fmt.Errorf("create session: %w", err)
	}
	s.tracker = tracker
	if r.cfg.LogMilestones {
		s.console = NewLogObserver(logger)
		tracker.AddObserver(s.console)
	}

	r.mu.Lock()
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return Info{}, ErrTooManySessions
	}
	r.sessions[id] = s
	r.mu.Unlock()

	r.metrics.SessionOpened()
	logger.Debug("session created", zap.Int("milestones", len(tracker.Milestones())))
	return s.info(), nil
}

func (r *Registry) broadcaster(s *session) depth.Broadcaster {
	return depth.BroadcastFunc(func(m depth.MilestoneReached) {
		if r.emitter == nil {
			return
		}
		evt := broadcast.FromMilestone(s.id, m, s.sampledAt)
		evt.URL = s.spec.URL
		evt.Label = s.spec.Label
		evt.SpanContext = s.sampleSC
		r.emitter.Emit(evt)
	})
}

// Sample feeds one scroll fraction to the session. A zero at means now.
// Samples for one session are applied in arrival order. Each sample runs in
// its own span; broadcast events fired by it carry that span's context.
func (r *Registry) Sample(ctx context.Context, id uuid.UUID, fraction float64, at time.Time) (fired []depth.MilestoneReached, err error) {
	_, span := r.tracer.Start(ctx, "session.Sample", trace.WithAttributes(
		attribute.String("session.id", id.String()),
		attribute.Float64("scroll.fraction", fraction),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("milestones.fired", len(fired)))
		span.End()
	}()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sample session: %w", err)
	}
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrNotFound
	}
	now := r.clock.Now()
	if at.IsZero() {
		at = now
	}
	s.lastSeen = now
	s.sampledAt = at
	s.sampleSC = span.SpanContext()
	fired = s.tracker.Observe(fraction, at)
	r.metrics.SampleObserved(len(fired))
	return fired, nil
}

// AddObserver registers o on the session's tracker.
func (r *Registry) AddObserver(id uuid.UUID, o depth.Observer) error {
	return r.withSession(id, func(s *session) { s.tracker.AddObserver(o) })
}

// RemoveObserver unregisters o from the session's tracker.
func (r *Registry) RemoveObserver(id uuid.UUID, o depth.Observer) error {
	return r.withSession(id, func(s *session) { s.tracker.RemoveObserver(o) })
}

func (r *Registry) withSession(id uuid.UUID, fn func(*session)) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotFound
	}
	fn(s)
	return nil
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id uuid.UUID) (Info, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), nil
}

// List returns snapshots of every open session ordered by start time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, s.info())
		s.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
	return out
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close tears a session down: it is removed from the registry and its console
// observer is unregistered. Later samples return ErrNotFound.
func (r *Registry) Close(id uuid.UUID) error {
	return r.close(id, "closed")
}

func (r *Registry) close(id uuid.UUID, reason string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	s.closed = true
	if s.console != nil {
		s.tracker.RemoveObserver(s.console)
	}
	s.mu.Unlock()

	r.metrics.SessionClosed(reason)
	r.logger.Debug("session closed", zap.Stringer("session_id", id), zap.String("reason", reason))
	return nil
}

// Sweep closes sessions idle for longer than Config.IdleTTL and returns how
// many were closed.
func (r *Registry) Sweep(now time.Time) int {
	if r.cfg.IdleTTL <= 0 {
		return 0
	}
	r.mu.RLock()
	var idle []uuid.UUID
	for id, s := range r.sessions {
		s.mu.Lock()
		if now.Sub(s.lastSeen) > r.cfg.IdleTTL {
			idle = append(idle, id)
		}
		s.mu.Unlock()
	}
	r.mu.RUnlock()

	closed := 0
	for _, id := range idle {
		if r.close(id, "idle") == nil {
			closed++
		}
	}
	return closed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.cfg.IdleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.clock.Now()); n > 0 {
				r.logger.Info("closed idle sessions", zap.Int("count", n))
			}
		}
	}
}

// CloseAll closes every open session.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.close(id, "shutdown")
	}
}

func (r *Registry) lookup(id uuid.UUID) (*session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// info must be called with s.mu held.
func (s *session) info() Info {
	return Info{
		ID:         s.id,
		URL:        s.spec.URL,
		Label:      s.spec.Label,
		Milestones: s.tracker.Milestones(),
		Reached:    s.tracker.Reached(),
		Pending:    s.tracker.Pending(),
		Done:       s.tracker.Done(),
		StartedAt:  s.tracker.StartTime(),
		LastSeen:   s.lastSeen,
	}
}
