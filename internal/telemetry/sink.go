package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fieldline/internal/domain"
)

// Event types emitted by the core.
const (
	EventToolStart       = "tool.start"
	EventToolResult      = "tool.result"
	EventRouterRequest   = "router.request"
	EventAlertsGenerated = "alerts.generated"
	EventSafetyVerdict   = "safety.verdict"
)

const eventVersion = 1

// LogStore is the durable home of the telemetry tail.
type LogStore interface {
	LoadTail(ctx context.Context) ([]domain.Event, error)
	SaveTail(ctx context.Context, events []domain.Event) error
}

// Callback receives every event synchronously. Returned errors are logged and ignored.
type Callback func(domain.Event) error

type Options struct {
	Capacity      int
	FlushDebounce time.Duration
	FlushTimeout  time.Duration
	Store         LogStore
	Logger        *zap.Logger
	Now           func() time.Time
}

type subscriber struct {
	name string
	fn   Callback
}

// Sink is a bounded, append-only event log. The oldest event is dropped once the
// ring is full. Durable writes are debounced so a burst of emits costs one SaveTail.
type Sink struct {
	capacity     int
	debounce     time.Duration
	flushTimeout time.Duration
	store        LogStore
	logger       *zap.Logger
	now          func() time.Time

	mu          sync.Mutex
	ring        []domain.Event
	head        int
	size        int
	nextID      int64
	subscribers []subscriber
	timer       *time.Timer
	started     bool
	closed      bool

	pending sync.WaitGroup
	flushMu sync.Mutex
}

func NewSink(opts Options) *Sink {
	if opts.Capacity <= 0 {
		opts.Capacity = 500
	}
	if opts.FlushDebounce <= 0 {
		opts.FlushDebounce = 2 * time.Second
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sink{
		capacity:     opts.Capacity,
		debounce:     opts.FlushDebounce,
		flushTimeout: opts.FlushTimeout,
		store:        opts.Store,
		logger:       opts.Logger,
		now:          opts.Now,
		ring:         make([]domain.Event, opts.Capacity),
	}
}

// Start loads the persisted tail. Only the first call reads the store. Events emitted
// before Start are kept after the loaded tail and renumbered to stay monotonic.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	loaded, err := s.store.LoadTail(ctx)
	if err != nil {
		return fmt.Errorf("load telemetry tail: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	early := s.snapshotLocked()
	s.head, s.size = 0, 0
	var last int64
	for _, evt := range loaded {
		s.pushLocked(evt)
		if evt.ID > last {
			last = evt.ID
		}
	}
	s.nextID = last
	for _, evt := range early {
		s.nextID++
		evt.ID = s.nextID
		s.pushLocked(evt)
	}
	return nil
}

// Subscribe registers a callback under a name used in failure logs.
func (s *Sink) Subscribe(name string, fn Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, subscriber{name: name, fn: fn})
}

// Emit appends an event and fans it out to subscribers before returning it.
func (s *Sink) Emit(eventType string, payload map[string]any) domain.Event {
	if payload == nil {
		payload = map[string]any{}
	}
	s.mu.Lock()
	s.nextID++
	evt := domain.Event{
		ID:        s.nextID,
		Version:   eventVersion,
		Timestamp: s.now().UTC(),
		Type:      eventType,
		Payload:   payload,
	}
	s.pushLocked(evt)
	subs := append([]subscriber(nil), s.subscribers...)
	s.scheduleLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		s.deliver(sub, evt)
	}
	return evt
}

func (s *Sink) deliver(sub subscriber, evt domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("telemetry subscriber panicked",
				zap.String("subscriber", sub.name), zap.String("event", evt.Type), zap.Any("panic", r))
		}
	}()
	if err := sub.fn(evt); err != nil {
		s.logger.Warn("telemetry subscriber failed",
			zap.String("subscriber", sub.name), zap.String("event", evt.Type), zap.Error(err))
	}
}

// Recent returns up to n events, newest first. n <= 0 returns the whole tail.
func (s *Sink) Recent(n int) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > s.size {
		n = s.size
	}
	out := make([]domain.Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.head + s.size - 1 - i) % s.capacity
		out = append(out, s.ring[idx])
	}
	return out
}

// Flush writes the current tail to the store immediately.
func (s *Sink) Flush(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	events := s.snapshotLocked()
	s.mu.Unlock()
	if err := s.store.SaveTail(ctx, events); err != nil {
		return fmt.Errorf("save telemetry tail: %w", err)
	}
	return nil
}

// Shutdown cancels any pending debounce, waits for an in-flight flush and writes
// the tail one last time. Later emits stay in memory only.
func (s *Sink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil && s.timer.Stop() {
		s.pending.Done()
	}
	s.timer = nil
	s.mu.Unlock()
	s.pending.Wait()
	return s.Flush(ctx)
}

func (s *Sink) scheduleLocked() {
	if s.store == nil || s.closed || s.timer != nil {
		return
	}
	s.pending.Add(1)
	s.timer = time.AfterFunc(s.debounce, func() {
		defer s.pending.Done()
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("telemetry flush failed", zap.Error(err))
		}
	})
}

func (s *Sink) pushLocked(evt domain.Event) {
	if s.size < s.capacity {
		s.ring[(s.head+s.size)%s.capacity] = evt
		s.size++
		return
	}
	s.ring[s.head] = evt
	s.head = (s.head + 1) % s.capacity
}

// snapshotLocked returns the tail oldest first.
func (s *Sink) snapshotLocked() []domain.Event {
	out := make([]domain.Event, 0, s.size)
	for i := 0; i < s.size; i++ {
		out = append(out, s.ring[(s.head+i)%s.capacity])
	}
	return out
}
