package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agentcal/internal/metrics"
)

const (
	defaultQueueSize      = 256
	defaultWorkers        = 2
	defaultHandlerTimeout = 10 * time.Second
)

// DispatcherConfig sizes the asynchronous delivery pipeline.
type DispatcherConfig struct {
	QueueSize      int
	Workers        int
	HandlerTimeout time.Duration
}

// Dispatcher delivers events to a Bus on background workers. Publish
// never blocks: when the queue is full the event is dropped.
type Dispatcher struct {
	bus     *Bus
	queue   chan Event
	cfg     DispatcherConfig
	logger  zerolog.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	started bool
}

// NewDispatcher creates a dispatcher for bus. Call Start to run workers.
func NewDispatcher(bus *Bus, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	return &Dispatcher{
		bus:    bus,
		queue:  make(chan Event, cfg.QueueSize),
		cfg:    cfg,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Publish enqueues event for delivery. The caller's context is only used
// for cancellation checks; handlers get their own timeout.
func (d *Dispatcher) Publish(ctx context.Context, event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(event, "dispatcher closed")
		return
	}
	select {
	case d.queue <- event:
	default:
		d.drop(event, "queue full")
	}
}

func (d *Dispatcher) drop(event Event, reason string) {
	metrics.IncEventDropped(string(event.Type))
	d.logger.Warn().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("agent_id", event.AgentID).
		Str("reason", reason).
		Msg("event dropped")
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.HandlerTimeout)
	defer cancel()
	d.bus.Deliver(ctx, event, func(err error) {
		d.logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("event handler failed")
	})
}

// Close stops accepting events and waits for queued ones to drain or ctx
// to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
