package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sink consumes events drained from the bus. Sinks run on the bus worker
// goroutine and must not block; slow delivery belongs in the sink's own
// queueing (the gateway uses per-session outbound queues).
type Sink func(Event)

// Bus is the process-wide event queue. Producers call Emit from any
// goroutine; a single worker drains the queue and hands each event to the
// registered sinks in registration order, preserving emission order.
type Bus struct {
	ch      chan Event
	dropped atomic.Int64

	sinkMu sync.RWMutex
	sinks  []Sink

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex
}

// NewBus creates a bus with the given queue capacity.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{
		ch:     make(chan Event, buffer),
		stopCh: make(chan struct{}),
	}
}

// AddSink registers a consumer. Safe to call before or after Start.
func (b *Bus) AddSink(s Sink) {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit enqueues an event with the current timestamp and returns immediately.
// If the queue is full the event is dropped and counted.
func (b *Bus) Emit(eventType string, data map[string]any) {
	b.EmitEvent(Event{Type: eventType, Timestamp: time.Now(), Data: data})
}

// EmitEvent enqueues a fully-formed event. Non-blocking.
func (b *Bus) EmitEvent(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.ch <- e:
	default:
		n := b.dropped.Add(1)
		slog.Warn("Event bus queue full, dropping event", "type", e.Type, "dropped_total", n)
	}
}

// Start launches the drain worker. Safe to call multiple times; subsequent
// calls are no-ops.
func (b *Bus) Start() {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return
	}
	b.started = true

	b.wg.Add(1)
	go b.run()
}

// Stop signals the worker, flushes queued events best-effort, and waits for
// the worker to exit.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// Depth returns the number of queued, undelivered events.
func (b *Bus) Depth() int {
	return len(b.ch)
}

// Dropped returns the count of events discarded because the queue was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) run() {
	defer b.wg.Done()

	for {
		select {
		case e := <-b.ch:
			b.deliver(e)
		case <-b.stopCh:
			// Flush whatever is already queued, then exit.
			for {
				select {
				case e := <-b.ch:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.sinkMu.RLock()
	sinks := b.sinks
	b.sinkMu.RUnlock()

	for _, s := range sinks {
		s(e)
	}
}
