// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package trace carries fire-and-forget diagnostic records off the hook fast
// path. Emit never blocks: when the buffer is full the record is dropped and
// counted.
package trace

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/logging"
)

// Kind classifies a trace record.
type Kind uint8

const (
	KindIntercepted Kind = iota + 1
	KindRedirectFailed
	KindEvicted
	KindKernelEvent
)

func (k Kind) String() string {
	switch k {
	case KindIntercepted:
		return "intercepted"
	case KindRedirectFailed:
		return "redirect_failed"
	case KindEvicted:
		return "evicted"
	case KindKernelEvent:
		return "kernel_event"
	default:
		return "unknown"
	}
}

// Record is a single diagnostic event. Only the fields relevant to Kind are
// set.
type Record struct {
	Kind   Kind
	Time   time.Time
	Cookie uint64

	// Connect-time fields.
	Key    types.ConnectionKey
	Origin types.OriginInfo
	Proxy  netip.AddrPort

	// Message-time fields.
	Flow types.FlowKey

	Err error
}

// Sink consumes records on the tracer's drain goroutine.
type Sink interface {
	Handle(Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Record)

func (f SinkFunc) Handle(r Record) { f(r) }

// Config configures a Tracer.
type Config struct {
	Enabled bool `json:"enabled"`
	Buffer  int  `json:"buffer"`
}

// DefaultConfig returns the default tracer configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Buffer:  1024,
	}
}

// Tracer buffers records and hands them to sinks.
type Tracer struct {
	enabled bool
	ch      chan Record
	sinks   []Sink
	session uuid.UUID
	logger  *logging.Logger

	dropped atomic.Uint64
	emitted atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a Tracer. A disabled tracer accepts and discards records.
func New(cfg Config, logger *logging.Logger, sinks ...Sink) *Tracer {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	session := uuid.New()
	return &Tracer{
		enabled: cfg.Enabled,
		ch:      make(chan Record, cfg.Buffer),
		sinks:   sinks,
		session: session,
		logger:  logger.WithComponent("trace").With("session", session.String()),
	}
}

// Emit queues r without blocking. A nil Tracer discards r.
func (t *Tracer) Emit(r Record) {
	if t == nil || !t.enabled {
		return
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	select {
	case t.ch <- r:
		t.emitted.Add(1)
	default:
		t.dropped.Add(1)
	}
}

// Dropped returns the number of records dropped because the buffer was full.
func (t *Tracer) Dropped() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

// Emitted returns the number of records accepted into the buffer.
func (t *Tracer) Emitted() uint64 {
	if t == nil {
		return 0
	}
	return t.emitted.Load()
}

// Session identifies this tracer run in log output.
func (t *Tracer) Session() uuid.UUID {
	return t.session
}

// Start launches the drain goroutine. It stops when ctx is cancelled or Stop
// is called.
func (t *Tracer) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true

	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.run(ctx)

	t.logger.Debug("tracer started", "buffer", cap(t.ch), "sinks", len(t.sinks))
}

// Stop halts the drain goroutine after flushing buffered records.
func (t *Tracer) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	cancel()
	<-done

	if n := t.dropped.Load(); n > 0 {
		t.logger.Warn("trace records dropped", "count", n)
	}
}

func (t *Tracer) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case r := <-t.ch:
			t.dispatch(r)
		case <-ctx.Done():
			t.flush()
			return
		}
	}
}

func (t *Tracer) flush() {
	for {
		select {
		case r := <-t.ch:
			t.dispatch(r)
		default:
			return
		}
	}
}

func (t *Tracer) dispatch(r Record) {
	for _, s := range t.sinks {
		s.Handle(r)
	}
}
