// Package events delivers events raised by an enclave to registered listeners,
// asynchronously and in order.
package events

import (
	"fmt"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"sync"
)

// Listener receives one event payload. A returned error (or a panic) is
// reported to the unhandled error sink and does not stop later listeners.
type Listener func(payload any) error

// ListenerID identifies one registration. Registering the same func twice
// yields two IDs and two invocations per event.
type ListenerID uint64

type Scheduler interface {
	Schedule(task func()) error
}

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// Port is a gated multi-listener event channel. Until Start is called, and
// again once Stop is called, emitted events are dropped rather than queued.
type Port struct {
	logger    *zap.Logger
	scheduler Scheduler

	mu        sync.Mutex
	started   bool
	stopped   bool
	nextID    ListenerID
	listeners map[string][]listenerEntry
}

func MakePort(logger *zap.Logger, scheduler Scheduler) *Port {
	return &Port{
		logger:    logger,
		scheduler: scheduler,
		listeners: make(map[string][]listenerEntry),
	}
}

func (p *Port) AddListener(kind string, fn Listener) ListenerID {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	p.listeners[kind] = append(p.listeners[kind], listenerEntry{id: id, fn: fn})

	return id
}

// RemoveListener is a no-op if id is not registered for kind.
func (p *Port) RemoveListener(kind string, id ListenerID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.listeners[kind]
	idx := slices.IndexFunc(entries, func(e listenerEntry) bool { return e.id == id })
	if idx < 0 {
		return
	}

	// copy-on-write so that snapshots held by in-flight emissions stay intact
	entries = slices.Delete(slices.Clone(entries), idx, idx+1)
	if len(entries) == 0 {
		delete(p.listeners, kind)
	} else {
		p.listeners[kind] = entries
	}
}

func (p *Port) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		p.started = true
		p.logger.Debug("event port started")
	}
}

func (p *Port) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started && !p.stopped
}

// Stop closes the gate for good. Events already queued but not yet delivered
// are dropped, and Start cannot reopen it.
func (p *Port) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.stopped {
		p.stopped = true
		p.logger.Debug("event port stopped")
	}
}

// Emit schedules delivery of payload to the listeners of kind as a single task.
// The gate and the listener set are read when the task runs; listeners added or
// removed while it runs do not affect it.
func (p *Port) Emit(kind string, payload any) error {
	return p.scheduler.Schedule(func() {
		p.deliver(kind, payload)
	})
}

func (p *Port) deliver(kind string, payload any) {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		p.logger.Debug("dropping event, port is not open", zap.String("kind", kind))
		return
	}
	snapshot := p.listeners[kind]
	p.mu.Unlock()

	for _, entry := range snapshot {
		if err := invoke(entry.fn, payload); err != nil {
			reportUnhandled(fmt.Errorf("%s listener %d: %w", kind, entry.id, err))
		}
	}
}

func invoke(fn Listener, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()

	return fn(payload)
}
