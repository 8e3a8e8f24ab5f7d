// Package worker drives one enclave instance: it creates and initializes the
// enclave, relays JSON messages in both directions, and terminates it.
//
// Every operation that touches the enclave (posting a message, delivering an
// inbound message to listeners, terminating) is queued on a per-worker FIFO
// loop. Nothing runs on the caller's goroutine, and operations complete in the
// order they were requested.
package worker

import (
	"encoding/json"
	"github.com/go-edgebit/secureworker/events"
	"github.com/go-edgebit/secureworker/runtime"
	"go.uber.org/zap"
	"sync"
)

const messageKind = "message"

type State int

const (
	StateCreated State = iota
	StateInitialized
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Message is one message posted by the enclave.
type Message struct {
	Raw json.RawMessage

	// Value is Raw decoded into the generic JSON types (map[string]any,
	// []any, float64, string, bool or nil).
	Value any
}

func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

type Listener func(msg Message) error

type ListenerID = events.ListenerID

type Options struct {
	Logger *zap.Logger
}

type Worker struct {
	name   string
	logger *zap.Logger
	loop   *events.Loop
	port   *events.Port
	done   chan struct{}

	mu          sync.Mutex
	enclave     runtime.Enclave
	state       State
	terminating bool
}

// Create creates the enclave called name on platform and initializes it with
// contentKey. The returned Worker exclusively owns the native enclave, and runs
// a goroutine that is only released by Terminate: every Worker must eventually
// be terminated.
func Create(platform runtime.Platform, name string, contentKey []byte, opts Options) (*Worker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("enclave", name))

	enclave, err := platform.CreateEnclave(name)
	if err != nil {
		return nil, &EnclaveCreationError{Name: name, Err: err}
	}

	loop := events.MakeLoop()
	w := &Worker{
		name:    name,
		logger:  logger,
		loop:    loop,
		port:    events.MakePort(logger, loop),
		done:    make(chan struct{}),
		enclave: enclave,
		state:   StateCreated,
	}

	enclave.SetInboundHook(w.handleInbound)

	if err := enclave.Init(contentKey); err != nil {
		if closeErr := enclave.Close(); closeErr != nil {
			logger.Warn("error closing enclave after failed init", zap.Error(closeErr))
		}
		loop.Stop()

		return nil, &EnclaveCreationError{Name: name, Err: err}
	}

	w.setState(StateInitialized)
	w.setState(StateActive)

	return w, nil
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()

	w.logger.Debug("worker state changed", zap.Stringer("state", state))
}

// PostMessage marshals msg to JSON and queues it for delivery into the enclave.
// It returns before delivery happens; delivery failures are logged.
func (w *Worker) PostMessage(msg any) error {
	marshalled, err := json.Marshal(msg)
	if err != nil {
		return &SerializationError{Err: err}
	}

	return w.schedule(func(enclave runtime.Enclave) {
		if err := enclave.EmitMessage(marshalled); err != nil {
			w.logger.Error("error delivering message to enclave", zap.Error(err))
		}
	})
}

// OnMessage registers fn for every message the enclave posts from now on, and
// opens delivery. Messages that arrive before the first listener is registered
// are dropped.
func (w *Worker) OnMessage(fn Listener) (ListenerID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminating {
		return 0, ErrHandleClosed
	}

	id := w.port.AddListener(messageKind, func(payload any) error {
		return fn(payload.(Message))
	})
	w.port.Start()

	return id, nil
}

// RemoveOnMessage unregisters a listener. Unknown IDs are ignored.
func (w *Worker) RemoveOnMessage(id ListenerID) {
	w.port.RemoveListener(messageKind, id)
}

// Terminate queues the release of the enclave behind any pending work. Calls
// after the first are no-ops; Done is closed once the enclave is released.
// Listeners are not invoked for messages handled after termination begins.
func (w *Worker) Terminate() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminating {
		return
	}

	err := w.scheduleLocked(func(enclave runtime.Enclave) {
		// nothing reaches listeners once termination starts, including
		// messages raised while the enclave is closing
		w.port.Stop()

		if err := enclave.Close(); err != nil {
			w.logger.Error("error closing enclave", zap.Error(err))
		}

		w.mu.Lock()
		w.enclave = nil
		w.mu.Unlock()

		w.setState(StateTerminated)
		w.loop.Stop()
		close(w.done)
	})
	if err != nil {
		w.logger.Error("error scheduling termination", zap.Error(err))
		return
	}

	w.terminating = true
}

func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) schedule(task func(enclave runtime.Enclave)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.scheduleLocked(task)
}

func (w *Worker) scheduleLocked(task func(enclave runtime.Enclave)) error {
	if w.terminating {
		return ErrHandleClosed
	}

	err := w.loop.Schedule(func() {
		w.mu.Lock()
		enclave := w.enclave
		w.mu.Unlock()

		task(enclave)
	})
	if err != nil {
		return ErrHandleClosed
	}

	return nil
}

func (w *Worker) handleInbound(marshalled []byte) {
	raw := make(json.RawMessage, len(marshalled))
	copy(raw, marshalled)

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		w.logger.Warn("dropping malformed message from enclave",
			zap.Error(&DeserializationError{Raw: raw, Err: err}))
		return
	}

	if err := w.port.Emit(messageKind, Message{Raw: raw, Value: value}); err != nil {
		w.logger.Debug("dropping message from enclave after termination")
	}
}
