package nitro

import (
	"errors"
	"fmt"
	"github.com/go-edgebit/secureworker/runtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"io"
	"net"
	"sync"
	"time"
)

// Enclave is a running Nitro enclave reached through its agent connection.
type Enclave struct {
	logger      *zap.Logger
	conn        net.Conn
	terminate   func() error
	initTimeout time.Duration

	writeMu sync.Mutex

	mu          sync.Mutex
	hook        func([]byte)
	initialized bool
	closed      bool
	pending     map[string]chan error

	readDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func makeEnclave(logger *zap.Logger, conn net.Conn, terminate func() error, initTimeout time.Duration) *Enclave {
	e := &Enclave{
		logger:      logger,
		conn:        conn,
		terminate:   terminate,
		initTimeout: initTimeout,
		pending:     make(map[string]chan error),
		readDone:    make(chan struct{}),
	}

	go e.readLoop()

	return e
}

func (e *Enclave) SetInboundHook(fn func(marshalled []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.hook = fn
}

// Init sends the content key to the agent and waits for it to be acknowledged.
func (e *Enclave) Init(contentKey []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return runtime.ErrEnclaveClosed
	}
	if e.initialized {
		e.mu.Unlock()
		return errors.New("nitro: enclave already initialized")
	}

	id := uuid.NewString()
	ack := make(chan error, 1)
	e.pending[id] = ack
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}()

	if err := e.send(&frame{Type: frameInit, ID: id, Payload: contentKey}); err != nil {
		return fmt.Errorf("sending init: %w", err)
	}

	timer := time.NewTimer(e.initTimeout)
	defer timer.Stop()

	select {
	case err := <-ack:
		if err != nil {
			return err
		}
	case <-e.readDone:
		return fmt.Errorf("nitro: connection to enclave lost during init")
	case <-timer.C:
		return errInitTimeout
	}

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()

	return nil
}

func (e *Enclave) EmitMessage(marshalled []byte) error {
	e.mu.Lock()
	closed, initialized := e.closed, e.initialized
	e.mu.Unlock()

	if closed {
		return runtime.ErrEnclaveClosed
	}
	if !initialized {
		return errors.New("nitro: enclave not initialized")
	}

	return e.send(&frame{Type: frameMessage, Payload: marshalled})
}

// Close drops the agent connection and terminates the enclave. Calls after the
// first return ErrEnclaveClosed.
func (e *Enclave) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return runtime.ErrEnclaveClosed
	}
	e.closed = true
	e.mu.Unlock()

	e.closeOnce.Do(func() {
		connErr := e.conn.Close()
		<-e.readDone

		termErr := e.terminate()
		if termErr != nil {
			e.logger.Error("error terminating enclave", zap.Error(termErr))
			e.closeErr = termErr
			return
		}
		if connErr != nil {
			e.closeErr = connErr
		}

		e.logger.Info("enclave terminated")
	})

	return e.closeErr
}

func (e *Enclave) send(f *frame) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	return writeFrame(e.conn, f)
}

func (e *Enclave) readLoop() {
	defer close(e.readDone)

	for {
		f, err := readFrame(e.conn)
		if err != nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()

			if !closed && !errors.Is(err, io.EOF) {
				e.logger.Error("error reading from enclave agent", zap.Error(err))
			}
			return
		}

		switch f.Type {
		case frameMessage:
			e.mu.Lock()
			hook := e.hook
			e.mu.Unlock()

			if hook == nil {
				e.logger.Warn("dropping enclave message, no inbound hook installed")
				continue
			}
			hook(f.Payload)

		case frameAck, frameError:
			e.resolve(f)

		default:
			e.logger.Warn("ignoring unknown frame from enclave agent", zap.String("type", f.Type))
		}
	}
}

func (e *Enclave) resolve(f *frame) {
	e.mu.Lock()
	ack, ok := e.pending[f.ID]
	e.mu.Unlock()

	if !ok {
		if f.Type == frameError {
			e.logger.Error("enclave agent error", zap.String("error", f.Error))
		} else {
			e.logger.Warn("unexpected ack from enclave agent", zap.String("id", f.ID))
		}
		return
	}

	var err error
	if f.Type == frameError {
		err = fmt.Errorf("nitro: enclave agent: %s", f.Error)
	}

	select {
	case ack <- err:
	default:
		e.logger.Warn("duplicate reply from enclave agent", zap.String("id", f.ID))
	}
}
