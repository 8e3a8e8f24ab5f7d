// Package sim is an in-process simulation of the enclave platform. Simulated
// enclaves answer messages through a Handler and produce reports and quotes with
// the same byte layout as SGX hardware, but carry no security guarantees.
package sim

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/go-edgebit/secureworker/events"
	"github.com/go-edgebit/secureworker/layout"
	"github.com/go-edgebit/secureworker/runtime"
	"go.uber.org/zap"
	"sync"
)

const (
	targetInfoSize = 512
	reportSize     = 432
	quoteVersion   = 2

	mrEnclaveOffset = 64
	mrSignerOffset  = 128
)

var (
	ErrNotReady = errors.New("sim: platform services not ready")

	simGroupID = [4]byte{0x00, 0x00, 0x0b, 0x5e}
)

// Handler computes the messages a simulated enclave posts back in response to
// one inbound message. Returning nil posts nothing.
type Handler func(enclaveName string, marshalled []byte) [][]byte

// Echo posts every message straight back to the host.
func Echo(_ string, marshalled []byte) [][]byte {
	return [][]byte{marshalled}
}

type Platform struct {
	logger  *zap.Logger
	handler Handler

	mu       sync.Mutex
	notReady bool
}

func MakePlatform(logger *zap.Logger, handler Handler) *Platform {
	if logger == nil {
		logger = zap.NewNop()
	}

	if handler == nil {
		handler = Echo
	}

	return &Platform{
		logger:  logger,
		handler: handler,
	}
}

// SetReady simulates platform services (the quoting enclave) coming up or going away.
func (p *Platform) SetReady(ready bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.notReady = !ready
}

func (p *Platform) ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return !p.notReady
}

func (p *Platform) CreateEnclave(name string) (runtime.Enclave, error) {
	enclave, err := p.Create(name)
	if err != nil {
		return nil, err
	}

	return enclave, nil
}

// Create is CreateEnclave returning the concrete type, which additionally
// exposes Report. Each enclave delivers outbound messages from its own
// goroutine, which only exits once Close is called.
func (p *Platform) Create(name string) (*Enclave, error) {
	if name == "" {
		return nil, errors.New("sim: enclave name is required")
	}

	p.logger.Info("creating simulated enclave", zap.String("name", name))

	return &Enclave{
		name:      name,
		logger:    p.logger.With(zap.String("enclave", name)),
		handler:   p.handler,
		outbound:  events.MakeLoop(),
		mrEnclave: sha256.Sum256([]byte("mrenclave:" + name)),
	}, nil
}

func (p *Platform) InitQuote() (*runtime.QuoteInfo, error) {
	if !p.ready() {
		return nil, ErrNotReady
	}

	qe := sha256.Sum256([]byte("sim quoting enclave"))
	targetInfo := make([]byte, targetInfoSize)
	copy(targetInfo, qe[:])

	return &runtime.QuoteInfo{
		TargetInfo: targetInfo,
		GroupID:    simGroupID,
	}, nil
}

// GetQuote wraps the report body in a version 2 quote header followed by a
// length-prefixed placeholder signature.
func (p *Platform) GetQuote(report []byte, opts runtime.QuoteOptions) ([]byte, error) {
	if !p.ready() {
		return nil, ErrNotReady
	}

	if len(report) < layout.MinReportSize {
		return nil, &layout.BufferTooShortError{Buffer: "report", Len: len(report), Min: layout.MinReportSize}
	}

	if len(opts.SPID) != 16 {
		return nil, fmt.Errorf("sim: SPID must be 16 bytes, got %d", len(opts.SPID))
	}

	header := make([]byte, layout.QuoteHeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], quoteVersion)
	if opts.Linkable {
		binary.LittleEndian.PutUint16(header[2:4], 1)
	}
	copy(header[4:8], simGroupID[:])
	// basename: first 16 bytes are the SPID
	copy(header[16:32], opts.SPID)

	body := report[:layout.MinReportSize]
	signature := sha256.Sum256(append(append([]byte{}, header...), body...))

	sigLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(sigLen, uint32(len(signature)))

	quote := make([]byte, 0, len(header)+len(body)+len(sigLen)+len(signature))
	quote = append(quote, header...)
	quote = append(quote, body...)
	quote = append(quote, sigLen...)
	quote = append(quote, signature[:]...)

	if opts.RevocationList == nil {
		p.logger.Warn("quote generated without a signature revocation list")
	}

	return quote, nil
}

type Enclave struct {
	name      string
	logger    *zap.Logger
	handler   Handler
	outbound  *events.Loop
	mrEnclave [32]byte

	mu          sync.Mutex
	hook        func([]byte)
	initialized bool
	closed      bool
}

func (e *Enclave) Init(contentKey []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		return runtime.ErrEnclaveClosed
	case e.initialized:
		return errors.New("sim: enclave already initialized")
	case len(contentKey) == 0:
		return errors.New("sim: content key is required")
	}

	e.initialized = true
	e.logger.Debug("simulated enclave initialized", zap.Int("content_key_len", len(contentKey)))

	return nil
}

func (e *Enclave) SetInboundHook(fn func([]byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.hook = fn
}

func (e *Enclave) EmitMessage(marshalled []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return runtime.ErrEnclaveClosed
	}
	if !e.initialized {
		e.mu.Unlock()
		return errors.New("sim: enclave not initialized")
	}
	e.mu.Unlock()

	for _, reply := range e.handler(e.name, marshalled) {
		reply := reply
		err := e.outbound.Schedule(func() {
			e.post(reply)
		})
		if err != nil {
			return runtime.ErrEnclaveClosed
		}
	}

	return nil
}

// Post makes the enclave send a message to the host, as enclave code would.
func (e *Enclave) Post(marshalled []byte) error {
	if err := e.outbound.Schedule(func() { e.post(marshalled) }); err != nil {
		return runtime.ErrEnclaveClosed
	}

	return nil
}

func (e *Enclave) post(marshalled []byte) {
	e.mu.Lock()
	hook := e.hook
	closed := e.closed
	e.mu.Unlock()

	if closed || hook == nil {
		e.logger.Debug("discarding enclave message with no host hook")
		return
	}

	hook(marshalled)
}

// Report produces a report carrying reportData, as the enclave would when asked
// to commit to a value for attestation.
func (e *Enclave) Report(reportData []byte) ([]byte, error) {
	report := make([]byte, reportSize)
	copy(report[mrEnclaveOffset:], e.mrEnclave[:])

	signer := sha256.Sum256([]byte("sim signer"))
	copy(report[mrSignerOffset:], signer[:])

	if err := layout.SetReportData(report, reportData); err != nil {
		return nil, err
	}

	return report, nil
}

// Close releases the outbound goroutine. Queued messages are discarded and Post
// fails afterwards.
func (e *Enclave) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return runtime.ErrEnclaveClosed
	}

	e.closed = true
	e.outbound.Stop()
	e.logger.Info("simulated enclave closed")

	return nil
}
