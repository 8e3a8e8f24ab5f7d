// Package runtime defines the native enclave capability consumed by the worker
// and attestation packages. Implementations are injected explicitly; there is
// no process-wide default.
package runtime

import "errors"

var (
	// ErrQuotingUnsupported is returned by platforms without an SGX quoting enclave.
	ErrQuotingUnsupported = errors.New("runtime: platform does not support quoting")

	ErrEnclaveClosed = errors.New("runtime: enclave closed")
)

// Platform creates enclaves and exposes the platform quoting services.
type Platform interface {
	// CreateEnclave allocates and measures the enclave identified by name. The
	// returned Enclave is exclusively owned by the caller.
	CreateEnclave(name string) (Enclave, error)

	// InitQuote returns the material an enclave needs to produce a report
	// targeted at the quoting enclave.
	InitQuote() (*QuoteInfo, error)

	// GetQuote signs a locally produced report into a quote.
	GetQuote(report []byte, opts QuoteOptions) ([]byte, error)
}

// Enclave is one native enclave instance.
type Enclave interface {
	// Init hands the content key to the enclave. It is called once, after the
	// inbound hook has been installed.
	Init(contentKey []byte) error

	// SetInboundHook installs fn to receive every marshalled message the
	// enclave posts to the host. fn may be called from any goroutine, but never
	// concurrently with itself.
	SetInboundHook(fn func(marshalled []byte))

	// EmitMessage delivers a marshalled message into the enclave.
	EmitMessage(marshalled []byte) error

	Close() error
}
