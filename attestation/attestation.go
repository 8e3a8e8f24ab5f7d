// Package attestation turns enclave reports into quotes and submits quotes to
// the Intel Attestation Service for remote attestation.
package attestation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"github.com/go-edgebit/secureworker/layout"
	"github.com/go-edgebit/secureworker/runtime"
	"go.uber.org/zap"
	"io"
	"net/http"
	"net/url"
)

const (
	DefaultURL = "https://api.trustedservices.intel.com/sgx/attestation/v3/report"

	subscriptionKeyHeader = "Ocp-Apim-Subscription-Key"
)

// InitQuote returns the material an enclave needs to produce a report that the
// platform can later turn into a quote.
func InitQuote(platform runtime.Platform) (*runtime.QuoteInfo, error) {
	info, err := platform.InitQuote()
	if err != nil {
		return nil, &PlatformNotReadyError{Err: err}
	}

	return info, nil
}

// GetQuote converts a report produced on this machine into a quote that can be
// checked remotely. A nil revocationList is passed through as-is: revocation
// status is then not checked, since the list is never fetched automatically.
func GetQuote(platform runtime.Platform, report []byte, linkable bool, spid []byte, revocationList []byte) ([]byte, error) {
	if len(report) < layout.MinReportSize {
		return nil, &layout.BufferTooShortError{Buffer: "report", Len: len(report), Min: layout.MinReportSize}
	}

	quote, err := platform.GetQuote(report, runtime.QuoteOptions{
		Linkable:       linkable,
		SPID:           spid,
		RevocationList: revocationList,
	})
	if err != nil {
		return nil, &QuoteGenerationError{Err: err}
	}

	return quote, nil
}

// ValidateRemoteAttestation is not implemented and always returns
// ErrNotImplemented.
func ValidateRemoteAttestation(quote []byte, statement []byte) (bool, error) {
	return false, ErrNotImplemented
}

// Options customise a remote attestation request. Empty fields are left out of
// the request body.
type Options struct {
	// URL overrides DefaultURL.
	URL string

	PSEManifest string
	Nonce       string

	// FullQuote sends the whole quote as isvEnclaveQuote instead of only the
	// 64 bytes of quote data.
	FullQuote bool
}

type reportRequest struct {
	ISVEnclaveQuote string `json:"isvEnclaveQuote"`
	PSEManifest     string `json:"pseManifest,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
}

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Callback receives the outcome of GetRemoteAttestation: either the signed
// attestation statement, or an error (a *ResponseError for service outcomes).
type Callback func(statement []byte, err error)

type Client struct {
	httpClient HTTPClient
	logger     *zap.Logger
}

// NewClient returns a Client. The client performs no retries and sets no
// timeout of its own; configure them on httpClient or through the context.
func NewClient(httpClient HTTPClient, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger,
	}
}

// GetRemoteAttestation submits quote for remote attestation and reports the
// outcome to callback exactly once, from another goroutine. Argument errors are
// returned directly, before any request is made, and callback is then not
// called.
func (c *Client) GetRemoteAttestation(ctx context.Context, quote []byte, subscriptionKey string, callback Callback, opts *Options) error {
	if callback == nil {
		return &InvalidArgumentError{Argument: "callback", Message: "must not be nil"}
	}

	req, err := c.newRequest(ctx, quote, subscriptionKey, opts)
	if err != nil {
		return err
	}

	go func() {
		callback(c.exchange(req))
	}()

	return nil
}

// RemoteAttestation is the blocking form of GetRemoteAttestation.
func (c *Client) RemoteAttestation(ctx context.Context, quote []byte, subscriptionKey string, opts *Options) ([]byte, error) {
	req, err := c.newRequest(ctx, quote, subscriptionKey, opts)
	if err != nil {
		return nil, err
	}

	return c.exchange(req)
}

func (c *Client) newRequest(ctx context.Context, quote []byte, subscriptionKey string, opts *Options) (*http.Request, error) {
	if subscriptionKey == "" {
		return nil, &InvalidArgumentError{
			Argument: "subscriptionKey",
			Message:  "subscription key must be provided for remote attestation",
		}
	}

	if opts == nil {
		opts = &Options{}
	}

	evidence, err := layout.QuoteData(quote)
	if err != nil {
		return nil, err
	}
	if opts.FullQuote {
		evidence = quote
	}

	target := DefaultURL
	if opts.URL != "" {
		target = opts.URL
	}

	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, &InvalidArgumentError{Argument: "url", Message: fmt.Sprintf("not an absolute URL: %q", target)}
	}

	body, err := json.Marshal(reportRequest{
		ISVEnclaveQuote: base64.StdEncoding.EncodeToString(evidence),
		PSEManifest:     opts.PSEManifest,
		Nonce:           opts.Nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attestation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, parsed.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(subscriptionKeyHeader, subscriptionKey)

	return req, nil
}

func (c *Client) exchange(req *http.Request) ([]byte, error) {
	logger := c.logger.With(zap.String("url", req.URL.String()))
	logger.Debug("sending remote attestation request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("remote attestation request failed", zap.Error(err))
		return nil, &ResponseError{Message: MessageInvalidResponse, Err: err}
	}
	if resp == nil {
		return nil, &ResponseError{Message: MessageInvalidResponse}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("remote attestation rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("request_id", resp.Header.Get("Request-ID")))

		return nil, statusError(resp.StatusCode)
	}

	statement, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("error reading remote attestation statement", zap.Error(err))
		return nil, &ResponseError{StatusCode: resp.StatusCode, Message: MessageInvalidResponse, Err: err}
	}

	logger.Info("remote attestation succeeded", zap.Int("statement_len", len(statement)))

	return statement, nil
}
