// Package nitro runs enclaves as AWS Nitro Enclaves. Each enclave image is
// launched with nitro-cli and reached over vsock, where an agent inside the
// enclave speaks length-prefixed JSON frames.
package nitro

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/go-edgebit/secureworker/nitrocli"
	"github.com/go-edgebit/secureworker/runtime"
	"github.com/go-edgebit/secureworker/transport/vsock"
	"go.uber.org/zap"
	"io"
	"math"
	"net"
	"path/filepath"
	"time"
)

const (
	defaultAgentPort    = 5005
	defaultDialAttempts = 30
	defaultDialInterval = time.Second
	defaultInitTimeout  = 30 * time.Second
)

type Config struct {
	// EIFDir holds one <name>.eif image per enclave name.
	EIFDir    string
	CPUCount  int
	MemoryMiB int
	DebugMode bool

	// AgentPort is the vsock port the in-enclave agent listens on.
	AgentPort uint32

	// The enclave takes a while to boot; the agent is dialed up to
	// DialAttempts times, DialInterval apart.
	DialAttempts int
	DialInterval time.Duration
	InitTimeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.AgentPort == 0 {
		c.AgentPort = defaultAgentPort
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = defaultDialAttempts
	}
	if c.DialInterval == 0 {
		c.DialInterval = defaultDialInterval
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = defaultInitTimeout
	}
}

type Launcher interface {
	RunEnclave(ctx context.Context, opts nitrocli.RunEnclaveOptions) (*nitrocli.EnclaveInfo, error)
	TerminateEnclave(ctx context.Context, enclaveID string) error
}

type dialFunc func(cid uint32, port uint32) (net.Conn, error)

type Platform struct {
	logger   *zap.Logger
	config   Config
	launcher Launcher
	dial     dialFunc
}

func MakePlatform(logger *zap.Logger, config Config) *Platform {
	config.setDefaults()

	return &Platform{
		logger:   logger,
		config:   config,
		launcher: &nitrocli.NitroCLI{},
		dial:     vsock.DialEnclave,
	}
}

func (p *Platform) CreateEnclave(name string) (runtime.Enclave, error) {
	ctx := context.Background()

	cid, err := randomCID(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("picking enclave CID: %w", err)
	}

	info, err := p.launcher.RunEnclave(ctx, nitrocli.RunEnclaveOptions{
		CPUCount:    p.config.CPUCount,
		Memory:      p.config.MemoryMiB,
		EIFPath:     filepath.Join(p.config.EIFDir, name+".eif"),
		CID:         cid,
		EnclaveName: name,
		DebugMode:   p.config.DebugMode,
	})
	if err != nil {
		return nil, fmt.Errorf("launching enclave: %w", err)
	}

	if info.EnclaveCID != 0 {
		cid = info.EnclaveCID
	}

	logger := p.logger.With(
		zap.String("enclave", name),
		zap.String("enclave_id", info.EnclaveID),
		zap.Uint32("cid", cid))

	logger.Info("enclave launched")

	terminate := func() error {
		return p.launcher.TerminateEnclave(context.Background(), info.EnclaveID)
	}

	conn, err := p.dialAgent(logger, cid)
	if err != nil {
		if termErr := terminate(); termErr != nil {
			logger.Error("error terminating unreachable enclave", zap.Error(termErr))
		}
		return nil, err
	}

	return makeEnclave(logger, conn, terminate, p.config.InitTimeout), nil
}

func (p *Platform) dialAgent(logger *zap.Logger, cid uint32) (net.Conn, error) {
	var lastErr error

	for attempt := 1; attempt <= p.config.DialAttempts; attempt++ {
		conn, err := p.dial(cid, p.config.AgentPort)
		if err == nil {
			logger.Debug("connected to enclave agent", zap.Int("attempt", attempt))
			return conn, nil
		}

		lastErr = err
		logger.Debug("enclave agent not reachable yet", zap.Int("attempt", attempt), zap.Error(err))

		if attempt < p.config.DialAttempts {
			time.Sleep(p.config.DialInterval)
		}
	}

	return nil, fmt.Errorf("dialing enclave agent on vsock port %d: %w", p.config.AgentPort, lastErr)
}

// InitQuote is unsupported: Nitro enclaves attest through the NSM, not through
// an SGX quoting enclave.
func (p *Platform) InitQuote() (*runtime.QuoteInfo, error) {
	return nil, runtime.ErrQuotingUnsupported
}

func (p *Platform) GetQuote(report []byte, opts runtime.QuoteOptions) ([]byte, error) {
	return nil, runtime.ErrQuotingUnsupported
}

// randomCID maps four bytes from r onto [4, MaxUint32). CIDs 0-3 are reserved
// and MaxUint32 is VMADDR_CID_ANY.
func randomCID(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return 4 + binary.LittleEndian.Uint32(buf[:])%(math.MaxUint32-4), nil
}

var errInitTimeout = errors.New("nitro: timed out waiting for enclave init")
