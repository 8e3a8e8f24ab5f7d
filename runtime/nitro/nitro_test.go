package nitro

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"github.com/go-edgebit/secureworker/nitrocli"
	"github.com/go-edgebit/secureworker/runtime"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"math"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeLauncher struct {
	mu         sync.Mutex
	runOpts    []nitrocli.RunEnclaveOptions
	terminated []string
	runErr     error
}

func (l *fakeLauncher) RunEnclave(ctx context.Context, opts nitrocli.RunEnclaveOptions) (*nitrocli.EnclaveInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.runOpts = append(l.runOpts, opts)
	if l.runErr != nil {
		return nil, l.runErr
	}

	return &nitrocli.EnclaveInfo{EnclaveName: opts.EnclaveName, EnclaveID: "enc-1", EnclaveCID: opts.CID}, nil
}

func (l *fakeLauncher) TerminateEnclave(ctx context.Context, enclaveID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.terminated = append(l.terminated, enclaveID)
	return nil
}

func (l *fakeLauncher) terminatedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.terminated...)
}

// echoAgent plays the in-enclave agent: it acknowledges init and echoes every
// message back. A content key of "reject" is answered with an error frame.
func echoAgent(conn net.Conn) {
	defer conn.Close()

	for {
		f, err := readFrame(conn)
		if err != nil {
			return
		}

		switch f.Type {
		case frameInit:
			if bytes.Equal(f.Payload, []byte("reject")) {
				_ = writeFrame(conn, &frame{Type: frameError, ID: f.ID, Error: "bad key"})
				continue
			}
			_ = writeFrame(conn, &frame{Type: frameAck, ID: f.ID})
		case frameMessage:
			_ = writeFrame(conn, &frame{Type: frameMessage, Payload: f.Payload})
		}
	}
}

func testPlatform(launcher *fakeLauncher, dial dialFunc) *Platform {
	config := Config{
		EIFDir:       "/var/lib/secureworker",
		CPUCount:     2,
		MemoryMiB:    512,
		DialAttempts: 3,
		DialInterval: time.Millisecond,
		InitTimeout:  2 * time.Second,
	}
	config.setDefaults()

	return &Platform{
		logger:   zap.NewNop(),
		config:   config,
		launcher: launcher,
		dial:     dial,
	}
}

func pipeDialer() dialFunc {
	return func(cid uint32, port uint32) (net.Conn, error) {
		host, agent := net.Pipe()
		go echoAgent(agent)
		return host, nil
	}
}

func TestEnclaveEcho(t *testing.T) {
	launcher := &fakeLauncher{}
	platform := testPlatform(launcher, pipeDialer())

	enclave, err := platform.CreateEnclave("echo")
	require.NoError(t, err)

	require.Len(t, launcher.runOpts, 1)
	opts := launcher.runOpts[0]
	require.Equal(t, "/var/lib/secureworker/echo.eif", opts.EIFPath)
	require.Equal(t, "echo", opts.EnclaveName)
	require.GreaterOrEqual(t, opts.CID, uint32(4))

	received := make(chan []byte, 3)
	enclave.SetInboundHook(func(msg []byte) { received <- msg })

	require.Error(t, enclave.EmitMessage([]byte(`"early"`)))
	require.NoError(t, enclave.Init([]byte("key")))
	require.Error(t, enclave.Init([]byte("key")))

	for _, msg := range []string{`1`, `{"a":2}`, `"three"`} {
		require.NoError(t, enclave.EmitMessage([]byte(msg)))
	}

	for _, want := range []string{`1`, `{"a":2}`, `"three"`} {
		select {
		case got := <-received:
			require.Equal(t, want, string(got))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for echo")
		}
	}

	require.NoError(t, enclave.Close())
	require.Equal(t, []string{"enc-1"}, launcher.terminatedIDs())

	require.ErrorIs(t, enclave.Close(), runtime.ErrEnclaveClosed)
	require.ErrorIs(t, enclave.EmitMessage([]byte(`4`)), runtime.ErrEnclaveClosed)
	require.Equal(t, []string{"enc-1"}, launcher.terminatedIDs())
}

func TestEnclaveInitRejected(t *testing.T) {
	launcher := &fakeLauncher{}
	enclave, err := testPlatform(launcher, pipeDialer()).CreateEnclave("echo")
	require.NoError(t, err)

	err = enclave.Init([]byte("reject"))
	require.ErrorContains(t, err, "bad key")

	require.NoError(t, enclave.Close())
}

func TestEnclaveInitConnectionLost(t *testing.T) {
	launcher := &fakeLauncher{}
	dial := func(cid uint32, port uint32) (net.Conn, error) {
		host, agent := net.Pipe()
		go func() {
			_, _ = readFrame(agent)
			agent.Close()
		}()
		return host, nil
	}

	enclave, err := testPlatform(launcher, dial).CreateEnclave("echo")
	require.NoError(t, err)

	require.Error(t, enclave.Init([]byte("key")))
	require.NoError(t, enclave.Close())
}

func TestCreateEnclaveRetriesDial(t *testing.T) {
	launcher := &fakeLauncher{}
	attempts := 0
	echo := pipeDialer()
	dial := func(cid uint32, port uint32) (net.Conn, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		require.Equal(t, uint32(defaultAgentPort), port)
		return echo(cid, port)
	}

	enclave, err := testPlatform(launcher, dial).CreateEnclave("echo")
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.NoError(t, enclave.Close())
}

func TestCreateEnclaveTerminatesUnreachable(t *testing.T) {
	launcher := &fakeLauncher{}
	dial := func(cid uint32, port uint32) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	enclave, err := testPlatform(launcher, dial).CreateEnclave("echo")
	require.ErrorContains(t, err, "connection refused")
	require.Nil(t, enclave)
	require.Equal(t, []string{"enc-1"}, launcher.terminatedIDs())
}

func TestCreateEnclaveLaunchFailure(t *testing.T) {
	launcher := &fakeLauncher{runErr: errors.New("no EIF")}

	enclave, err := testPlatform(launcher, pipeDialer()).CreateEnclave("echo")
	require.ErrorContains(t, err, "no EIF")
	require.Nil(t, enclave)
	require.Empty(t, launcher.terminatedIDs())
}

func TestQuotingUnsupported(t *testing.T) {
	platform := testPlatform(&fakeLauncher{}, pipeDialer())

	_, err := platform.InitQuote()
	require.ErrorIs(t, err, runtime.ErrQuotingUnsupported)

	_, err = platform.GetQuote(make([]byte, 432), runtime.QuoteOptions{})
	require.ErrorIs(t, err, runtime.ErrQuotingUnsupported)
}

func TestRandomCID(t *testing.T) {
	cid, err := randomCID(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.NoError(t, err)
	require.Equal(t, uint32(4), cid)

	cid, err = randomCID(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	require.NoError(t, err)
	require.Equal(t, uint32(8), cid)

	cid, err = randomCID(bytes.NewReader([]byte{0xfa, 0xff, 0xff, 0xff}))
	require.NoError(t, err)
	require.Equal(t, uint32(math.MaxUint32-1), cid)

	_, err = randomCID(bytes.NewReader([]byte{1, 2}))
	require.Error(t, err)

	// two platforms in separate processes must not start from the same CID
	seen := map[uint32]bool{}
	for i := 0; i < 16; i++ {
		cid, err := randomCID(rand.Reader)
		require.NoError(t, err)
		require.GreaterOrEqual(t, cid, uint32(4))
		require.Less(t, cid, uint32(math.MaxUint32))
		seen[cid] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})

	_, err := readFrame(&buf)
	require.ErrorContains(t, err, "exceeds maximum")
}
