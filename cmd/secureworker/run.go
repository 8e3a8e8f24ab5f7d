package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"github.com/go-edgebit/secureworker/config"
	"github.com/go-edgebit/secureworker/contentkey"
	"github.com/go-edgebit/secureworker/runtime"
	"github.com/go-edgebit/secureworker/runtime/nitro"
	"github.com/go-edgebit/secureworker/runtime/sim"
	"github.com/go-edgebit/secureworker/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

const (
	defaultCPUCount  = 2
	defaultMemoryMiB = 512
)

func run(cliContext *cli.Context) error {
	logger, err := makeLogger(cliContext)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(cliContext.String("file"))
	if err != nil {
		return err
	}

	parsed := cfg.Parsed()
	logger.Info("loaded worker config",
		zap.String("path", cfg.SourcePath()),
		zap.String("sha256", hex.EncodeToString(cfg.SHA256())))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := contentkey.FromConfig(ctx, logger, parsed.ContentKey)
	if err != nil {
		return err
	}

	contentKey, err := source.Load(ctx)
	if err != nil {
		return err
	}

	platform := makePlatform(logger, parsed.Enclave, cliContext.Bool("simulate"))

	w, err := worker.Create(platform, parsed.Enclave.Name, contentKey, worker.Options{Logger: logger})
	if err != nil {
		return err
	}

	_, err = w.OnMessage(printMessages(cliContext.App.Writer))
	if err != nil {
		w.Terminate()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// stdin reads cannot be interrupted, so the pump is not part of the group
	go func() {
		err := pumpMessages(logger, cliContext.App.Reader, w)
		if err != nil {
			logger.Error("error reading messages from stdin", zap.Error(err))
		}

		select {
		case <-time.After(cliContext.Duration("drain")):
		case <-ctx.Done():
		}
		cancel()
	}()

	eg, groupCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-groupCtx.Done()
		logger.Info("terminating enclave", zap.String("enclave", w.Name()))
		w.Terminate()
		return nil
	})

	eg.Go(func() error {
		<-w.Done()
		logger.Info("enclave terminated", zap.String("enclave", w.Name()))
		return nil
	})

	return eg.Wait()
}

func makePlatform(logger *zap.Logger, cfg *config.EnclaveConfig, simulate bool) runtime.Platform {
	if simulate {
		return sim.MakePlatform(logger, nil)
	}

	cpus := cfg.CPUs
	if cpus == 0 {
		cpus = defaultCPUCount
	}

	memory := cfg.MemoryMiB()
	if memory == 0 {
		memory = defaultMemoryMiB
	}

	return nitro.MakePlatform(logger, nitro.Config{
		EIFDir:    cfg.EIFDir,
		CPUCount:  cpus,
		MemoryMiB: memory,
		DebugMode: cfg.Debug,
		AgentPort: uint32(cfg.Port),
	})
}

// pumpMessages posts every non-empty line of r to the worker. Lines that are
// not valid JSON are skipped.
func pumpMessages(logger *zap.Logger, r io.Reader, w *worker.Worker) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if !json.Valid(line) {
			logger.Warn("skipping input line that is not valid JSON", zap.ByteString("line", line))
			continue
		}

		err := w.PostMessage(json.RawMessage(line))
		if err != nil {
			return err
		}
	}

	return scanner.Err()
}

func printMessages(out io.Writer) worker.Listener {
	var mu sync.Mutex
	encoder := json.NewEncoder(out)

	return func(msg worker.Message) error {
		mu.Lock()
		defer mu.Unlock()

		return encoder.Encode(msg.Raw)
	}
}
