package main

import (
	"encoding/hex"
	"fmt"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-edgebit/secureworker/attestation"
	"github.com/go-edgebit/secureworker/config"
	"github.com/go-edgebit/secureworker/runtime/sim"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"os"
)

func quote(cliContext *cli.Context) error {
	logger, err := makeLogger(cliContext)
	if err != nil {
		return err
	}
	defer logger.Sync()

	attestationCfg, err := loadAttestationConfig(cliContext.String("file"))
	if err != nil {
		return err
	}

	spid, err := resolveSPID(cliContext.String("spid"), attestationCfg)
	if err != nil {
		return err
	}

	reportData, err := hex.DecodeString(cliContext.String("report-data"))
	if err != nil {
		return fmt.Errorf("invalid --report-data: %w", err)
	}

	linkable := cliContext.Bool("linkable") || attestationCfg.Linkable

	q, err := simulatedQuote(logger, reportData, linkable, spid)
	if err != nil {
		return err
	}

	if cliContext.Bool("dump") {
		spew.Fdump(cliContext.App.Writer, q)
	}

	out := cliContext.String("out")
	err = os.WriteFile(out, q, 0644)
	if err != nil {
		return err
	}

	logger.Info("wrote quote", zap.String("path", out), zap.Int("size", len(q)))

	return nil
}

func simulatedQuote(logger *zap.Logger, reportData []byte, linkable bool, spid []byte) ([]byte, error) {
	platform := sim.MakePlatform(logger, nil)

	_, err := attestation.InitQuote(platform)
	if err != nil {
		return nil, err
	}

	enclave, err := platform.Create("quote")
	if err != nil {
		return nil, err
	}
	defer enclave.Close()

	report, err := enclave.Report(reportData)
	if err != nil {
		return nil, err
	}

	// no revocation list: it is never fetched automatically
	return attestation.GetQuote(platform, report, linkable, spid, nil)
}

// loadAttestationConfig returns the attestation section of the config file at
// path, or an empty section when path is empty or the file has none.
func loadAttestationConfig(path string) (*config.AttestationConfig, error) {
	if path == "" {
		return &config.AttestationConfig{}, nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cfg.Parsed().Attestation == nil {
		return &config.AttestationConfig{}, nil
	}

	return cfg.Parsed().Attestation, nil
}

func resolveSPID(flag string, cfg *config.AttestationConfig) ([]byte, error) {
	if flag != "" {
		cfg = &config.AttestationConfig{SPID: flag}
	}

	if cfg.SPID == "" {
		return nil, fmt.Errorf("a service provider ID is required (--spid or attestation.spid)")
	}

	return cfg.SPIDBytes()
}
