package main

import (
	"bytes"
	"context"
	"fmt"
	"github.com/go-edgebit/secureworker/attestation"
	"github.com/go-edgebit/secureworker/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"net/http"
	"os"
)

func attest(cliContext *cli.Context) error {
	logger, err := makeLogger(cliContext)
	if err != nil {
		return err
	}
	defer logger.Sync()

	attestationCfg, err := loadAttestationConfig(cliContext.String("file"))
	if err != nil {
		return err
	}

	subscriptionKey, err := resolveSubscriptionKey(cliContext.String("subscription-key"), attestationCfg)
	if err != nil {
		return err
	}

	q, err := os.ReadFile(cliContext.String("quote"))
	if err != nil {
		return err
	}

	opts := &attestation.Options{
		URL:         attestationCfg.URL,
		Nonce:       cliContext.String("nonce"),
		PSEManifest: attestationCfg.PSEManifest,
		FullQuote:   cliContext.Bool("full-quote"),
	}
	if cliContext.IsSet("url") {
		opts.URL = cliContext.String("url")
	}
	if cliContext.IsSet("pse-manifest") {
		opts.PSEManifest = cliContext.String("pse-manifest")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cliContext.Duration("timeout"))
	defer cancel()

	client := attestation.NewClient(http.DefaultClient, logger)

	statement, err := client.RemoteAttestation(ctx, q, subscriptionKey, opts)
	if err != nil {
		return err
	}

	if out := cliContext.String("out"); out != "" {
		err = os.WriteFile(out, statement, 0644)
		if err != nil {
			return err
		}

		logger.Info("wrote attestation statement", zap.String("path", out))
		return nil
	}

	_, err = fmt.Fprintln(cliContext.App.Writer, string(statement))
	return err
}

func resolveSubscriptionKey(flag string, cfg *config.AttestationConfig) (string, error) {
	if flag != "" {
		return flag, nil
	}

	if cfg.SubscriptionKeyFile == "" {
		return "", fmt.Errorf("a subscription key is required (--subscription-key, IAS_SUBSCRIPTION_KEY or attestation.subscriptionKeyFile)")
	}

	raw, err := os.ReadFile(cfg.SubscriptionKeyFile)
	if err != nil {
		return "", err
	}

	return string(bytes.TrimSpace(raw)), nil
}
