// Package contentkey obtains the key handed to an enclave at initialization.
package contentkey

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/go-edgebit/secureworker/config"
	"github.com/go-edgebit/secureworker/contentkey/cms"
	"go.uber.org/zap"
	"os"
)

type Source interface {
	Load(ctx context.Context) ([]byte, error)
}

// FromConfig builds the Source described by cfg.
func FromConfig(ctx context.Context, logger *zap.Logger, cfg *config.ContentKeyConfig) (Source, error) {
	switch {
	case cfg.File != "":
		return &FileSource{Path: cfg.File}, nil

	case cfg.KMS != nil:
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.KMS.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.KMS.Region))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}

		return &KMSSource{
			Client:         kms.NewFromConfig(awsCfg),
			CiphertextPath: cfg.KMS.CiphertextFile,
			KeyID:          cfg.KMS.KeyID,
			Logger:         logger,
		}, nil

	case cfg.Envelope != nil:
		return &EnvelopeSource{
			Path:           cfg.Envelope.File,
			PrivateKeyPath: cfg.Envelope.PrivateKeyFile,
		}, nil
	}

	return nil, errors.New("no content key source configured")
}

// FileSource reads the key verbatim from a file.
type FileSource struct {
	Path string
}

func (s *FileSource) Load(ctx context.Context) ([]byte, error) {
	key, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}

	if len(key) == 0 {
		return nil, fmt.Errorf("content key file %s is empty", s.Path)
	}

	return key, nil
}

// DecryptAPI is the subset of the KMS client used by KMSSource.
type DecryptAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSSource decrypts a KMS ciphertext blob stored in a file.
type KMSSource struct {
	Client         DecryptAPI
	CiphertextPath string
	KeyID          string
	Logger         *zap.Logger
}

func (s *KMSSource) Load(ctx context.Context) ([]byte, error) {
	ciphertext, err := os.ReadFile(s.CiphertextPath)
	if err != nil {
		return nil, err
	}

	input := &kms.DecryptInput{
		CiphertextBlob: ciphertext,
	}
	if s.KeyID != "" {
		input.KeyId = aws.String(s.KeyID)
	}

	out, err := s.Client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("kms decrypt: %w", err)
	}

	if s.Logger != nil {
		s.Logger.Info("content key decrypted with KMS", zap.Stringp("key_id", out.KeyId))
	}

	return out.Plaintext, nil
}

// EnvelopeSource opens a CMS EnvelopedData file with a PEM encoded RSA key.
type EnvelopeSource struct {
	Path           string
	PrivateKeyPath string
}

func (s *EnvelopeSource) Load(ctx context.Context) ([]byte, error) {
	key, err := loadRSAKey(s.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}

	return cms.DecryptEnvelopedKey(key, content)
}

func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM data found", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}

		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an RSA private key", path)
		}
		return key, nil
	}

	return nil, fmt.Errorf("%s: unsupported PEM block type %q", path, block.Type)
}
