// Package config loads the YAML file describing which enclave a secureworker
// runs, where its content key comes from and how it is attested.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/validation"
	"net/url"
	"os"
	"regexp"
	"sigs.k8s.io/yaml"
)

const spidSize = 16

var (
	minMem            = resource.MustParse("128Mi")
	enclaveNameRegexp = regexp.MustCompile("^([A-Za-z0-9][[A-Za-z0-9_.-]*)?[A-Za-z0-9]$")
)

type ValidationError struct {
	Message string
}

func NewValidationError(msg string, a ...any) *ValidationError {
	return &ValidationError{
		Message: fmt.Sprintf(msg, a...),
	}
}

func (e *ValidationError) Error() string {
	return e.Message
}

type Config struct {
	sourcePath string
	hash       hash.Hash
	raw        []byte
	parsed     *WorkerConfig
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	parsed, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	hash := sha256.New()
	_, err = hash.Write(raw)
	if err != nil {
		return nil, err
	}

	return &Config{
		sourcePath: path,
		hash:       hash,
		raw:        raw,
		parsed:     parsed,
	}, nil
}

// Parse decodes and validates a configuration document. Unknown fields are
// rejected.
func Parse(raw []byte) (*WorkerConfig, error) {
	parsed := &WorkerConfig{}

	err := yaml.UnmarshalStrict(raw, parsed)
	if err != nil {
		return nil, err
	}

	err = parsed.Validate()
	if err != nil {
		return nil, err
	}

	return parsed, nil
}

func (c *Config) SourcePath() string {
	return c.sourcePath
}

func (c *Config) Raw() []byte {
	return c.raw
}

func (c *Config) SHA256() []byte {
	return c.hash.Sum(nil)
}

func (c *Config) Parsed() *WorkerConfig {
	return c.parsed
}

type WorkerConfig struct {
	Version     string             `json:"version"`
	Enclave     *EnclaveConfig     `json:"enclave"`
	ContentKey  *ContentKeyConfig  `json:"contentKey"`
	Attestation *AttestationConfig `json:"attestation"`
}

func (c *WorkerConfig) Validate() error {
	if c.Version != "v1" {
		return NewValidationError("unsupported config version (only v1 is supported)")
	}

	if c.Enclave == nil {
		return NewValidationError("enclave is required")
	}

	if err := c.Enclave.Validate(); err != nil {
		return err
	}

	if c.ContentKey == nil {
		return NewValidationError("contentKey is required")
	}

	if err := c.ContentKey.Validate(); err != nil {
		return err
	}

	if c.Attestation != nil {
		if err := c.Attestation.Validate(); err != nil {
			return err
		}
	}

	return nil
}

type EnclaveConfig struct {
	Name string `json:"name"`

	// EIFDir is only needed on Nitro hosts.
	EIFDir string            `json:"eifDir"`
	CPUs   int               `json:"cpus"`
	Mem    resource.Quantity `json:"memory"`
	Port   int               `json:"port"`
	Debug  bool              `json:"debug"`
}

func (c *EnclaveConfig) Validate() error {
	if c.Name == "" {
		return NewValidationError("enclave.name is required")
	}

	if !enclaveNameRegexp.MatchString(c.Name) {
		return NewValidationError("enclave.name must consist of alphanumeric characters, '-', '_' or '.' and start and end with an alphanumeric character")
	}

	if c.CPUs < 0 {
		return NewValidationError("enclave.cpus must not be negative")
	}

	if !c.Mem.IsZero() && c.Mem.Value() < minMem.Value() {
		return NewValidationError("enclave.memory must be at least %s", minMem.String())
	}

	if c.Port != 0 && len(validation.IsValidPortNum(c.Port)) > 0 {
		return NewValidationError("invalid enclave.port: %d", c.Port)
	}

	return nil
}

// MemoryMiB returns the configured memory in MiB, or 0 if unset.
func (c *EnclaveConfig) MemoryMiB() int {
	return int(c.Mem.Value() / (1024 * 1024))
}

// ContentKeyConfig names exactly one source for the enclave content key.
type ContentKeyConfig struct {
	File     string          `json:"file"`
	KMS      *KMSKeyConfig   `json:"kms"`
	Envelope *EnvelopeConfig `json:"envelope"`
}

func (c *ContentKeyConfig) Validate() error {
	sources := 0
	if c.File != "" {
		sources++
	}
	if c.KMS != nil {
		sources++
		if c.KMS.CiphertextFile == "" {
			return NewValidationError("contentKey.kms.ciphertextFile is required")
		}
	}
	if c.Envelope != nil {
		sources++
		if c.Envelope.File == "" || c.Envelope.PrivateKeyFile == "" {
			return NewValidationError("contentKey.envelope requires file and privateKeyFile")
		}
	}

	if sources != 1 {
		return NewValidationError("contentKey must set exactly one of file, kms or envelope (got %d)", sources)
	}

	return nil
}

type KMSKeyConfig struct {
	CiphertextFile string `json:"ciphertextFile"`
	Region         string `json:"region"`
	KeyID          string `json:"keyId"`
}

type EnvelopeConfig struct {
	File           string `json:"file"`
	PrivateKeyFile string `json:"privateKeyFile"`
}

type AttestationConfig struct {
	URL                 string `json:"url"`
	SPID                string `json:"spid"`
	SubscriptionKeyFile string `json:"subscriptionKeyFile"`
	Linkable            bool   `json:"linkable"`
	// PSEManifest is submitted with every attestation request when set.
	PSEManifest string `json:"pseManifest"`
}

func (c *AttestationConfig) Validate() error {
	if c.URL != "" {
		parsed, err := url.Parse(c.URL)
		if err != nil || parsed.Scheme != "https" && parsed.Scheme != "http" {
			return NewValidationError("invalid attestation.url: %s", c.URL)
		}

		host := parsed.Hostname()
		if len(validation.IsDNS1123Subdomain(host)) > 0 && len(validation.IsValidIP(host)) > 0 {
			return NewValidationError("invalid attestation.url host: %s", host)
		}
	}

	if c.SPID != "" {
		if _, err := c.SPIDBytes(); err != nil {
			return err
		}
	}

	return nil
}

// SPIDBytes decodes the hex service provider ID.
func (c *AttestationConfig) SPIDBytes() ([]byte, error) {
	spid, err := hex.DecodeString(c.SPID)
	if err != nil {
		return nil, NewValidationError("attestation.spid must be hex: %v", err)
	}

	if len(spid) != spidSize {
		return nil, NewValidationError("attestation.spid must be %d bytes, got %d", spidSize, len(spid))
	}

	return spid, nil
}
