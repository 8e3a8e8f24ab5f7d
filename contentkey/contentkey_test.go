package contentkey

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/go-edgebit/secureworker/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"os"
	"path/filepath"
	"testing"
)

var envelopeKey = []byte{
	0x3b, 0xe8, 0x2c, 0x44, 0xf, 0x6, 0xcb, 0x4d,
	0x44, 0xc4, 0xc2, 0xec, 0x3b, 0xf3, 0xd, 0x47,
	0x24, 0x7, 0xd3, 0xa9, 0x12, 0x5a, 0xa4, 0xc1,
	0x84, 0x2b, 0x98, 0xf6, 0xbd, 0xd2, 0x6e, 0x41,
}

type fakeKMS struct {
	input *kms.DecryptInput
	err   error
}

func (f *fakeKMS) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}

	plaintext := make([]byte, len(params.CiphertextBlob))
	for i, b := range params.CiphertextBlob {
		plaintext[i] = b ^ 0xff
	}

	return &kms.DecryptOutput{Plaintext: plaintext, KeyId: aws.String("alias/secureworker")}, nil
}

func writeFile(t *testing.T, name string, contents []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, contents, 0600))

	return path
}

func TestFileSource(t *testing.T) {
	key, err := (&FileSource{Path: writeFile(t, "key", []byte("secret"))}).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), key)

	_, err = (&FileSource{Path: writeFile(t, "key", nil)}).Load(context.Background())
	require.Error(t, err)

	_, err = (&FileSource{Path: filepath.Join(t.TempDir(), "missing")}).Load(context.Background())
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestKMSSource(t *testing.T) {
	client := &fakeKMS{}
	source := &KMSSource{
		Client:         client,
		CiphertextPath: writeFile(t, "key.enc", []byte{0x00, 0x0f, 0xf0}),
		KeyID:          "alias/secureworker",
		Logger:         zap.NewNop(),
	}

	key, err := source.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xf0, 0x0f}, key)
	require.Equal(t, "alias/secureworker", aws.ToString(client.input.KeyId))

	client.err = errors.New("AccessDeniedException")
	_, err = source.Load(context.Background())
	require.ErrorIs(t, err, client.err)
}

func TestEnvelopeSource(t *testing.T) {
	source := &EnvelopeSource{
		Path:           filepath.Join("testdata", "content-key.cms"),
		PrivateKeyPath: filepath.Join("testdata", "recipient.pem"),
	}

	key, err := source.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, envelopeKey, key)
}

func TestEnvelopeSourcePKCS8(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("testdata", "recipient.pem"))
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	require.NoError(t, err)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	require.NoError(t, err)

	source := &EnvelopeSource{
		Path:           filepath.Join("testdata", "content-key.cms"),
		PrivateKeyPath: writeFile(t, "key.pem", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})),
	}

	key, err := source.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, envelopeKey, key)
}

func TestEnvelopeSourceWrongKey(t *testing.T) {
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	source := &EnvelopeSource{
		Path: filepath.Join("testdata", "content-key.cms"),
		PrivateKeyPath: writeFile(t, "key.pem", pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(other),
		})),
	}

	_, err = source.Load(context.Background())
	require.Error(t, err)

	source.PrivateKeyPath = writeFile(t, "key.pem", []byte("not pem"))
	_, err = source.Load(context.Background())
	require.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	source, err := FromConfig(context.Background(), zap.NewNop(), &config.ContentKeyConfig{File: "key"})
	require.NoError(t, err)
	require.Equal(t, &FileSource{Path: "key"}, source)

	source, err = FromConfig(context.Background(), zap.NewNop(), &config.ContentKeyConfig{
		Envelope: &config.EnvelopeConfig{File: "key.cms", PrivateKeyFile: "key.pem"},
	})
	require.NoError(t, err)
	require.Equal(t, &EnvelopeSource{Path: "key.cms", PrivateKeyPath: "key.pem"}, source)

	_, err = FromConfig(context.Background(), zap.NewNop(), &config.ContentKeyConfig{})
	require.Error(t, err)
}
