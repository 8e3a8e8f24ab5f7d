// Package cms decrypts CMS EnvelopedData blobs carrying a single
// RSAES-OAEP key transport recipient and AES-256-CBC content, the shape AWS KMS
// produces for a CiphertextForRecipient.
package cms

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     envelopedData `asn1:"explicit,optional,tag:0"`
}

type envelopedData struct {
	Version              int
	RecipientInfos       []keyTransRecipientInfo `asn1:"set"`
	EncryptedContentInfo encryptedContentInfo
}

type keyTransRecipientInfo struct {
	Version                int
	RecipientIdentifier    []byte `asn1:"tag:0"`
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

type encryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedContent           asn1.RawValue `asn1:"tag:0,optional"`
}

// Envelope is a parsed EnvelopedData structure, ready to be opened with the
// recipient's private key.
type Envelope struct {
	encryptedKey []byte
	iv           []byte
	ciphertext   []byte
}

func Parse(ber []byte) (*Envelope, error) {
	der, err := ber2der(ber)
	if err != nil {
		return nil, err
	}

	ci := contentInfo{}
	rest, err := asn1.Unmarshal(der, &ci)
	if err != nil {
		return nil, err
	}

	if len(rest) > 0 {
		return nil, errors.New("cms: trailing data")
	}

	if !ci.ContentType.Equal(oidEnvelopedData) {
		return nil, errors.New("cms: content type is not enveloped data")
	}

	if ci.Content.Version != envelopedDataVersion {
		return nil, fmt.Errorf("cms: unexpected enveloped data version %d", ci.Content.Version)
	}

	if len(ci.Content.RecipientInfos) != 1 {
		return nil, fmt.Errorf("cms: expected one recipient, found %d", len(ci.Content.RecipientInfos))
	}

	recipient := ci.Content.RecipientInfos[0]
	if recipient.Version != recipientInfoVersion {
		return nil, fmt.Errorf("cms: unexpected recipient info version %d", recipient.Version)
	}

	if !recipient.KeyEncryptionAlgorithm.Algorithm.Equal(oidKeyTransportRSAOAEP) {
		return nil, errors.New("cms: unexpected key encryption algorithm")
	}

	eci := ci.Content.EncryptedContentInfo

	if !eci.ContentType.Equal(oidData) {
		return nil, errors.New("cms: unexpected content type for encrypted data")
	}

	if !eci.ContentEncryptionAlgorithm.Algorithm.Equal(oidContentCipherAES256CBC) {
		return nil, errors.New("cms: unexpected content encryption algorithm")
	}

	ciphertext, err := encryptedContent(eci.EncryptedContent)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		encryptedKey: recipient.EncryptedKey,
		iv:           eci.ContentEncryptionAlgorithm.Parameters.Bytes,
		ciphertext:   ciphertext,
	}, nil
}

// encryptedContent is either a primitive [0] holding the ciphertext, or a
// constructed [0] whose OCTET STRING children are concatenated.
func encryptedContent(raw asn1.RawValue) ([]byte, error) {
	if !raw.IsCompound {
		return raw.Bytes, nil
	}

	var buf bytes.Buffer
	rest := raw.Bytes
	for len(rest) > 0 {
		var part []byte
		var err error

		rest, err = asn1.Unmarshal(rest, &part)
		if err != nil {
			return nil, fmt.Errorf("cms: malformed encrypted content: %w", err)
		}
		buf.Write(part)
	}

	return buf.Bytes(), nil
}

// Decrypt unwraps the content key with key and returns the decrypted content.
func (e *Envelope) Decrypt(key *rsa.PrivateKey) ([]byte, error) {
	contentKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, e.encryptedKey, nil)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(contentKey)
	if err != nil {
		return nil, err
	}

	if len(e.iv) != block.BlockSize() {
		return nil, errors.New("cms: encryption algorithm parameters are malformed")
	}

	if len(e.ciphertext) == 0 || len(e.ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("cms: invalid ciphertext length %d", len(e.ciphertext))
	}

	mode := cipher.NewCBCDecrypter(block, e.iv)
	plaintext := make([]byte, len(e.ciphertext))
	mode.CryptBlocks(plaintext, e.ciphertext)

	return unpad(plaintext, mode.BlockSize())
}

func unpad(data []byte, blocklen int) ([]byte, error) {
	if len(data)%blocklen != 0 || len(data) == 0 {
		return nil, fmt.Errorf("invalid data len %d", len(data))
	}

	// the last byte is the length of padding
	padlen := int(data[len(data)-1])
	if padlen == 0 || padlen > blocklen {
		return nil, errors.New("invalid padding")
	}

	for _, padbyte := range data[len(data)-padlen:] {
		if padbyte != byte(padlen) {
			return nil, errors.New("invalid padding")
		}
	}

	return data[:len(data)-padlen], nil
}

func DecryptEnvelopedKey(key *rsa.PrivateKey, content []byte) ([]byte, error) {
	envelope, err := Parse(content)
	if err != nil {
		return nil, err
	}

	return envelope.Decrypt(key)
}
