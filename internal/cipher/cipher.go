package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLen     = 32
	ivLen      = 16
	saltLen    = 16
	tagLen     = 16
	iterations = 100_000

	// associatedData binds ciphertexts to the header-encryption context so a
	// bundle lifted from another column cannot be decrypted here.
	associatedData = "forgerelay-headers"
)

var (
	ErrDecryptFailed = errors.New("cipher: decryption failed")
	ErrMissingSecret = errors.New("cipher: master secret is empty")
)

// Bundle is the serialized form persisted in events.headers_data.
// All fields are hex-encoded.
type Bundle struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
	Salt      string `json:"salt"`
}

// HeaderCipher encrypts header maps at rest. Keys are derived per bundle with
// PBKDF2-HMAC-SHA-256 over the master secret and a random salt, so rotating
// the master secret only requires re-encrypting, not re-salting.
type HeaderCipher struct {
	masterSecret string
}

func NewHeaderCipher(masterSecret string) (*HeaderCipher, error) {
	if masterSecret == "" {
		return nil, ErrMissingSecret
	}
	return &HeaderCipher{masterSecret: masterSecret}, nil
}

// EncryptHeaders serializes the header map as JSON and returns the bundle as
// a JSON string suitable for storage.
func (c *HeaderCipher) EncryptHeaders(headers map[string]string) (string, error) {
	plaintext, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("marshaling headers: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	sealed := aead.Seal(nil, iv, plaintext, []byte(associatedData))
	ciphertext, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	bundle := Bundle{
		Encrypted: hex.EncodeToString(ciphertext),
		IV:        hex.EncodeToString(iv),
		Tag:       hex.EncodeToString(tag),
		Salt:      hex.EncodeToString(salt),
	}
	out, err := json.Marshal(bundle)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DecryptHeaders reverses EncryptHeaders. Corrupt or mis-keyed bundles return
// ErrDecryptFailed so callers can distinguish them from transient errors.
func (c *HeaderCipher) DecryptHeaders(data string) (map[string]string, error) {
	var bundle Bundle
	if err := json.Unmarshal([]byte(data), &bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	ciphertext, err := hex.DecodeString(bundle.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrDecryptFailed)
	}
	iv, err := hex.DecodeString(bundle.IV)
	if err != nil || len(iv) != ivLen {
		return nil, fmt.Errorf("%w: bad iv", ErrDecryptFailed)
	}
	tag, err := hex.DecodeString(bundle.Tag)
	if err != nil || len(tag) != tagLen {
		return nil, fmt.Errorf("%w: bad tag", ErrDecryptFailed)
	}
	salt, err := hex.DecodeString(bundle.Salt)
	if err != nil || len(salt) != saltLen {
		return nil, fmt.Errorf("%w: bad salt", ErrDecryptFailed)
	}

	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, iv, append(ciphertext, tag...), []byte(associatedData))
	if err != nil {
		return nil, ErrDecryptFailed
	}

	headers := map[string]string{}
	if err := json.Unmarshal(plaintext, &headers); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return headers, nil
}

func (c *HeaderCipher) aead(salt []byte) (gocipher.AEAD, error) {
	key := pbkdf2.Key([]byte(c.masterSecret), salt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return gocipher.NewGCMWithNonceSize(block, ivLen)
}
