// Package securestore encrypts small secrets through the platform's
// credential storage. A random AES-256 key lives in the OS keyring (macOS
// Keychain, Windows Credential Manager, the Secret Service on Linux) and
// payloads are sealed with AES-GCM. When no keyring is available the codec
// degrades to plaintext encoding; callers treat that as a functional but
// degraded mode, not an error.
package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zalando/go-keyring"
)

const (
	keyringService = "ternity-desktop"
	keyringUser    = "settings-encryption-key"

	encryptedPrefix = "enc.v1$"
	plaintextPrefix = "plain$"
)

// Keyring abstracts the OS credential store so tests can substitute an
// in-memory implementation.
type Keyring interface {
	Get(service, user string) (string, error)
	Set(service, user, password string) error
}

type systemKeyring struct{}

func (systemKeyring) Get(service, user string) (string, error) {
	return keyring.Get(service, user)
}

func (systemKeyring) Set(service, user, password string) error {
	return keyring.Set(service, user, password)
}

// Codec seals and opens token blobs. Construct with NewCodec.
type Codec struct {
	logger *logrus.Logger
	ring   Keyring

	aead      cipher.AEAD
	available bool
}

// NewCodec builds a codec backed by the system keyring.
func NewCodec(logger *logrus.Logger) *Codec {
	return NewCodecWithKeyring(logger, systemKeyring{})
}

// NewCodecWithKeyring builds a codec backed by the given keyring.
func NewCodecWithKeyring(logger *logrus.Logger, ring Keyring) *Codec {
	c := &Codec{logger: logger, ring: ring}
	c.init()
	return c
}

func (c *Codec) init() {
	key, err := c.loadOrCreateKey()
	if err != nil {
		c.logger.WithError(err).Warn("securestore: OS keyring unavailable, falling back to plaintext storage")
		return
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		c.logger.WithError(err).Warn("securestore: invalid stored key, falling back to plaintext storage")
		return
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		c.logger.WithError(err).Warn("securestore: cipher setup failed, falling back to plaintext storage")
		return
	}

	c.aead = aead
	c.available = true
}

func (c *Codec) loadOrCreateKey() ([]byte, error) {
	stored, err := c.ring.Get(keyringService, keyringUser)
	if err == nil {
		key, decErr := base64.StdEncoding.DecodeString(stored)
		if decErr != nil || len(key) != 32 {
			return nil, fmt.Errorf("stored encryption key is malformed")
		}
		return key, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	if err := c.ring.Set(keyringService, keyringUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, err
	}
	return key, nil
}

// Available reports whether payloads are actually encrypted.
func (c *Codec) Available() bool {
	return c.available
}

// Seal encodes a payload for persistence, encrypting when the keyring key is
// available.
func (c *Codec) Seal(plaintext []byte) string {
	if !c.available {
		return plaintextPrefix + base64.StdEncoding.EncodeToString(plaintext)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		// rand.Read failing means the platform RNG is broken; storing
		// plaintext is the only remaining option.
		c.logger.WithError(err).Error("securestore: nonce generation failed, storing plaintext")
		return plaintextPrefix + base64.StdEncoding.EncodeToString(plaintext)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(append(nonce, sealed...))
}

// Open decodes a persisted payload. It accepts both encrypted and plaintext
// records regardless of the current mode, so a blob written before the
// keyring became unavailable (or vice versa) still loads. The second return
// is false when the record cannot be recovered.
func (c *Codec) Open(encoded string) ([]byte, bool) {
	switch {
	case strings.HasPrefix(encoded, plaintextPrefix):
		data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, plaintextPrefix))
		if err != nil {
			c.logger.WithError(err).Debug("securestore: malformed plaintext record")
			return nil, false
		}
		return data, true

	case strings.HasPrefix(encoded, encryptedPrefix):
		if !c.available {
			c.logger.Debug("securestore: encrypted record but no key available")
			return nil, false
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, encryptedPrefix))
		if err != nil || len(data) < c.aead.NonceSize() {
			c.logger.Debug("securestore: malformed encrypted record")
			return nil, false
		}
		nonce, sealed := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
		plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			c.logger.WithError(err).Debug("securestore: record failed to decrypt")
			return nil, false
		}
		return plaintext, true

	default:
		c.logger.Debug("securestore: record has unknown encoding")
		return nil, false
	}
}
