// Package secretstore implements the control plane's authenticated-encryption
// envelope with transparent migration from a deprecated cipher. The wire
// format is fixed by the external interface contract:
//
//	"enc2:" || base64url(nonce[12] || ciphertext || tag[16])   (current)
//	"enc:"  || base64url(keystream-xor bytes)                  (legacy, decrypt-only)
package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
)

const (
	envelopeV2     = "enc2:"
	envelopeLegacy = "enc:"
	keySize        = 32
)

// ErrCannotDecrypt is the single externally-visible failure for every
// decrypt failure mode (malformed base64, truncated nonce/tag,
// authentication failure, unknown envelope prefix). Every mode returns this
// same value, and the cause is not recorded.
var ErrCannotDecrypt = errors.New("secretstore: cannot decrypt value")

// Store holds the 256-bit master key loaded once at startup.
type Store struct {
	key [keySize]byte
}

// New constructs a Store from a 32-byte key, as loaded from secret.key.
func New(key []byte) (*Store, error) {
	if len(key) != keySize {
		return nil, errors.New("secretstore: key must be 32 bytes")
	}
	s := &Store{}
	copy(s.key[:], key)
	return s, nil
}

// Encrypt produces a fresh "enc2:" envelope for plaintext.
func (s *Store) Encrypt(plaintext []byte) (string, error) {
	aead, err := s.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.New("secretstore: read nonce: " + err.Error())
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return envelopeV2 + base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt accepts both envelope kinds and returns the plaintext.
func (s *Store) Decrypt(value string) ([]byte, error) {
	switch {
	case strings.HasPrefix(value, envelopeV2):
		return s.decryptV2(value)
	case strings.HasPrefix(value, envelopeLegacy):
		return s.decryptLegacy(value)
	default:
		return nil, ErrCannotDecrypt
	}
}

// DecryptAndMigrate decrypts value and, if it used the legacy envelope,
// additionally returns a freshly re-encrypted "enc2:" ciphertext of the same
// plaintext. Callers are responsible for persisting the upgraded ciphertext
// and for logging only the field identifier and envelope kind, never the
// plaintext, per the no-plaintext-logging invariant.
func (s *Store) DecryptAndMigrate(value string) (plaintext []byte, upgraded string, err error) {
	plaintext, err = s.Decrypt(value)
	if err != nil {
		return nil, "", err
	}
	if !NeedsMigration(value) {
		return plaintext, "", nil
	}
	upgraded, err = s.Encrypt(plaintext)
	if err != nil {
		return nil, "", err
	}
	return plaintext, upgraded, nil
}

// NeedsMigration reports whether value uses the deprecated legacy envelope.
func NeedsMigration(value string) bool {
	return strings.HasPrefix(value, envelopeLegacy)
}

// IsSecureEncrypted reports whether value uses the current authenticated
// envelope.
func IsSecureEncrypted(value string) bool {
	return strings.HasPrefix(value, envelopeV2)
}

func (s *Store) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	return aead, nil
}

func (s *Store) decryptV2(value string) ([]byte, error) {
	aead, err := s.gcm()
	if err != nil {
		return nil, err
	}
	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(value, envelopeV2))
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	if len(raw) < aead.NonceSize() {
		return nil, ErrCannotDecrypt
	}
	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	return plaintext, nil
}

// decryptLegacy reverses the deprecated repeating-key XOR cipher. It is
// decrypt-only: the control plane never produces this envelope.
func (s *Store) decryptLegacy(value string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(value, envelopeLegacy))
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[i] = b ^ s.key[i%len(s.key)]
	}
	return out, nil
}
