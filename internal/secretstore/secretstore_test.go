package secretstore

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plaintext := []byte("super-secret-api-key")
	envelope, err := s.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(envelope, "enc2:") {
		t.Fatalf("envelope = %q, want enc2: prefix", envelope)
	}
	got, err := s.Decrypt(envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestDecryptUnknownEnvelopeFails(t *testing.T) {
	s, _ := New(testKey())
	if _, err := s.Decrypt("plain-text-not-an-envelope"); err != ErrCannotDecrypt {
		t.Fatalf("err = %v, want ErrCannotDecrypt", err)
	}
}

func TestDecryptTruncatedV2Fails(t *testing.T) {
	s, _ := New(testKey())
	if _, err := s.Decrypt("enc2:YQ"); err != ErrCannotDecrypt {
		t.Fatalf("err = %v, want ErrCannotDecrypt", err)
	}
}

func TestDecryptAndMigrateUpgradesLegacy(t *testing.T) {
	s, _ := New(testKey())
	plaintext := []byte("legacy-token")

	raw := make([]byte, len(plaintext))
	key := testKey()
	for i, b := range plaintext {
		raw[i] = b ^ key[i%len(key)]
	}
	legacy := "enc:" + base64.URLEncoding.EncodeToString(raw)

	if !NeedsMigration(legacy) {
		t.Fatalf("expected legacy envelope to need migration")
	}

	got, upgraded, err := s.DecryptAndMigrate(legacy)
	if err != nil {
		t.Fatalf("DecryptAndMigrate: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("plaintext = %q, want %q", got, plaintext)
	}
	if !IsSecureEncrypted(upgraded) {
		t.Fatalf("upgraded = %q, want enc2: envelope", upgraded)
	}

	roundtrip, err := s.Decrypt(upgraded)
	if err != nil || !bytes.Equal(roundtrip, plaintext) {
		t.Fatalf("roundtrip of upgraded envelope failed: %v %q", err, roundtrip)
	}
}

func TestDecryptAndMigrateLeavesCurrentEnvelopeUnmigrated(t *testing.T) {
	s, _ := New(testKey())
	envelope, _ := s.Encrypt([]byte("x"))
	_, upgraded, err := s.DecryptAndMigrate(envelope)
	if err != nil {
		t.Fatalf("DecryptAndMigrate: %v", err)
	}
	if upgraded != "" {
		t.Fatalf("upgraded = %q, want empty for already-current envelope", upgraded)
	}
}
