package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeRSAKey generates an RSA key and writes it to a temp PEM file,
// returning the path and the key.
func writeRSAKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	p := filepath.Join(t.TempDir(), "id_rsa")
	if err := os.WriteFile(p, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return p, key
}

func TestDecryptorRoundTrip(t *testing.T) {
	keyPath, _ := writeRSAKey(t)
	d := NewDecryptor(keyPath, nil)

	ciphertext, err := d.Encrypt([]byte("s3cret-password"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plain, err := d.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != "s3cret-password" {
		t.Errorf("round trip = %q", plain)
	}
}

func TestDecryptorMissingKeyFileIsTerminal(t *testing.T) {
	d := NewDecryptor(filepath.Join(t.TempDir(), "no-such-key"), nil)
	if _, err := d.Decrypt([]byte("junk")); !errors.Is(err, ErrNoPrivateKey) {
		t.Errorf("expected ErrNoPrivateKey, got %v", err)
	}
	// Second call fails from the cached terminal error without re-reading.
	if _, err := d.Decrypt([]byte("junk")); !errors.Is(err, ErrNoPrivateKey) {
		t.Errorf("cached failure lost: %v", err)
	}
}

func TestEncryptedPasswordLazyAndCached(t *testing.T) {
	keyPath, _ := writeRSAKey(t)
	d := NewDecryptor(keyPath, nil)
	ciphertext, err := d.Encrypt([]byte("deferred"))
	if err != nil {
		t.Fatal(err)
	}

	ep := NewEncryptedPassword(ciphertext, d)
	got, err := ep.Reveal()
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if got != "deferred" {
		t.Errorf("revealed %q", got)
	}

	// Concurrent reveals all agree (decrypt-once under the credential
	// lock).
	done := make(chan string, 8)
	for i := 0; i < 8; i++ {
		go func() {
			v, _ := ep.Reveal()
			done <- v
		}()
	}
	for i := 0; i < 8; i++ {
		if v := <-done; v != "deferred" {
			t.Errorf("concurrent reveal = %q", v)
		}
	}
}

func TestEncryptedPasswordBadCiphertext(t *testing.T) {
	keyPath, _ := writeRSAKey(t)
	ep := NewEncryptedPassword([]byte("not a real ciphertext"), NewDecryptor(keyPath, nil))
	if _, err := ep.Reveal(); err == nil {
		t.Error("expected decrypt failure")
	}
	// Failure is cached, not retried.
	if _, err := ep.Reveal(); err == nil {
		t.Error("expected cached decrypt failure")
	}
}
