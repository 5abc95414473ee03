// Package auth holds the candidate credentials for a run (agent keys,
// identity files, plaintext and OAEP-encrypted passwords, with optional
// per-credential peer filters) and assembles the ordered authentication
// attempt sequence for each SSH connection.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"
)

// ErrNoPrivateKey is returned when decryption is requested but the
// configured key file holds no usable RSA private key.
var ErrNoPrivateKey = errors.New("auth: unable to decrypt - no RSA private key")

// Decryptor decrypts short ciphertexts (stored passwords) with an RSA
// private key using RSAES-OAEP/SHA-1. The key file is read and parsed
// lazily on first use, under a lock, so passphrase prompting (up to
// three attempts) happens only during that first load; a load failure
// is terminal and cached.
type Decryptor struct {
	KeyPath string
	// Prompt asks the operator for the key passphrase. When nil, an
	// encrypted key cannot be loaded.
	Prompt func(prompt string) (string, error)

	mu  sync.Mutex
	key *rsa.PrivateKey
	err error
}

// NewDecryptor creates a decryptor over keyPath (typically
// ~/.ssh/id_rsa).
func NewDecryptor(keyPath string, prompt func(string) (string, error)) *Decryptor {
	return &Decryptor{KeyPath: keyPath, Prompt: prompt}
}

// load parses the key file, prompting for a passphrase when required.
func (d *Decryptor) load() (*rsa.PrivateKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.key != nil || d.err != nil {
		return d.key, d.err
	}
	data, err := os.ReadFile(d.KeyPath)
	if err != nil {
		d.err = fmt.Errorf("%w: %v", ErrNoPrivateKey, err)
		return nil, d.err
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if d.Prompt == nil {
			d.err = fmt.Errorf("auth: RSA key %s is passphrase-protected", d.KeyPath)
			return nil, d.err
		}
		for retries := 3; retries > 0; retries-- {
			passphrase, perr := d.Prompt(fmt.Sprintf("Enter passphrase for [%s]: ", d.KeyPath))
			if perr != nil {
				break
			}
			raw, err = ssh.ParseRawPrivateKeyWithPassphrase(data, []byte(passphrase))
			if err == nil {
				break
			}
		}
	}
	if err != nil {
		d.err = fmt.Errorf("auth: unable to load RSA key %s: %w", d.KeyPath, err)
		return nil, d.err
	}
	key, ok := raw.(*rsa.PrivateKey)
	if !ok {
		d.err = fmt.Errorf("%w: %s is not an RSA key", ErrNoPrivateKey, d.KeyPath)
		return nil, d.err
	}
	d.key = key
	return d.key, nil
}

// Decrypt recovers the plaintext of an OAEP ciphertext.
func (d *Decryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	key, err := d.load()
	if err != nil {
		return nil, err
	}
	plaintext, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, key, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: unable to decrypt - %w", err)
	}
	return plaintext, nil
}

// Encrypt produces an OAEP ciphertext with the key's public half.
// Plaintext length is bounded by the key size.
func (d *Decryptor) Encrypt(plaintext []byte) ([]byte, error) {
	key, err := d.load()
	if err != nil {
		return nil, err
	}
	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &key.PublicKey, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: unable to encrypt - %w", err)
	}
	return ciphertext, nil
}
