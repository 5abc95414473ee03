package auth

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Password is a credential that can produce a plaintext password.
// Implementations may defer expensive work (decryption) until first
// use.
type Password interface {
	Reveal() (string, error)
}

// PlainPassword is a password stored in the clear.
type PlainPassword string

// Reveal returns the password.
func (p PlainPassword) Reveal() (string, error) { return string(p), nil }

// EncryptedPassword holds an RSAES-OAEP ciphertext and decrypts it
// lazily through a shared Decryptor, caching the plaintext under a
// per-credential lock so concurrent workers decrypt once.
type EncryptedPassword struct {
	ciphertext []byte
	decryptor  *Decryptor

	mu        sync.Mutex
	plaintext string
	done      bool
	err       error
}

// NewEncryptedPassword wraps a raw ciphertext with its decryptor.
func NewEncryptedPassword(ciphertext []byte, d *Decryptor) *EncryptedPassword {
	return &EncryptedPassword{ciphertext: ciphertext, decryptor: d}
}

// Reveal decrypts on first call and caches the outcome, success or
// failure.
func (p *EncryptedPassword) Reveal() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done {
		plain, err := p.decryptor.Decrypt(p.ciphertext)
		p.plaintext, p.err = string(plain), err
		p.done = true
	}
	return p.plaintext, p.err
}

// KeyFile is a private key credential whose decode is deferred until
// the key is actually offered: passphrase prompting only happens when
// unavoidable, and a terminal load failure skips the credential on
// every later attempt without re-prompting.
type KeyFile struct {
	Path string
	// Prompt asks for the key passphrase; nil forbids prompting.
	Prompt func(prompt string) (string, error)

	mu     sync.Mutex
	signer ssh.Signer
	err    error
	loaded bool
}

// Signer decodes the key on first use. allowPrompt permits an
// interactive passphrase prompt with up to 3 retries.
func (k *KeyFile) Signer(allowPrompt bool) (ssh.Signer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.loaded {
		return k.signer, k.err
	}
	k.loaded = true
	data, err := os.ReadFile(k.Path)
	if err != nil {
		k.err = fmt.Errorf("auth: unable to read key %s: %w", k.Path, err)
		return nil, k.err
	}
	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if !allowPrompt || k.Prompt == nil {
			k.err = fmt.Errorf("auth: key %s is passphrase-protected", k.Path)
			return nil, k.err
		}
		for retries := 3; retries > 0; retries-- {
			passphrase, perr := k.Prompt(fmt.Sprintf("Enter passphrase for key [%s]: ", k.Path))
			if perr != nil {
				break
			}
			signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
			if err == nil {
				break
			}
		}
		if err != nil {
			k.err = fmt.Errorf("auth: 3 failed passphrase attempts for %s", k.Path)
			return nil, k.err
		}
	} else if err != nil {
		k.err = fmt.Errorf("auth: unrecognized key %s: %w", k.Path, err)
		return nil, k.err
	}
	k.signer = signer
	return k.signer, nil
}

// Peer describes the remote endpoint a credential filter is matched
// against.
type Peer struct {
	// Name is the transport's display name (the host label).
	Name string
	// Addr is the IP (or host) being dialed.
	Addr string
}

// Filter restricts a credential to matching peers. A filter is either
// a CIDR block, an IP glob (wildcards over the dotted form), or a
// shell-style pattern matched against the peer's display name. The
// empty filter (or "*") matches everything.
type Filter string

// Matches reports whether the filter admits the peer.
func (f Filter) Matches(peer Peer) bool {
	pattern := string(f)
	if pattern == "" || pattern == "*" {
		return true
	}
	if prefix, err := netip.ParsePrefix(pattern); err == nil {
		addr, err := netip.ParseAddr(peer.Addr)
		return err == nil && prefix.Contains(addr)
	}
	if looksLikeIPGlob(pattern) {
		ok, err := path.Match(pattern, peer.Addr)
		return err == nil && ok
	}
	ok, err := path.Match(pattern, peer.Name)
	return err == nil && ok
}

// looksLikeIPGlob reports whether the pattern is composed entirely of
// IPv4 glob characters (digits, dots, wildcards, ranges).
func looksLikeIPGlob(pattern string) bool {
	return strings.Trim(pattern, "0123456789.*?[]-") == ""
}
