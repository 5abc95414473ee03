package knownhosts

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// VerifyOptions carries the ssh_config settings that drive host key
// verification.
type VerifyOptions struct {
	GlobalKnownHostsFile  string
	UserKnownHostsFile    string
	StrictHostKeyChecking string // "yes", "no", or "ask"
	CheckHostIP           bool
	HashKnownHosts        bool
}

// ConflictError reports a known_hosts entry of the right key type whose
// key differs from the one the server presented, pointing at the
// offending file and line.
type ConflictError struct {
	Host string
	File string
	Line int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("host %s failed SSH key validation - conflicting entry [%s:%d]", e.Host, e.File, e.Line)
}

// RevokedKeyError reports a server key marked @revoked.
type RevokedKeyError struct {
	Host string
	File string
	Line int
}

func (e *RevokedKeyError) Error() string {
	return fmt.Sprintf("host %s presented a revoked key [%s:%d]", e.Host, e.File, e.Line)
}

// Verifier builds ssh.HostKeyCallback values backed by the shared file
// cache. The "a" (all) answer to an ask-mode prompt latches
// unconditional accept-and-add for the rest of the process.
type Verifier struct {
	Cache *Cache
	// Input prompts the operator and returns the entered line. When nil,
	// ask mode degrades to reject.
	Input func(prompt string) (string, error)

	mu        sync.Mutex
	acceptAll bool
}

// NewVerifier creates a verifier over its own cache.
func NewVerifier(input func(string) (string, error)) *Verifier {
	return &Verifier{Cache: NewCache(), Input: input}
}

// Callback returns a host key callback verifying against the
// known_hosts files named in opts, using verifyHost (normally the
// hostname or HostKeyAlias) and port to form lookup names.
func (v *Verifier) Callback(verifyHost string, port int, opts VerifyOptions) ssh.HostKeyCallback {
	return func(dialed string, remote net.Addr, key ssh.PublicKey) error {
		return v.verify(verifyHost, port, remote, key, opts)
	}
}

func (v *Verifier) verify(host string, port int, remote net.Addr, key ssh.PublicKey, opts VerifyOptions) error {
	global, err := v.Cache.Load(opts.GlobalKnownHostsFile)
	if err != nil {
		return err
	}
	user, err := v.Cache.Load(opts.UserKnownHostsFile)
	if err != nil {
		return err
	}

	name := LookupName(host, port)
	matched, err := checkEntries(name, key, append(global.MatchingKeys(name), user.MatchingKeys(name)...))
	if err != nil {
		return err
	}
	addHost := !matched
	if addHost && strings.EqualFold(opts.StrictHostKeyChecking, "yes") {
		return fmt.Errorf("missing known_hosts entry for: %s", name)
	}

	addIP := false
	ipName := ""
	if opts.CheckHostIP && remote != nil {
		if ip, _, err := net.SplitHostPort(remote.String()); err == nil {
			ipName = LookupName(ip, port)
			ipMatched, err := checkEntries(ipName, key, append(global.MatchingKeys(ipName), user.MatchingKeys(ipName)...))
			if err != nil {
				return err
			}
			addIP = !ipMatched
			if addIP && strings.EqualFold(opts.StrictHostKeyChecking, "yes") {
				return fmt.Errorf("missing known_hosts entry for IP: %s (%s)", ipName, name)
			}
		}
	}

	if !addHost && !addIP {
		return nil
	}
	var patterns []string
	if addHost {
		patterns = append(patterns, name)
	}
	if addIP && ipName != "" && ipName != name {
		patterns = append(patterns, ipName)
	}
	if !strings.EqualFold(opts.StrictHostKeyChecking, "no") {
		// ask mode: prompt once per connection, with "all" latching.
		if !v.confirm(name, key) {
			return fmt.Errorf("declined host key for %s - aborting connection", strings.Join(patterns, ","))
		}
	}
	return v.persist(user, patterns, key, opts.HashKnownHosts)
}

// checkEntries scans matches for the presented key: an equal key
// accepts (unless revoked), a same-type different key is a conflict, a
// cert-authority entry vouching for a presented certificate accepts.
func checkEntries(name string, key ssh.PublicKey, entries []*Entry) (bool, error) {
	keyBlob := key.Marshal()
	cert, isCert := key.(*ssh.Certificate)
	for _, e := range entries {
		switch e.Marker {
		case MarkerRevoked:
			if e.KeyType == key.Type() && bytes.Equal(e.KeyBlob, keyBlob) {
				return false, &RevokedKeyError{Host: name, File: e.File, Line: e.Line}
			}
			if isCert && bytes.Equal(e.KeyBlob, cert.SignatureKey.Marshal()) {
				return false, &RevokedKeyError{Host: name, File: e.File, Line: e.Line}
			}
		case MarkerCertAuthority:
			if isCert && bytes.Equal(e.KeyBlob, cert.SignatureKey.Marshal()) {
				return true, nil
			}
		default:
			if e.KeyType != key.Type() {
				continue
			}
			if bytes.Equal(e.KeyBlob, keyBlob) {
				return true, nil
			}
			return false, &ConflictError{Host: name, File: e.File, Line: e.Line}
		}
	}
	return false, nil
}

// confirm runs the ask-mode prompt. Answering "a" accepts this and all
// subsequent unknown keys for the process lifetime.
func (v *Verifier) confirm(name string, key ssh.PublicKey) bool {
	v.mu.Lock()
	latched := v.acceptAll
	v.mu.Unlock()
	if latched {
		return true
	}
	if v.Input == nil {
		return false
	}
	prompt := fmt.Sprintf("Unverified connection to %q\n(Host Key Fingerprint [%s])\nDo you want to accept this key? (y/n/a): ",
		name, ssh.FingerprintSHA256(key))
	answer, err := v.Input(prompt)
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "a", "all":
		v.mu.Lock()
		v.acceptAll = true
		v.mu.Unlock()
		return true
	case "y", "yes":
		return true
	}
	return false
}

// persist appends the accepted key to the user known_hosts file. With
// hashing enabled each pattern becomes its own hashed line; otherwise
// all patterns share a single line.
func (v *Verifier) persist(user *File, patterns []string, key ssh.PublicKey, hashed bool) error {
	if len(patterns) == 0 {
		return nil
	}
	if hashed {
		for _, p := range patterns {
			h, err := HashHost(p)
			if err != nil {
				return err
			}
			if err := user.Append(h, key); err != nil {
				return err
			}
		}
		return nil
	}
	return user.Append(strings.Join(patterns, ","), key)
}
