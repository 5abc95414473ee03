// Package knownhosts reads and matches OpenSSH known_hosts files,
// with support for the constructs the format actually allows in the
// wild: wildcard and negated patterns, hashed hostnames, non-default
// port forms, and the @revoked / @cert-authority markers. Key blobs
// are decoded lazily, so loading a large file costs no key parsing.
package knownhosts

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Markers recognized on a known_hosts line.
const (
	MarkerRevoked       = "@revoked"
	MarkerCertAuthority = "@cert-authority"
)

// Entry is one known_hosts line. Lines that fail to parse are kept as
// inert placeholders so the file can be rewritten without loss.
type Entry struct {
	File    string
	Line    int
	Raw     string
	Marker  string
	KeyType string
	KeyBlob []byte
	Comment string

	hosts      []string
	wildcards  []string
	negations  []string
	hashedHost string

	mu     sync.Mutex
	key    ssh.PublicKey
	keyErr error
}

// fnmatch does shell-style wildcard matching the way OpenSSH pattern
// lists do ('*' and '?'; hostnames never contain path separators, so
// path.Match semantics line up). Malformed patterns never match.
func fnmatch(name, pattern string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// parseEntry interprets one line of a known_hosts file.
func parseEntry(file string, lineno int, raw string) *Entry {
	e := &Entry{File: file, Line: lineno, Raw: raw}
	contents := strings.TrimSpace(raw)
	if contents == "" || strings.HasPrefix(contents, "#") {
		e.Comment = contents
		return e
	}
	fields := strings.Fields(contents)
	if strings.HasPrefix(fields[0], "@") {
		marker := fields[0]
		if marker != MarkerRevoked && marker != MarkerCertAuthority || len(fields) < 2 {
			return e
		}
		e.Marker = marker
		fields = fields[1:]
	}
	if len(fields) < 3 {
		return e
	}
	patterns, keyType, keyValue := fields[0], fields[1], fields[2]
	blob, err := base64.StdEncoding.DecodeString(keyValue)
	if err != nil {
		return e
	}
	e.KeyType = keyType
	e.KeyBlob = blob
	if len(fields) > 3 {
		e.Comment = strings.Join(fields[3:], " ")
	}
	// Classify each pattern into exactly one bucket.
	for _, p := range strings.Split(patterns, ",") {
		switch {
		case strings.HasPrefix(p, "!"):
			e.negations = append(e.negations, p[1:])
		case strings.HasPrefix(p, "|1|"):
			e.hashedHost = p
		case strings.ContainsAny(p, "*?"):
			e.wildcards = append(e.wildcards, p)
		default:
			e.hosts = append(e.hosts, p)
		}
	}
	return e
}

// Match reports whether hostname matches this entry. A matching
// negation defeats the entry outright; otherwise hashed, literal, and
// wildcard patterns are consulted in that order. Callers must pass
// non-default ports as "[host]:port".
func (e *Entry) Match(hostname string) bool {
	if e.KeyType == "" {
		return false
	}
	for _, p := range e.negations {
		if fnmatch(hostname, p) {
			return false
		}
	}
	if e.hashedHost != "" && hashMatch(hostname, e.hashedHost) {
		return true
	}
	for _, h := range e.hosts {
		if h == hostname {
			return true
		}
	}
	for _, p := range e.wildcards {
		if fnmatch(hostname, p) {
			return true
		}
	}
	return false
}

// Key decodes and returns the entry's public key, caching the result.
func (e *Entry) Key() (ssh.PublicKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.key != nil || e.keyErr != nil {
		return e.key, e.keyErr
	}
	if e.KeyType == "" {
		e.keyErr = fmt.Errorf("knownhosts: %s:%d has no key", e.File, e.Line)
		return nil, e.keyErr
	}
	e.key, e.keyErr = ssh.ParsePublicKey(e.KeyBlob)
	return e.key, e.keyErr
}

// Fingerprint renders the entry key's fingerprint, "SHA256:<b64>" by
// default or the legacy "MD5:xx:xx:..." form for algo "md5".
func (e *Entry) Fingerprint(algo string) (string, error) {
	key, err := e.Key()
	if err != nil {
		return "", err
	}
	if strings.EqualFold(algo, "md5") {
		return "MD5:" + ssh.FingerprintLegacyMD5(key), nil
	}
	return ssh.FingerprintSHA256(key), nil
}

// hashMatch checks a hostname against a "|1|salt|digest" hashed
// pattern (HMAC-SHA1 keyed by the salt).
func hashMatch(hostname, hashed string) bool {
	parts := strings.Split(hashed, "|")
	if len(parts) != 4 || parts[1] != "1" {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(hostname))
	return hmac.Equal(mac.Sum(nil), want)
}

// HashHost produces a fresh hashed pattern for hostname, suitable for
// writing when HashKnownHosts is enabled.
func HashHost(hostname string) (string, error) {
	salt := make([]byte, sha1.Size)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(hostname))
	return fmt.Sprintf("|1|%s|%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(mac.Sum(nil))), nil
}

// LookupName renders a host/port pair the way known_hosts records it:
// the bare host for port 22, "[host]:port" otherwise.
func LookupName(host string, port int) string {
	if port == 0 || port == 22 {
		return host
	}
	return fmt.Sprintf("[%s]:%d", host, port)
}

// File holds the parsed entries of one known_hosts file.
type File struct {
	Path    string
	Entries []*Entry
}

// Load reads a known_hosts file. A missing file yields an empty table,
// not an error; hosts simply won't match.
func Load(filename string) (*File, error) {
	p := expandUser(filename)
	f := &File{Path: p}
	fh, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, err
	}
	defer fh.Close()
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		f.Entries = append(f.Entries, parseEntry(p, lineno, scanner.Text()))
	}
	return f, scanner.Err()
}

// MatchingKeys returns every entry matching hostname. Markers are
// preserved on the results; it is the caller's job to treat @revoked
// and @cert-authority entries accordingly.
func (f *File) MatchingKeys(hostname string) []*Entry {
	var out []*Entry
	for _, e := range f.Entries {
		if e.Match(hostname) {
			out = append(out, e)
		}
	}
	return out
}

// Append writes a new entry line for the given patterns and key,
// creating the file if needed. Existing lines are never touched.
func (f *File) Append(patterns string, key ssh.PublicKey) error {
	fh, err := os.OpenFile(f.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer fh.Close()
	line := fmt.Sprintf("%s %s %s\n", patterns, key.Type(),
		base64.StdEncoding.EncodeToString(key.Marshal()))
	if _, err := fh.WriteString(line); err != nil {
		return err
	}
	f.Entries = append(f.Entries, parseEntry(f.Path, len(f.Entries)+1, strings.TrimSuffix(line, "\n")))
	return nil
}

// Cache memoizes loaded known_hosts files by canonical path, so many
// concurrent connection workers share one parse per file.
type Cache struct {
	mu    sync.Mutex
	files map[string]*File
}

// NewCache creates an empty file cache.
func NewCache() *Cache {
	return &Cache{files: make(map[string]*File)}
}

// Load returns the cached table for filename, loading it on first use.
func (c *Cache) Load(filename string) (*File, error) {
	p := expandUser(filename)
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.files[p]; ok {
		return f, nil
	}
	f, err := Load(p)
	if err != nil {
		return nil, err
	}
	c.files[p] = f
	return f, nil
}

// Flush drops all cached tables, forcing reloads.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.files = make(map[string]*File)
	c.mu.Unlock()
}

func expandUser(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
