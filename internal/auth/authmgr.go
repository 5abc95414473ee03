package auth

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"radssh/internal/config"
	"radssh/internal/sshopt"
)

type filteredKey struct {
	filter Filter
	key    *KeyFile
}

type filteredPassword struct {
	filter Filter
	pw     Password
}

// Options configures AuthManager construction.
type Options struct {
	// AuthFile is the supplemental credentials file; empty skips it.
	AuthFile string
	// DefaultPassword seeds the universal password.
	DefaultPassword string
	// DisableAgent turns off ssh-agent key lookups.
	DisableAgent bool
	// Prompt asks the operator for a password or passphrase.
	Prompt func(prompt string) (string, error)
	// DecryptKeyPath is the RSA key used for encrypted authfile
	// passwords (default ~/.ssh/id_rsa).
	DecryptKeyPath string
}

// AuthManager holds the candidate credentials for a run and assembles
// per-connection authentication method chains.
type AuthManager struct {
	DefaultUser string

	prompt    func(string) (string, error)
	decryptor *Decryptor
	log       *logrus.Entry

	mu               sync.Mutex
	keys             []filteredKey
	passwords        []filteredPassword
	defaultPasswords map[string]Password // "" is the universal default
	identityCache    map[string]*KeyFile

	agentEnabled bool
	agentMu      sync.Mutex
	agentConn    net.Conn
	agentClient  agent.ExtendedAgent
}

// New creates an AuthManager for defaultUser (falling back to
// $SSH_USER, $USER, $USERNAME) and loads the authfile if given.
func New(defaultUser string, opts Options) *AuthManager {
	if defaultUser == "" {
		for _, env := range []string{"SSH_USER", "USER", "USERNAME"} {
			if v := os.Getenv(env); v != "" {
				defaultUser = v
				break
			}
		}
	}
	keyPath := opts.DecryptKeyPath
	if keyPath == "" {
		keyPath = config.ExpandUser("~/.ssh/id_rsa")
	}
	am := &AuthManager{
		DefaultUser:      defaultUser,
		prompt:           opts.Prompt,
		decryptor:        NewDecryptor(keyPath, opts.Prompt),
		log:              logrus.WithField("subsys", "auth"),
		defaultPasswords: make(map[string]Password),
		identityCache:    make(map[string]*KeyFile),
		agentEnabled:     !opts.DisableAgent && os.Getenv("SSH_AUTH_SOCK") != "",
	}
	if opts.DefaultPassword != "" {
		am.AddPassword(PlainPassword(opts.DefaultPassword), "")
	}
	if opts.AuthFile != "" {
		am.ReadAuthFile(config.ExpandUser(opts.AuthFile))
	}
	return am
}

func (am *AuthManager) String() string {
	am.mu.Lock()
	defer am.mu.Unlock()
	agentState := "Disabled"
	if am.agentEnabled {
		agentState = "Enabled"
	}
	return fmt.Sprintf("<AuthManager for %s : [%d Keys, Agent %s, %d Passwords]>",
		am.DefaultUser, len(am.keys), agentState, len(am.passwords))
}

// ReadAuthFile loads credentials from an authfile. Each non-comment
// line is type|value or type|filter|value; a line with no type field
// is a plaintext password.
func (am *AuthManager) ReadAuthFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		// A missing authfile is not an error.
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		fields := strings.SplitN(line, "|", 3)
		var filter Filter
		if len(fields) == 3 {
			filter = Filter(fields[1])
			fields = []string{fields[0], fields[2]}
		}
		data := fields[len(fields)-1]
		switch {
		case fields[0] == "password" || len(fields) == 1:
			am.AddPassword(PlainPassword(data), filter)
			am.log.Infof("PlainText password loaded from %s (line %d)", path, lineno)
		case fields[0] == "PKCSOAEP":
			ciphertext, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				am.log.Errorf("Failed to load base64 encrypted password from %s (line %d): %v", path, lineno, err)
				continue
			}
			am.AddPassword(NewEncryptedPassword(ciphertext, am.decryptor), filter)
			am.log.Infof("Encrypted password loaded from %s (line %d)", path, lineno)
		case fields[0] == "keyfile":
			k := config.ExpandUser(data)
			if _, err := os.Stat(k); err != nil {
				am.log.Errorf("Nonexistent private key file [%s] referenced by %s (line %d)", k, path, lineno)
				continue
			}
			am.AddKey(k, filter)
			am.log.Infof("Deferred load of SSH private key [%s] from %s (line %d)", k, path, lineno)
		default:
			am.log.Errorf("Unsupported auth type %q referenced in %s (line %d)", fields[0], path, lineno)
		}
	}
}

// AddPassword appends a password candidate. An unfiltered password
// becomes the single universal default.
func (am *AuthManager) AddPassword(pw Password, filter Filter) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if filter != "" {
		am.passwords = append(am.passwords, filteredPassword{filter: filter, pw: pw})
		return
	}
	am.defaultPasswords[""] = pw
}

// AddKey appends an explicit key file candidate, separate from agent
// keys. The decode is deferred; one KeyFile is shared per path.
func (am *AuthManager) AddKey(path string, filter Filter) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.keys = append(am.keys, filteredKey{filter: filter, key: am.keyFileLocked(path)})
}

func (am *AuthManager) keyFileLocked(path string) *KeyFile {
	if k, ok := am.identityCache[path]; ok {
		return k
	}
	k := &KeyFile{Path: path, Prompt: am.prompt}
	am.identityCache[path] = k
	return k
}

// InteractivePassword prompts for the universal default password.
func (am *AuthManager) InteractivePassword() error {
	if am.prompt == nil {
		return errors.New("auth: no prompt available")
	}
	pw, err := am.prompt(fmt.Sprintf("Please enter a password for (%s) :", am.DefaultUser))
	if err != nil {
		return err
	}
	am.AddPassword(PlainPassword(pw), "")
	return nil
}

// CachedPassword returns the remembered working password for user.
func (am *AuthManager) CachedPassword(user string) Password {
	am.mu.Lock()
	defer am.mu.Unlock()
	if pw, ok := am.defaultPasswords[user]; ok {
		return pw
	}
	return am.defaultPasswords[""]
}

// Attempt tracks one connection's authentication sequence so a
// successful password can be cached for the user afterwards.
type Attempt struct {
	manager *AuthManager
	user    string

	mu           sync.Mutex
	candidates   []Password
	index        int
	prompts      int
	repeats      int
	lastPassword Password
}

// User returns the username the attempt authenticates as.
func (a *Attempt) User() string { return a.user }

// Commit records the last offered password as the working password for
// the attempt's user. Call after a successful handshake.
func (a *Attempt) Commit() {
	a.mu.Lock()
	last := a.lastPassword
	a.mu.Unlock()
	if last == nil {
		return
	}
	a.manager.mu.Lock()
	a.manager.defaultPasswords[a.user] = last
	a.manager.mu.Unlock()
}

// nextPassword produces the next password candidate: stored filtered
// passwords, then the universal default, then the cached per-user
// password, then interactive prompts. Once the well runs dry the last
// password is repeated a bounded number of times for servers that
// re-request the password method mid-exchange.
func (a *Attempt) nextPassword(peerName string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.index < len(a.candidates) {
		pw := a.candidates[a.index]
		a.index++
		plain, err := pw.Reveal()
		if err != nil {
			a.manager.log.Debugf("Unusable password value: %v", err)
			continue
		}
		a.lastPassword = pw
		return plain, nil
	}
	if a.prompts > 0 && a.manager.prompt != nil {
		a.prompts--
		plain, err := a.manager.prompt(fmt.Sprintf("Please enter a password for (%s@%s) :", a.user, peerName))
		if err != nil {
			return "", err
		}
		a.lastPassword = PlainPassword(plain)
		return plain, nil
	}
	if a.lastPassword != nil && a.repeats < 3 {
		a.repeats++
		return a.lastPassword.Reveal()
	}
	return "", errors.New("auth: password candidates exhausted")
}

// Methods assembles the ordered authentication method chain for one
// peer, honoring PreferredAuthentications and the per-method enable
// options. The returned Attempt should be committed on success.
func (am *AuthManager) Methods(peer Peer, opts *sshopt.Options) ([]ssh.AuthMethod, *Attempt) {
	user := opts.User()
	if user == "" {
		user = am.DefaultUser
	}
	batch := opts.Yes("batchmode")
	allowPrompt := !batch

	attempt := &Attempt{manager: am, user: user}
	attempt.candidates = am.passwordCandidates(peer)
	am.mu.Lock()
	if pw, ok := am.defaultPasswords[user]; ok && user != "" {
		attempt.candidates = append(attempt.candidates, pw)
	}
	am.mu.Unlock()
	attempt.prompts = opts.Int("numberofpasswordprompts", 3)
	if batch || am.prompt == nil {
		attempt.prompts = 0
	}

	var methods []ssh.AuthMethod
	seen := map[string]bool{}
	for _, authType := range opts.List("preferredauthentications") {
		if seen[authType] {
			continue
		}
		seen[authType] = true
		switch authType {
		case "publickey":
			if !opts.Yes("pubkeyauthentication") {
				continue
			}
			methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
				return am.signers(peer, opts, allowPrompt)
			}))
		case "password":
			if !opts.Yes("passwordauthentication") {
				continue
			}
			tries := len(attempt.candidates) + attempt.prompts + 3
			methods = append(methods, ssh.RetryableAuthMethod(ssh.PasswordCallback(func() (string, error) {
				return attempt.nextPassword(peer.Name)
			}), tries))
		case "keyboard-interactive":
			if !opts.Yes("kbdinteractiveauthentication") {
				continue
			}
			tries := len(attempt.candidates) + attempt.prompts + 3
			methods = append(methods, ssh.RetryableAuthMethod(ssh.KeyboardInteractive(
				func(name, instruction string, questions []string, echos []bool) ([]string, error) {
					if len(questions) == 0 {
						return nil, nil
					}
					pw, err := attempt.nextPassword(peer.Name)
					if err != nil {
						return nil, err
					}
					answers := make([]string, len(questions))
					for i := range answers {
						answers[i] = pw
					}
					return answers, nil
				}), tries))
		}
	}
	return methods, attempt
}

// passwordCandidates builds the static password candidate list for a
// peer: filter-matched stored passwords, then the universal default.
func (am *AuthManager) passwordCandidates(peer Peer) []Password {
	am.mu.Lock()
	defer am.mu.Unlock()
	var out []Password
	for _, fp := range am.passwords {
		if fp.filter.Matches(peer) {
			out = append(out, fp.pw)
		}
	}
	if pw, ok := am.defaultPasswords[""]; ok {
		out = append(out, pw)
	}
	return out
}

// signers assembles public key candidates in attempt order: identity
// files from configuration, then (unless IdentitiesOnly) the explicit
// authfile keys matching the peer, then agent keys.
func (am *AuthManager) signers(peer Peer, opts *sshopt.Options, allowPrompt bool) ([]ssh.Signer, error) {
	var out []ssh.Signer
	for _, keyfile := range opts.IdentityFiles() {
		p := config.ExpandUser(keyfile)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		am.mu.Lock()
		k := am.keyFileLocked(p)
		am.mu.Unlock()
		signer, err := k.Signer(allowPrompt)
		if err != nil {
			am.log.Debugf("Skipping SSH key %s (%v)", p, err)
			continue
		}
		out = append(out, signer)
	}
	if !opts.Yes("identitiesonly") {
		am.mu.Lock()
		keys := append([]filteredKey(nil), am.keys...)
		am.mu.Unlock()
		for _, fk := range keys {
			if !fk.filter.Matches(peer) {
				continue
			}
			signer, err := fk.key.Signer(allowPrompt)
			if err != nil {
				am.log.Debugf("Skipping SSH key %s (%v)", fk.key.Path, err)
				continue
			}
			out = append(out, signer)
		}
		if agentSigners := am.agentSigners(); len(agentSigners) > 0 {
			out = append(out, agentSigners...)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("auth: no usable keys")
	}
	return out, nil
}

// agentSigners returns the running agent's signers, dialing the agent
// socket lazily and retrying a stale connection once.
func (am *AuthManager) agentSigners() []ssh.Signer {
	if !am.agentEnabled {
		return nil
	}
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}
	am.agentMu.Lock()
	defer am.agentMu.Unlock()
	if am.agentClient != nil {
		if signers, err := am.agentClient.Signers(); err == nil {
			return signers
		}
		am.agentConn.Close()
		am.agentClient = nil
		am.agentConn = nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		am.log.Debugf("No usable ssh-agent: %v", err)
		return nil
	}
	am.agentConn = conn
	am.agentClient = agent.NewClient(conn)
	signers, err := am.agentClient.Signers()
	if err != nil {
		return nil
	}
	return signers
}

// CloseAgent closes the shared agent connection, if open.
func (am *AuthManager) CloseAgent() {
	am.agentMu.Lock()
	defer am.agentMu.Unlock()
	if am.agentConn != nil {
		am.agentConn.Close()
		am.agentConn = nil
		am.agentClient = nil
	}
}

// KeyCount returns the number of explicit key credentials loaded.
func (am *AuthManager) KeyCount() int {
	am.mu.Lock()
	defer am.mu.Unlock()
	return len(am.keys)
}

// PasswordCount returns the number of filtered password credentials.
func (am *AuthManager) PasswordCount() int {
	am.mu.Lock()
	defer am.mu.Unlock()
	return len(am.passwords)
}
