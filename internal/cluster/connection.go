package cluster

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"radssh/internal/auth"
	"radssh/internal/config"
	"radssh/internal/knownhosts"
	"radssh/internal/sshopt"
)

// HostEntry names one host to manage: the label used in output, the
// destination to dial ("host", "host:port", "user@host:port"; empty
// means the label), and optionally a preconnected channel (a tunnel)
// which skips dialing and host key verification.
type HostEntry struct {
	Label       string
	Destination string
	Channel     net.Conn
}

// Connection is one managed transport: either an authenticated SSH
// client, or the sentinel error explaining why there isn't one. A
// label with a failed authentication keeps its Connection (and its
// addressability for reauth) but holds no live client.
type Connection struct {
	label string

	mu            sync.Mutex
	client        *ssh.Client
	err           error
	authFailed    bool
	peerAddr      string
	remoteVersion string
	username      string
	banner        string
	sftpClient    *sftp.Client
	shell         *persistentShell
	shared        bool // mux view over another label's physical client
}

// Label returns the connection's host label.
func (c *Connection) Label() string { return c.label }

// IsAuthenticated reports whether the transport is up and
// authenticated.
func (c *Connection) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// IsActive reports whether any transport state exists at all (an
// authenticated client, or a connect that failed only at the auth
// stage and may be retried).
func (c *Connection) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil || c.authFailed
}

// AuthFailed reports a connection that reached the server but
// exhausted every authentication method.
func (c *Connection) AuthFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authFailed
}

// Err returns the sentinel error for a failed connection.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// PeerAddr returns the remote IP, or "0.0.0.0" when unconnected.
func (c *Connection) PeerAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerAddr == "" {
		return "0.0.0.0"
	}
	return c.peerAddr
}

// RemoteVersion returns the server's version string, or a placeholder.
func (c *Connection) RemoteVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteVersion == "" {
		return "No Connection"
	}
	return c.remoteVersion
}

// Username returns the authenticated username.
func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// SFTP returns a lazily-created SFTP client over the transport.
func (c *Connection) SFTP() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, errors.New("cluster: not connected")
	}
	if c.sftpClient != nil {
		return c.sftpClient, nil
	}
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("cluster: unable to create SFTP client: %w", err)
	}
	c.sftpClient = client
	return c.sftpClient, nil
}

// Close sends the signoff sequence to a persistent shell, if any, and
// closes the transport exactly once. Mux views never close the shared
// physical client.
func (c *Connection) Close(signoff string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shared {
		c.client = nil
		return
	}
	if c.shell != nil && signoff != "" {
		c.shell.send(strings.ReplaceAll(signoff, ";", "\n") + "\n")
	}
	if c.sftpClient != nil {
		c.sftpClient.Close()
		c.sftpClient = nil
	}
	if c.shell != nil {
		c.shell.close()
		c.shell = nil
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// markLost records an in-flight transport loss and closes the client.
func (c *Connection) markLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.err = err
}

// persistentShell is the reused interactive session for servers that
// refuse exec channels. All commands on such a transport flow through
// this one channel; output is pumped into a persistent channel so the
// session loop can read with tick timeouts.
type persistentShell struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	output chan []byte
	mu     sync.Mutex
}

func openPersistentShell(client *ssh.Client) (*persistentShell, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	modes := ssh.TerminalModes{ssh.ECHO: 1}
	if err := sess.RequestPty("vt100", 43, 132, modes); err != nil {
		sess.Close()
		return nil, err
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, err
	}
	shell := &persistentShell{
		sess:   sess,
		stdin:  stdin,
		output: make(chan []byte, 64),
	}
	go pump(stdout, shell.output)
	return shell, nil
}

// pump copies reads into a channel until EOF, then closes it.
func pump(r io.Reader, ch chan<- []byte) {
	defer close(ch)
	buf := make([]byte, 16384)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			ch <- data
		}
		if err != nil {
			return
		}
	}
}

func (s *persistentShell) send(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.stdin, data)
	return err
}

// recv waits up to timeout for the next output chunk. ok is false on a
// timeout; a nil chunk with ok true means the stream ended.
func (s *persistentShell) recv(timeout time.Duration) ([]byte, bool) {
	select {
	case data, open := <-s.output:
		if !open {
			return nil, true
		}
		return data, true
	case <-time.After(timeout):
		return nil, false
	}
}

// drain discards any buffered output.
func (s *persistentShell) drain() {
	for {
		select {
		case _, open := <-s.output:
			if !open {
				return
			}
		default:
			return
		}
	}
}

func (s *persistentShell) close() {
	s.stdin.Close()
	s.sess.Close()
}

// connector carries the shared machinery a connect worker needs.
type connector struct {
	auth     *auth.AuthManager
	verifier *knownhosts.Verifier
	settings config.Settings
	log      *logrus.Entry
}

// x/crypto's supported algorithm names; configured lists are filtered
// against these the way unsupported names are skipped in ssh_config
// handling generally, rather than failing the handshake.
var (
	supportedCiphers = []string{
		"aes128-gcm@openssh.com", "aes256-gcm@openssh.com",
		"chacha20-poly1305@openssh.com",
		"aes128-ctr", "aes192-ctr", "aes256-ctr",
	}
	supportedKex = []string{
		"curve25519-sha256", "curve25519-sha256@libssh.org",
		"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521",
		"diffie-hellman-group16-sha512", "diffie-hellman-group14-sha256",
		"diffie-hellman-group14-sha1", "diffie-hellman-group-exchange-sha256",
	}
	supportedMACs = []string{
		"hmac-sha2-256-etm@openssh.com", "hmac-sha2-512-etm@openssh.com",
		"hmac-sha2-256", "hmac-sha2-512", "hmac-sha1", "hmac-sha1-96",
	}
	supportedHostKeys = []string{
		"ssh-ed25519-cert-v01@openssh.com",
		"ecdsa-sha2-nistp256-cert-v01@openssh.com",
		"ecdsa-sha2-nistp384-cert-v01@openssh.com",
		"ecdsa-sha2-nistp521-cert-v01@openssh.com",
		"rsa-sha2-512-cert-v01@openssh.com", "rsa-sha2-256-cert-v01@openssh.com",
		"ssh-rsa-cert-v01@openssh.com",
		"ssh-ed25519", "ecdsa-sha2-nistp256", "ecdsa-sha2-nistp384",
		"ecdsa-sha2-nistp521", "rsa-sha2-512", "rsa-sha2-256", "ssh-rsa", "ssh-dss",
	}
)

func filterSupported(requested, supported []string, log *logrus.Entry, kind string) []string {
	var out []string
	for _, name := range requested {
		ok := false
		for _, s := range supported {
			if name == s {
				ok = true
				break
			}
		}
		if ok {
			out = append(out, name)
		} else {
			log.Debugf("Ignoring %s %s (not supported)", kind, name)
		}
	}
	return out
}

// connect dials, verifies, and authenticates one host entry, returning
// a Connection that records either the live client or the failure.
func (cn *connector) connect(entry HostEntry, opts *sshopt.Options) *Connection {
	c := &Connection{label: entry.Label}
	hostname := opts.Hostname()
	if hostname == "" {
		hostname = entry.Label
	}
	port := opts.Port()
	user := opts.User()
	if user == "" {
		user = cn.auth.DefaultUser
	}

	var conn net.Conn
	var err error
	checkHostKey := true
	switch {
	case entry.Channel != nil:
		// Preconnected (tunneled) channel: reuse it and skip host key
		// verification.
		conn = entry.Channel
		checkHostKey = false
	case opts.Get("proxycommand") != "":
		proxy := opts.Get("proxycommand")
		cn.log.Infof("Connecting to %s via ProxyCommand %q", hostname, proxy)
		conn, err = dialProxyCommand(proxy, hostname, port)
	default:
		timeout := time.Duration(opts.Int("connecttimeout", 20)) * time.Second
		conn, err = net.DialTimeout("tcp", net.JoinHostPort(hostname, fmt.Sprintf("%d", port)), timeout)
	}
	if err != nil {
		c.err = fmt.Errorf("connect failed: %w", err)
		return c
	}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		c.peerAddr = addr.IP.String()
	}

	runLocalCommand(entry.Label, hostname, port, user, opts, cn.log)

	verifyHost := hostname
	if alias := opts.Get("hostkeyalias"); alias != "" {
		verifyHost = alias
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if checkHostKey {
		hostKeyCallback = cn.verifier.Callback(verifyHost, port, knownhosts.VerifyOptions{
			GlobalKnownHostsFile:  opts.Get("globalknownhostsfile"),
			UserKnownHostsFile:    opts.Get("userknownhostsfile"),
			StrictHostKeyChecking: opts.Get("stricthostkeychecking"),
			CheckHostIP:           opts.Yes("checkhostip"),
			HashKnownHosts:        opts.Yes("hashknownhosts"),
		})
	}

	peer := auth.Peer{Name: entry.Label, Addr: c.peerAddr}
	if peer.Addr == "" {
		peer.Addr = hostname
	}
	methods, attempt := cn.auth.Methods(peer, opts)

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		BannerCallback: func(message string) error {
			c.banner = message
			return nil
		},
		Timeout: time.Duration(opts.Int("connecttimeout", 20)) * time.Second,
	}
	if hk := cn.preferredHostKeys(verifyHost, port, opts); len(hk) > 0 {
		cfg.HostKeyAlgorithms = hk
	}
	cfg.Ciphers = filterSupported(opts.List("ciphers"), supportedCiphers, cn.log, "cipher")
	cfg.KeyExchanges = filterSupported(opts.List("kexalgorithms"), supportedKex, cn.log, "kex algorithm")
	cfg.MACs = filterSupported(opts.List("macs"), supportedMACs, cn.log, "MAC")

	addr := net.JoinHostPort(hostname, fmt.Sprintf("%d", port))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			c.authFailed = true
			c.err = fmt.Errorf("authentication failed: %w", err)
		} else {
			c.err = err
		}
		return c
	}
	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.remoteVersion = strings.TrimSpace(string(sshConn.ServerVersion()))
	c.username = user
	attempt.Commit()

	cn.forceTTY(c)
	return c
}

// isAuthError distinguishes auth exhaustion from transport-level
// connect failures.
func isAuthError(err error) bool {
	var conflict *knownhosts.ConflictError
	var revoked *knownhosts.RevokedKeyError
	if errors.As(err, &conflict) || errors.As(err, &revoked) {
		return false
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

// preferredHostKeys requests the key types already on file for the
// host, so verification can succeed against the recorded key; with
// nothing on file the composed HostKeyAlgorithms option applies.
func (cn *connector) preferredHostKeys(verifyHost string, port int, opts *sshopt.Options) []string {
	name := knownhosts.LookupName(verifyHost, port)
	var types []string
	for _, file := range []string{opts.Get("globalknownhostsfile"), opts.Get("userknownhostsfile")} {
		table, err := cn.verifier.Cache.Load(file)
		if err != nil {
			continue
		}
		for _, e := range table.MatchingKeys(name) {
			if e.Marker == "" && !contains(types, e.KeyType) {
				types = append(types, e.KeyType)
			}
		}
	}
	if len(types) > 0 {
		return filterSupported(types, supportedHostKeys, cn.log, "host key algorithm")
	}
	return filterSupported(opts.List("hostkeyalgorithms"), supportedHostKeys, cn.log, "host key algorithm")
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// forceTTY opens a persistent interactive shell when the server's
// version string matches the force_tty identifiers (devices that
// refuse exec channels), and sends the configured signon sequence.
func (cn *connector) forceTTY(c *Connection) {
	version := c.RemoteVersion()
	matched := false
	for _, id := range cn.settings.List("force_tty") {
		if id != "" && strings.Contains(version, id) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	shell, err := openPersistentShell(client)
	if err != nil {
		cn.log.Errorf("Unable to open persistent shell on %s: %v", c.label, err)
		return
	}
	if signon := cn.settings.Get("force_tty.signon"); signon != "" {
		shell.send(strings.ReplaceAll(signon, ";", "\n") + "\n")
		time.Sleep(500 * time.Millisecond)
	}
	shell.drain()
	// A final empty line triggers a fresh prompt.
	shell.send("\n")
	c.mu.Lock()
	c.shell = shell
	c.mu.Unlock()
}

// runLocalCommand runs the configured LocalCommand after connecting,
// with the OpenSSH percent-token substitutions.
func runLocalCommand(originalName, hostname string, port int, user string, opts *sshopt.Options, log *logrus.Entry) {
	if !opts.Yes("permitlocalcommand") {
		return
	}
	cmd := opts.Get("localcommand")
	if cmd == "" {
		return
	}
	if strings.Contains(cmd, "%") {
		home, _ := os.UserHomeDir()
		local, _ := os.Hostname()
		sum := sha1.Sum([]byte(local + hostname + fmt.Sprintf("%d", port) + user))
		replacements := map[string]string{
			"%d": home,
			"%h": hostname,
			"%l": local,
			"%n": originalName,
			"%p": fmt.Sprintf("%d", port),
			"%r": user,
			"%u": os.Getenv("USER"),
			"%C": fmt.Sprintf("%x", sum),
		}
		for token, value := range replacements {
			cmd = strings.ReplaceAll(cmd, token, value)
		}
	}
	log.Infof("Executing LocalCommand %q for connection to %s", cmd, originalName)
	p := exec.Command("/bin/sh", "-c", cmd)
	if err := p.Run(); err != nil {
		log.Debugf("LocalCommand %q failed: %v", cmd, err)
	}
}

// proxyCommandConn adapts a ProxyCommand subprocess's stdio to the
// net.Conn the SSH handshake needs.
type proxyCommandConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func dialProxyCommand(command, hostname string, port int) (net.Conn, error) {
	expanded := strings.ReplaceAll(command, "%h", hostname)
	expanded = strings.ReplaceAll(expanded, "%p", fmt.Sprintf("%d", port))
	cmd := exec.Command("/bin/sh", "-c", expanded)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &proxyCommandConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *proxyCommandConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *proxyCommandConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *proxyCommandConn) Close() error {
	p.stdin.Close()
	p.stdout.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

func (p *proxyCommandConn) LocalAddr() net.Addr                { return proxyAddr{} }
func (p *proxyCommandConn) RemoteAddr() net.Addr               { return proxyAddr{} }
func (p *proxyCommandConn) SetDeadline(t time.Time) error      { return nil }
func (p *proxyCommandConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *proxyCommandConn) SetWriteDeadline(t time.Time) error { return nil }

type proxyAddr struct{}

func (proxyAddr) Network() string { return "proxycommand" }
func (proxyAddr) String() string  { return "proxycommand" }
