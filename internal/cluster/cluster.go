package cluster

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"radssh/internal/auth"
	"radssh/internal/config"
	"radssh/internal/console"
	"radssh/internal/dispatch"
	"radssh/internal/knownhosts"
	"radssh/internal/sshopt"
)

// Output modes for RunCommand.
const (
	OutputStream  = "stream"  // wall-clock interleave, tagged per host
	OutputOrdered = "ordered" // held back and emitted in submit order
	OutputOff     = "off"     // results retained, nothing streamed
)

// Config carries the collaborators a Cluster needs. Zero-value fields
// get sensible defaults.
type Config struct {
	Auth     *auth.AuthManager
	Console  *console.Console
	Queue    *console.Queue
	Options  *sshopt.Config
	Settings config.Settings
	Verifier *knownhosts.Verifier
}

// Cluster owns a set of host connections, an AuthManager, a Console,
// and a Dispatcher, and fans identical commands (or file transfers)
// out across every enabled, authenticated host.
type Cluster struct {
	auth       *auth.AuthManager
	console    *console.Console
	queue      *console.Queue
	optcfg     *sshopt.Config
	settings   config.Settings
	verifier   *knownhosts.Verifier
	dispatcher *dispatch.Dispatcher
	log        *logrus.Entry

	uuid    string
	entries map[string]HostEntry

	mu             sync.RWMutex
	connections    map[string]*Connection
	connectTimings map[string]time.Duration
	disabled       map[string]struct{}
	lastResult     map[string]dispatch.JobSummary
	userVars       map[string]string
	reversePort    map[string]int
	muxVars        map[string]string

	pending map[dispatch.JobID]string

	quota      Quota
	abort      *AbortFlag
	interrupts chan struct{}

	ChunkSize  int
	ChunkDelay time.Duration
	OutputMode string
}

// New creates a cluster from host entries, submitting a
// connect-and-authenticate job per entry and waiting for the results.
func New(hosts []HostEntry, cfg Config) *Cluster {
	cl := newShell(len(hosts), cfg)
	for _, entry := range hosts {
		cl.entries[entry.Label] = entry
		cl.submitConnect(entry)
	}
	cl.updateConnections()
	// Make sure enough workers exist for full-width command fan-out.
	cl.dispatcher.Grow(len(cl.connections))
	return cl
}

// newShell builds a cluster skeleton without submitting connections.
func newShell(hostCount int, cfg Config) *Cluster {
	settings := cfg.Settings
	if settings == nil {
		settings = config.LoadDefaults()
	}
	am := cfg.Auth
	if am == nil {
		am = auth.New("", auth.Options{})
	}
	q := cfg.Queue
	cons := cfg.Console
	if cons == nil {
		// Bound the console queue to 4x the connection count to
		// back-pressure producers under extreme output volume.
		q = console.NewQueue(minInt(100, maxInt(4, 4*hostCount)))
		cons = console.New(q, console.Colorized, settings.Int("stalled_job_buffer", 0))
	}
	optcfg := cfg.Options
	if optcfg == nil {
		optcfg = sshopt.Load(nil, nil, settings.Get("ssh_config"), "/etc/ssh/ssh_config")
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = knownhosts.NewVerifier(cons.UserInput)
	}
	threads := minInt(settings.Int("max_threads", 120), maxInt(1, hostCount))
	cl := &Cluster{
		auth:           am,
		console:        cons,
		queue:          q,
		optcfg:         optcfg,
		settings:       settings,
		verifier:       verifier,
		dispatcher:     dispatch.New(threads),
		log:            logrus.WithField("subsys", "connection"),
		uuid:           uuid.NewString(),
		entries:        make(map[string]HostEntry),
		connections:    make(map[string]*Connection),
		connectTimings: make(map[string]time.Duration),
		disabled:       make(map[string]struct{}),
		userVars:       make(map[string]string),
		reversePort:    make(map[string]int),
		muxVars:        make(map[string]string),
		pending:        make(map[dispatch.JobID]string),
		quota:          QuotaFromSettings(settings),
		abort:          &AbortFlag{},
		interrupts:     make(chan struct{}, 2),
		OutputMode:     settings.Get("output_mode"),
	}
	if cl.OutputMode == "" {
		cl.OutputMode = OutputStream
	}
	return cl
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Interrupt delivers one operator interrupt (Ctrl-C) to the running
// cluster operation. Safe to call from a signal handler goroutine.
func (cl *Cluster) Interrupt() {
	select {
	case cl.interrupts <- struct{}{}:
	default:
	}
}

func (cl *Cluster) interrupted() bool {
	select {
	case <-cl.interrupts:
		return true
	default:
		return false
	}
}

// submitConnect queues the connect+authenticate job for one entry.
func (cl *Cluster) submitConnect(entry HostEntry) {
	cn := &connector{auth: cl.auth, verifier: cl.verifier, settings: cl.settings, log: cl.log}
	spec := entry.Destination
	if spec == "" {
		spec = entry.Label
	}
	opts := cl.optcfg.Options(spec)
	id, err := cl.dispatcher.Submit(func() (any, error) {
		return cn.connect(entry, opts), nil
	})
	if err != nil {
		cl.mu.Lock()
		cl.connections[entry.Label] = &Connection{label: entry.Label, err: err}
		cl.mu.Unlock()
		return
	}
	cl.pending[id] = entry.Label
}

// updateConnections pulls completed connect jobs into the connections
// map, emitting one progress glyph per host: "." authenticated, "O"
// connected without authentication, "X" failed. An operator interrupt
// abandons the dispatcher (workers may be wedged in handshakes that
// cannot be cancelled), replaces it, and marks the still-pending hosts
// failed.
func (cl *Cluster) updateConnections() {
	for len(cl.pending) > 0 {
		if cl.interrupted() {
			cl.console.Message(fmt.Sprintf("Aborting %d pending connections", len(cl.pending)), "Ctrl-C")
			cl.mu.Lock()
			for _, label := range cl.pending {
				cl.console.Message(label, "FAILED CONNECTION")
				cl.connections[label] = &Connection{label: label, err: errors.New("failed to connect/Ctrl-C")}
				cl.log.Warnf("Aborted connect to %s: Ctrl-C", label)
			}
			cl.mu.Unlock()
			cl.pending = make(map[dispatch.JobID]string)
			// Blocked workers can corrupt a future batch's accounting if
			// their results ever land; abandon this dispatcher and begin
			// with a fresh one.
			size := cl.dispatcher.PoolSize()
			cl.dispatcher.Terminate()
			cl.dispatcher = dispatch.New(size)
			break
		}
		summary, err := cl.dispatcher.Next(5 * time.Second)
		if err != nil {
			var stalled *dispatch.UnfinishedJobs
			if errors.As(err, &stalled) {
				cl.console.Message(stalled.Error(), "STALLED")
				continue
			}
			break
		}
		label, ok := cl.pending[summary.JobID]
		if !ok {
			continue
		}
		delete(cl.pending, summary.JobID)
		conn, _ := summary.Result.(*Connection)
		if conn == nil {
			conn = &Connection{label: label, err: summary.Err}
		}
		cl.mu.Lock()
		cl.connections[label] = conn
		cl.connectTimings[label] = summary.EndTime.Sub(summary.StartTime)
		cl.mu.Unlock()
		switch {
		case conn.IsAuthenticated():
			cl.console.Progress(".")
			cl.log.Infof("Authenticated to %s", label)
		case conn.AuthFailed():
			cl.console.Progress("O")
			cl.log.Warnf("Failed to authenticate to %s: %v", label, conn.Err())
		default:
			cl.console.Progress("X")
			cl.log.Warnf("Failed to connect to %s: %v", label, conn.Err())
		}
	}
	cl.console.Progress("\n")
	cl.console.Status("Ready")
}

// Labels returns the connection labels in sorted order.
func (cl *Cluster) Labels() []string {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	labels := make([]string, 0, len(cl.connections))
	for label := range cl.connections {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Connection returns the transport state for a label.
func (cl *Cluster) Connection(label string) *Connection {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[label]
}

// LastResult returns the coherent snapshot of the most recent run.
func (cl *Cluster) LastResult() map[string]dispatch.JobSummary {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.lastResult
}

// enabledLabels returns sorted labels not currently disabled.
func (cl *Cluster) enabledLabels() []string {
	var out []string
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	for label := range cl.connections {
		if _, off := cl.disabled[label]; !off {
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return out
}

// SetReversePort records a reverse port forward for %port%/%tunnel%
// substitution on the given label.
func (cl *Cluster) SetReversePort(label string, port int) {
	cl.mu.Lock()
	cl.reversePort[label] = port
	cl.mu.Unlock()
}

var commandVarPattern = regexp.MustCompile(`%[a-zA-Z_]+%`)

// prepCommand substitutes per-host %variables% into the command
// template. Unknown variables prompt the operator once and are cached
// for the rest of the session.
func (cl *Cluster) prepCommand(template, label string) (string, error) {
	vars := commandVarPattern.FindAllString(template, -1)
	if len(vars) == 0 {
		return template, nil
	}
	cl.mu.RLock()
	conn := cl.connections[label]
	muxVar, hasMux := cl.muxVars[label]
	port, hasPort := cl.reversePort[label]
	cl.mu.RUnlock()

	autoVars := map[string]string{
		"%host%":        label,
		"%ip%":          conn.PeerAddr(),
		"%ssh_version%": conn.RemoteVersion(),
		"%uuid%":        cl.uuid,
	}
	if hasMux {
		autoVars["%mux%"] = muxVar
	}
	if hasPort {
		autoVars["%port%"] = fmt.Sprintf("%d", port)
		autoVars["%tunnel%"] = fmt.Sprintf("127.0.0.1:%d", port)
	}

	cmd := template
	for _, v := range vars {
		if value, ok := autoVars[v]; ok {
			cmd = strings.ReplaceAll(cmd, v, value)
			continue
		}
		cl.mu.Lock()
		value, ok := cl.userVars[v]
		cl.mu.Unlock()
		if !ok {
			answer, err := cl.console.UserInput(fmt.Sprintf("Missing variable setting for %s\nEnter value : ", v))
			if err != nil {
				return "", err
			}
			value = answer
			cl.mu.Lock()
			cl.userVars[v] = value
			cl.mu.Unlock()
		}
		cmd = strings.ReplaceAll(cmd, v, value)
	}
	return cmd, nil
}

// chunkLabels partitions labels into chunks of size n (one chunk when
// n is 0).
func chunkLabels(labels []string, n int) [][]string {
	if n <= 0 || n >= len(labels) {
		if len(labels) == 0 {
			return nil
		}
		return [][]string{labels}
	}
	var out [][]string
	for len(labels) > n {
		out = append(out, labels[:n])
		labels = labels[n:]
	}
	return append(out, labels)
}

// RunCommand executes the command template across every enabled,
// authenticated host, honoring the output mode, chunking, quota, and
// the two-stage Ctrl-C protocol: the first interrupt reports and
// replays in-flight hosts, a second within 2 seconds aborts them.
func (cl *Cluster) RunCommand(template string) map[string]dispatch.JobSummary {
	result := make(map[string]dispatch.JobSummary)
	var lastInterrupt time.Time
	enabled := cl.enabledLabels()
	total := len(enabled)

	for ci, chunk := range chunkLabels(enabled, cl.ChunkSize) {
		if ci > 0 && cl.ChunkDelay > 0 {
			time.Sleep(cl.ChunkDelay)
		}
		var ordered []string
		for _, label := range chunk {
			conn := cl.Connection(label)
			cmd, err := cl.prepCommand(template, label)
			if err != nil {
				cl.console.Message(fmt.Sprintf("Substituting variables for %s: %v", label, err), "EXCEPTION")
				continue
			}
			var q *console.Queue
			if cl.OutputMode == OutputStream {
				q = cl.queue
			}
			id, err := cl.dispatcher.Submit(func() (any, error) {
				return runSession(conn, cmd, cl.quota, q, cl.abort), nil
			})
			if err != nil {
				cl.console.Message(fmt.Sprintf("%s - %v", label, err), "EXCEPTION")
				continue
			}
			cl.pending[id] = label
			ordered = append(ordered, label)
		}

		for len(cl.pending) > 0 {
			if cl.interrupted() {
				cl.console.Status("<Ctrl-C>")
				if time.Since(lastInterrupt) < 2*time.Second {
					cl.abort.Set()
				} else {
					lastInterrupt = time.Now()
					var inflight []string
					for _, label := range cl.pending {
						if _, done := result[label]; !done {
							inflight = append(inflight, label)
						}
					}
					sort.Strings(inflight)
					cl.console.Message("*** <Ctrl-C> ***", "CONSOLE")
					for _, label := range inflight {
						cl.console.ReplayRecent(label)
					}
					cl.console.Message(fmt.Sprintf("In-Flight commands running on %v", inflight), "CONSOLE")
					cl.console.Message("To kill: Press <Ctrl-C> again within 2 seconds", "CONSOLE")
				}
			}
			cl.console.Status(fmt.Sprintf("Completed on %d/%d hosts", len(result), total))
			summary, err := cl.dispatcher.Next(500 * time.Millisecond)
			if err != nil {
				var stalled *dispatch.UnfinishedJobs
				if errors.As(err, &stalled) {
					continue
				}
				break
			}
			label, ok := cl.pending[summary.JobID]
			if !ok {
				continue
			}
			delete(cl.pending, summary.JobID)
			result[label] = summary
			if cl.OutputMode == OutputOrdered {
				// Emit exactly when this host's turn arrives: hold
				// completed results until every earlier-listed label has
				// finished.
				for len(ordered) > 0 {
					head := ordered[0]
					job, done := result[head]
					if !done {
						break
					}
					ordered = ordered[1:]
					if res, ok := job.Result.(CommandResult); ok {
						if len(res.Stdout) > 0 {
							cl.queue.Put(console.Message{Tag: console.Tag{Label: head}, Text: string(res.Stdout)})
						} else {
							cl.queue.Put(console.Message{Tag: console.Tag{Label: head}, Text: "[No Output]"})
						}
						if len(res.Stderr) > 0 {
							cl.queue.Put(console.Message{Tag: console.Tag{Label: head, Stderr: true}, Text: string(res.Stderr)})
						}
					}
				}
			} else {
				ordered = removeLabel(ordered, label)
			}
		}
		cl.console.Join(false)
	}
	cl.console.Status("Ready")
	cl.console.Join(true)
	cl.abort.Clear()

	cl.mu.Lock()
	cl.lastResult = result
	cl.mu.Unlock()
	return result
}

func removeLabel(list []string, label string) []string {
	for i, x := range list {
		if x == label {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// SFTP puts a local file onto every enabled, authenticated host, with
// the same fan-out as RunCommand. Interrupts are ignored during
// transfers to avoid leaving half-written files.
func (cl *Cluster) SFTP(src, dst string) (map[string]dispatch.JobSummary, error) {
	if dst == "" {
		dst = src
	}
	attrs, err := statAttrs(src)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, label := range cl.enabledLabels() {
		conn := cl.Connection(label)
		if !conn.IsAuthenticated() {
			continue
		}
		id, err := cl.dispatcher.Submit(func() (any, error) {
			return sftpPut(conn, src, dst, attrs)
		})
		if err != nil {
			continue
		}
		cl.pending[id] = label
		total++
	}

	result := make(map[string]dispatch.JobSummary)
	for len(cl.pending) > 0 {
		if cl.interrupted() {
			cl.console.Message("<Ctrl-C> SFTP Transfer ignored.", "CONSOLE")
		}
		summary, err := cl.dispatcher.Next(time.Second)
		if err != nil {
			var stalled *dispatch.UnfinishedJobs
			if errors.As(err, &stalled) {
				continue
			}
			break
		}
		label, ok := cl.pending[summary.JobID]
		if !ok {
			continue
		}
		delete(cl.pending, summary.JobID)
		result[label] = summary
		if !summary.Completed {
			cl.console.Message(fmt.Sprintf("%s - %v", label, summary.Err), "EXCEPTION")
		}
		cl.console.Status(fmt.Sprintf("Completed on %d/%d hosts", len(result), total))
	}
	cl.mu.Lock()
	cl.lastResult = result
	cl.mu.Unlock()
	cl.console.Status("Ready")
	return result, nil
}

// Enable restricts the working set to connections matching the given
// patterns (exact label, CIDR or IP glob against the peer address, or
// name wildcard), disabling the complement. nil re-enables everything.
func (cl *Cluster) Enable(patterns []string) {
	cl.mu.Lock()
	cl.disabled = make(map[string]struct{})
	cl.mu.Unlock()
	if patterns == nil {
		cl.console.Message(fmt.Sprintf("All %d hosts currently enabled", len(cl.Labels())), "ENABLED")
		return
	}
	enabled := make(map[string]struct{})
	for _, pattern := range patterns {
		if cl.Connection(pattern) != nil {
			enabled[pattern] = struct{}{}
			continue
		}
		matches := cl.matchPattern(pattern)
		if len(matches) > 1 {
			cl.console.Message(fmt.Sprintf("Pattern wildcard %q matched %d hosts", pattern, len(matches)), "ENABLED")
		}
		for _, label := range matches {
			enabled[label] = struct{}{}
		}
	}
	cl.mu.Lock()
	for label := range cl.connections {
		if _, ok := enabled[label]; !ok {
			cl.disabled[label] = struct{}{}
		}
	}
	cl.mu.Unlock()
	cl.console.Message(fmt.Sprintf("%d hosts currently enabled", len(enabled)), "ENABLED")
}

// matchPattern resolves one enable pattern against the connections.
func (cl *Cluster) matchPattern(pattern string) []string {
	var out []string
	prefix, prefixErr := netip.ParsePrefix(pattern)
	ipGlob := prefixErr != nil && strings.Trim(pattern, "0123456789.*?[]-") == ""
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	for label, conn := range cl.connections {
		switch {
		case prefixErr == nil:
			if addr, err := netip.ParseAddr(conn.PeerAddr()); err == nil && prefix.Contains(addr) {
				out = append(out, label)
			}
		case ipGlob:
			if ok, err := path.Match(pattern, conn.PeerAddr()); err == nil && ok {
				out = append(out, label)
			}
		default:
			if ok, err := path.Match(pattern, label); err == nil && ok {
				out = append(out, label)
			}
		}
	}
	return out
}

// Reauth reconnects and reauthenticates every host that is not
// currently authenticated, optionally as a different user. Bare names
// that fail to resolve are retried with the configured domain
// suffixes. The retry deliberately skips public keys and the agent to
// force the password path.
func (cl *Cluster) Reauth(user string) {
	var retry *auth.AuthManager
	if user == "" || user == cl.auth.DefaultUser {
		// Same user: the existing credentials already failed, so only a
		// fresh password is worth offering.
		retry = auth.New(cl.auth.DefaultUser, auth.Options{DisableAgent: true, Prompt: cl.console.UserPassword})
	} else {
		alternate, err := cl.console.UserPassword(fmt.Sprintf(
			"Please enter a password for (%s) or leave blank to retry auth options with new user:", user))
		if err == nil && alternate != "" {
			retry = auth.New(user, auth.Options{DefaultPassword: alternate, DisableAgent: true, Prompt: cl.console.UserPassword})
		} else {
			retry = cl.auth
			retry.DefaultUser = user
		}
	}
	overlay := sshopt.Load(map[string]string{"pubkeyauthentication": "no"}, nil, "", "")

	for _, label := range cl.Labels() {
		conn := cl.Connection(label)
		if conn.IsAuthenticated() {
			continue
		}
		conn.Close("")
		cl.console.Message(label, "RECONNECT")
		dest := cl.resolveReconnect(label)
		cn := &connector{auth: retry, verifier: cl.verifier, settings: cl.settings, log: cl.log}
		opts := overlay.Options(dest)
		entry := HostEntry{Label: label, Destination: dest}
		id, err := cl.dispatcher.Submit(func() (any, error) {
			return cn.connect(entry, opts), nil
		})
		if err != nil {
			cl.console.Message(fmt.Sprintf("%s - %v", label, err), "EXCEPTION")
			continue
		}
		cl.pending[id] = label
	}
	cl.updateConnections()
}

// resolveReconnect returns the destination for a reauth reconnect,
// trying the configured domain suffixes when a bare name fails DNS.
func (cl *Cluster) resolveReconnect(label string) string {
	host := label
	if entry, ok := cl.entries[label]; ok && entry.Destination != "" {
		host = entry.Destination
	}
	if _, err := net.LookupHost(hostOnly(host)); err == nil {
		return host
	}
	if !strings.Contains(host, ".") {
		for _, suffix := range strings.Fields(cl.settings.Get("domains")) {
			fqdn := host + "." + suffix
			if _, err := net.LookupHost(fqdn); err == nil {
				cl.console.Message(fmt.Sprintf("%s -> %s", host, fqdn), "FQDN")
				return fqdn
			}
		}
	}
	return host
}

func hostOnly(dest string) string {
	_, host, _ := sshopt.ParseDestination(dest)
	return host
}

// TunnelConnections builds a derived cluster whose transports are
// direct-tcpip channels opened through an existing connection (the
// named jumpbox, or the first authenticated host).
func (cl *Cluster) TunnelConnections(hosts []string, jumpbox string) (*Cluster, error) {
	var via *Connection
	if jumpbox != "" {
		via = cl.Connection(jumpbox)
	} else {
		for _, label := range cl.Labels() {
			if c := cl.Connection(label); c.IsAuthenticated() {
				via = c
				break
			}
		}
	}
	if via == nil || !via.IsAuthenticated() {
		return nil, errors.New("cluster: no usable jumpbox connection")
	}
	via.mu.Lock()
	client := via.client
	via.mu.Unlock()

	var entries []HostEntry
	for _, host := range hosts {
		ch, err := client.Dial("tcp", net.JoinHostPort(host, "22"))
		if err != nil {
			cl.queue.Put(console.Message{Tag: console.Tag{Label: "TUNNEL", Stderr: true},
				Text: fmt.Sprintf("Unable to tunnel to %s: %v", host, err)})
			continue
		}
		entries = append(entries, HostEntry{Label: host, Channel: ch})
	}
	return New(entries, Config{
		Auth:     cl.auth,
		Console:  cl.console,
		Queue:    cl.queue,
		Options:  cl.optcfg,
		Settings: cl.settings,
		Verifier: cl.verifier,
	}), nil
}

// Multiplex derives a cluster that fans each host into one logical
// label per whitespace-separated token of the mux command's output,
// all sharing the physical connection, with the token available as
// %mux%.
func (cl *Cluster) Multiplex(muxCommand string) (*Cluster, error) {
	prior := cl.console.Quiet(true)
	results := cl.RunCommand(muxCommand)
	cl.console.Quiet(prior)

	derived := newShell(len(results), Config{
		Auth:     cl.auth,
		Console:  cl.console,
		Queue:    cl.queue,
		Options:  cl.optcfg,
		Settings: cl.settings,
		Verifier: cl.verifier,
	})
	for label, job := range results {
		res, ok := job.Result.(CommandResult)
		if !ok || !job.Completed || res.ReturnCode == nil || *res.ReturnCode != 0 {
			continue
		}
		parent := cl.Connection(label)
		if parent == nil || !parent.IsAuthenticated() {
			continue
		}
		parent.mu.Lock()
		client := parent.client
		peer := parent.peerAddr
		version := parent.remoteVersion
		username := parent.username
		parent.mu.Unlock()
		for idx, token := range strings.Fields(string(res.Stdout)) {
			muxLabel := fmt.Sprintf("%s:%d", label, idx)
			derived.connections[muxLabel] = &Connection{
				label:         muxLabel,
				client:        client,
				peerAddr:      peer,
				remoteVersion: version,
				username:      username,
				shared:        true,
			}
			derived.muxVars[muxLabel] = token
		}
	}
	derived.dispatcher.Grow(len(derived.connections))
	return derived, nil
}

// Locate resolves a pattern to a connection label by exact match.
func (cl *Cluster) Locate(s string) string {
	if cl.Connection(s) != nil {
		return s
	}
	return ""
}

// Status returns per-host status lines, authenticated hosts first.
func (cl *Cluster) Status() []string {
	var good, bad []string
	for _, label := range cl.Labels() {
		conn := cl.Connection(label)
		timing := -1.0
		cl.mu.RLock()
		if d, ok := cl.connectTimings[label]; ok {
			timing = d.Seconds()
		}
		_, off := cl.disabled[label]
		cl.mu.RUnlock()
		switch {
		case conn.IsAuthenticated() && off:
			good = append(good, fmt.Sprintf("%s (%7.3fs) Authenticated as %s to %s (Disabled)",
				label, timing, conn.Username(), conn.PeerAddr()))
		case conn.IsAuthenticated():
			good = append(good, fmt.Sprintf("%s (%7.3fs) Authenticated as %s to %s",
				label, timing, conn.Username(), conn.PeerAddr()))
		case conn.AuthFailed():
			bad = append(bad, fmt.Sprintf("%s (%7.3fs) Connected to %s / not authenticated",
				label, timing, conn.PeerAddr()))
		default:
			bad = append(bad, fmt.Sprintf("%s (%8.3fs) %v", label, timing, conn.Err()))
		}
	}
	return append(good, bad...)
}

// Summary holds counts of connection dispositions.
type Summary struct {
	Ready         int
	Disabled      int
	FailedAuth    int
	FailedConnect int
	Dropped       int
}

// ConnectionSummary tallies the disposition of every connection.
func (cl *Cluster) ConnectionSummary() Summary {
	var s Summary
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	for label, conn := range cl.connections {
		switch {
		case conn.IsAuthenticated():
			if _, off := cl.disabled[label]; off {
				s.Disabled++
			} else {
				s.Ready++
			}
		case conn.AuthFailed():
			s.FailedAuth++
		case conn.RemoteVersion() != "No Connection":
			// A handshake once completed; the transport has since gone.
			s.Dropped++
		default:
			s.FailedConnect++
		}
	}
	return s
}

// CloseConnections disconnects every host exactly once, sending the
// configured signoff to persistent shells, then waits for the jobs to
// finish.
func (cl *Cluster) CloseConnections() {
	signoff := cl.settings.Get("force_tty.signoff")
	cl.mu.Lock()
	conns := cl.connections
	cl.connections = make(map[string]*Connection)
	cl.mu.Unlock()
	for _, conn := range conns {
		conn := conn
		cl.dispatcher.Submit(func() (any, error) {
			conn.Close(signoff)
			return nil, nil
		})
	}
	cl.dispatcher.Wait()
}
