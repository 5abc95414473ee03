// Package sshopt composes per-host SSH configuration options from a
// prioritized chain of sources: the connection spec itself, command
// line options, radssh configuration, the user's ssh_config, the
// system ssh_config, and built-in defaults. Option names are the
// lowercased OpenSSH keywords.
package sshopt

import (
	"os"
	"path"
	"strconv"
	"strings"

	ssh_config "github.com/kevinburke/ssh_config"
	"github.com/sirupsen/logrus"
)

// listOptions are the string-list options honoring a leading "+"
// (append), "-" (remove by pattern), or "^" (prepend) against the
// value composed from lower layers.
var listOptions = []string{
	"ciphers", "hostbasedkeytypes", "hostkeyalgorithms",
	"kexalgorithms", "macs", "pubkeyacceptedkeytypes",
}

const defaultKeyTypes = "ecdsa-sha2-nistp256-cert-v01@openssh.com," +
	"ecdsa-sha2-nistp384-cert-v01@openssh.com," +
	"ecdsa-sha2-nistp521-cert-v01@openssh.com," +
	"ssh-ed25519-cert-v01@openssh.com," +
	"rsa-sha2-512-cert-v01@openssh.com," +
	"rsa-sha2-256-cert-v01@openssh.com," +
	"ssh-rsa-cert-v01@openssh.com," +
	"ecdsa-sha2-nistp256,ecdsa-sha2-nistp384," +
	"ecdsa-sha2-nistp521,ssh-ed25519," +
	"rsa-sha2-512,rsa-sha2-256,ssh-rsa"

// DefaultIdentityFiles is consulted when no layer sets IdentityFile.
var DefaultIdentityFiles = []string{
	"~/.ssh/id_dsa", "~/.ssh/id_ecdsa", "~/.ssh/id_ed25519", "~/.ssh/id_rsa",
}

// Defaults is the bottom layer of every option chain.
var Defaults = map[string]string{
	"hostname": "",
	"port":     "22",
	"user":     "",

	"fingerprinthash": "sha256",
	"loglevel":        "INFO",

	"addressfamily":      "any",
	"bindaddress":        "",
	"ciphers":            "chacha20-poly1305@openssh.com,aes128-ctr,aes192-ctr,aes256-ctr,aes128-gcm@openssh.com,aes256-gcm@openssh.com",
	"compression":        "no",
	"connectionattempts": "1",
	"connecttimeout":     "20",
	"hostkeyalgorithms":  defaultKeyTypes,
	"kexalgorithms": "curve25519-sha256,curve25519-sha256@libssh.org," +
		"ecdh-sha2-nistp256,ecdh-sha2-nistp384,ecdh-sha2-nistp521," +
		"diffie-hellman-group-exchange-sha256,diffie-hellman-group16-sha512," +
		"diffie-hellman-group18-sha512,diffie-hellman-group-exchange-sha1," +
		"diffie-hellman-group14-sha256,diffie-hellman-group14-sha1",
	"macs": "umac-64-etm@openssh.com,umac-128-etm@openssh.com," +
		"hmac-sha2-256-etm@openssh.com,hmac-sha2-512-etm@openssh.com," +
		"hmac-sha1-etm@openssh.com,umac-64@openssh.com,umac-128@openssh.com," +
		"hmac-sha2-256,hmac-sha2-512,hmac-sha1",
	"proxycommand":       "",
	"serveralivecountmax": "3",
	"serveraliveinterval": "0",
	"tcpkeepalive":        "yes",

	"checkhostip":           "yes",
	"globalknownhostsfile":  "/etc/ssh/ssh_known_hosts",
	"hashknownhosts":        "no",
	"hostkeyalias":          "",
	"stricthostkeychecking": "ask",
	"userknownhostsfile":    "~/.ssh/known_hosts",

	"forwardagent":                "no",
	"forwardx11":                  "no",
	"forwardx11trusted":           "no",
	"gssapiauthentication":        "no",

	"batchmode":                   "no",
	"certificatefile":             "",
	"hostbasedkeytypes":           defaultKeyTypes,
	"identitiesonly":              "no",
	"identityagent":               "SSH_AUTH_SOCK",
	"identityfile":                "",
	"kbdinteractiveauthentication": "yes",
	"numberofpasswordprompts":     "3",
	"passwordauthentication":      "yes",
	"permitlocalcommand":          "no",
	"localcommand":                "",
	"preferredauthentications":    "gssapi-with-mic,hostbased,publickey,keyboard-interactive,password",
	"pubkeyacceptedkeytypes":      defaultKeyTypes,
	"pubkeyauthentication":        "yes",
}

// layer is one source of option values in the chain.
type layer interface {
	get(host, key string) (string, bool)
	getAll(host, key string) []string
}

// mapLayer is a plain normalized keyword=value source. Multi-valued
// options are comma-joined.
type mapLayer map[string]string

func (m mapLayer) get(host, key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m mapLayer) getAll(host, key string) []string {
	v, ok := m[key]
	if !ok || v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// fileLayer wraps a parsed OpenSSH ssh_config file, with Host/Match
// pattern resolution done by the ssh_config package.
type fileLayer struct {
	cfg *ssh_config.Config
}

func (f fileLayer) get(host, key string) (string, bool) {
	if f.cfg == nil {
		return "", false
	}
	v, err := f.cfg.Get(host, key)
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

func (f fileLayer) getAll(host, key string) []string {
	if f.cfg == nil {
		return nil
	}
	vs, err := f.cfg.GetAll(host, key)
	if err != nil {
		return nil
	}
	return vs
}

// Config loads the option sources once; Options binds them to one
// destination.
type Config struct {
	cmdline mapLayer
	radssh  mapLayer
	user    fileLayer
	system  fileLayer
}

// normalize lowercases keys and keeps only recognized option names.
func normalize(opts map[string]string) mapLayer {
	m := mapLayer{}
	for k, v := range opts {
		k = strings.ToLower(k)
		if _, ok := Defaults[k]; ok {
			m[k] = v
		} else {
			logrus.Debugf("Ignoring unrecognized ssh option %q", k)
		}
	}
	return m
}

// Load builds a Config from command line options, radssh configuration
// options, and the user/system ssh_config file paths (either may be
// missing).
func Load(cmdline, radssh map[string]string, userPath, systemPath string) *Config {
	c := &Config{
		cmdline: normalize(cmdline),
		radssh:  normalize(radssh),
	}
	c.user = loadFile(userPath)
	c.system = loadFile(systemPath)
	return c
}

func loadFile(p string) fileLayer {
	if p == "" {
		return fileLayer{}
	}
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = home + strings.TrimPrefix(p, "~")
		}
	}
	f, err := os.Open(p)
	if err != nil {
		return fileLayer{}
	}
	defer f.Close()
	cfg, err := ssh_config.Decode(f)
	if err != nil {
		logrus.Warnf("Unable to process ssh_config file %s: %v", p, err)
		return fileLayer{}
	}
	return fileLayer{cfg: cfg}
}

// Options is the composed option view for one destination. Values from
// higher-priority layers shadow lower ones; the handful of cumulative
// and +/-/^ options are resolved at construction.
type Options struct {
	host   string // lookup key for the ssh_config layers
	dest   mapLayer
	layers []layer

	identityFiles    []string
	certificateFiles []string
}

// ParseDestination splits "[user@]host[:port]" (optionally prefixed
// ssh://), disambiguating bracketed IPv6 literals.
func ParseDestination(destination string) (user, host, port string) {
	host = strings.TrimPrefix(destination, "ssh://")
	if i := strings.Index(host, "@"); i >= 0 {
		user, host = host[:i], host[i+1:]
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		maybeHost, maybePort := host[:i], host[i+1:]
		if !strings.Contains(maybeHost, ":") {
			host, port = maybeHost, maybePort
		} else if strings.HasPrefix(maybeHost, "[") && strings.HasSuffix(maybeHost, "]") {
			host, port = maybeHost[1:len(maybeHost)-1], maybePort
		}
		// otherwise: a bare IPv6 literal with no port
	}
	return user, host, port
}

// Options binds the chain to a destination string.
func (c *Config) Options(destination string) *Options {
	user, host, port := ParseDestination(destination)
	dest := mapLayer{"original_hostname": host}
	if user != "" {
		dest["user"] = user
	}
	if port != "" {
		dest["port"] = port
	}
	o := &Options{
		host: host,
		dest: dest,
		layers: []layer{
			dest, c.cmdline, c.radssh, c.user, c.system, mapLayer(Defaults),
		},
	}
	o.resolveCumulative()
	o.resolveListModifiers()
	return o
}

// resolveCumulative merges IdentityFile and CertificateFile values
// across every layer instead of shadowing.
func (o *Options) resolveCumulative() {
	for _, l := range o.layers {
		o.identityFiles = append(o.identityFiles, l.getAll(o.host, "identityfile")...)
	}
	if len(o.identityFiles) == 0 {
		o.identityFiles = append(o.identityFiles, DefaultIdentityFiles...)
	}
	for _, l := range o.layers {
		o.certificateFiles = append(o.certificateFiles, l.getAll(o.host, "certificatefile")...)
	}
	if len(o.certificateFiles) == 0 {
		for _, f := range o.identityFiles {
			o.certificateFiles = append(o.certificateFiles, f+"-cert.pub")
		}
	}
}

// resolveListModifiers applies +/-/^ composition for the list options
// whose effective value carries a modifier, storing the result in the
// destination layer.
func (o *Options) resolveListModifiers() {
	for _, name := range listOptions {
		effective := o.lookup(name)
		if effective == "" || !strings.ContainsAny(effective[:1], "+-^") {
			continue
		}
		o.dest[name] = o.reassemble(name)
	}
}

// reassemble walks the chain from the bottom layer up, applying each
// layer's value: a plain value resets the list, "+" appends new
// entries, "^" moves-or-prepends entries, and "-" removes entries
// matching each pattern.
func (o *Options) reassemble(name string) string {
	var values []string
	for i := len(o.layers) - 1; i >= 0; i-- {
		x, ok := o.layers[i].get(o.host, name)
		if !ok || x == "" {
			continue
		}
		switch x[0] {
		case '+':
			for _, v := range strings.Split(x[1:], ",") {
				if !contains(values, v) {
					values = append(values, v)
				}
			}
		case '^':
			var front []string
			for _, v := range strings.Split(x[1:], ",") {
				values = remove(values, v)
				front = append(front, v)
			}
			values = append(front, values...)
		case '-':
			for _, pattern := range strings.Split(x[1:], ",") {
				var kept []string
				for _, v := range values {
					if ok, err := path.Match(pattern, v); err != nil || !ok {
						kept = append(kept, v)
					}
				}
				values = kept
			}
		default:
			values = strings.Split(x, ",")
		}
	}
	return strings.Join(values, ",")
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	var out []string
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// lookup returns the first layer's value for key.
func (o *Options) lookup(key string) string {
	for _, l := range o.layers {
		if v, ok := l.get(o.host, key); ok {
			return v
		}
	}
	return ""
}

// Get returns the composed value for the lowercased option name.
func (o *Options) Get(key string) string {
	return o.lookup(strings.ToLower(key))
}

// Yes reports whether the option's composed value is "yes".
func (o *Options) Yes(key string) bool {
	return strings.EqualFold(o.Get(key), "yes")
}

// Int returns the option as an integer, or def.
func (o *Options) Int(key string, def int) int {
	v := o.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// List splits the composed value on commas.
func (o *Options) List(key string) []string {
	var out []string
	for _, v := range strings.Split(o.Get(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Hostname returns the HostName option if remapped by configuration,
// else the original destination host.
func (o *Options) Hostname() string {
	if v := o.Get("hostname"); v != "" {
		return v
	}
	return o.dest["original_hostname"]
}

// OriginalHostname returns the host exactly as given in the
// destination string, before any HostName remapping.
func (o *Options) OriginalHostname() string {
	return o.dest["original_hostname"]
}

// Port returns the composed port number.
func (o *Options) Port() int {
	return o.Int("port", 22)
}

// User returns the composed username (may be empty).
func (o *Options) User() string {
	return o.Get("user")
}

// IdentityFiles returns the cumulative identity file list.
func (o *Options) IdentityFiles() []string {
	return o.identityFiles
}

// CertificateFiles returns the cumulative certificate file list.
func (o *Options) CertificateFiles() []string {
	return o.certificateFiles
}
