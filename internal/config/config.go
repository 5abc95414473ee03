// Package config loads radssh's own key=value settings, layered from
// built-in defaults, the system settings file, the user settings file,
// and --keyword=value command line options.
package config

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// SystemSettingsFile is the machine-wide settings path.
const SystemSettingsFile = "/etc/radssh_config"

// obsoleted maps retired settings keys to migration advice.
var obsoleted = map[string]string{
	"verbose":              "Use loglevel=[CRITICAL|ERROR|WARNING|INFO|DEBUG] instead",
	"hostkey.verify":       "Set StrictHostKeyChecking in standard SSH Config file (~/.ssh/config)",
	"hostkey.known_hosts":  "Set UserKnownHostsFile in standard SSH Config file (~/.ssh/config)",
	"ssh-identity":         "Set IdentityFile in standard SSH Config file (~/.ssh/config)",
	"ssh-agent":            "Set IdentitiesOnly in standard SSH Config file (~/.ssh/config)",
}

// defaultSettings is the package-supplied configuration. All lines are
// keyword=value; # lines are comments.
const defaultSettings = `
# loglevel can be set to [CRITICAL|ERROR|WARNING|INFO|DEBUG]
loglevel=ERROR

shell.prompt=RadSSH $
shell.console=color
# To see the last few lines of output of in-flight jobs when pressing
# Ctrl-C, set this to the number of lines to retain per host.
stalled_job_buffer=0

max_threads=120
# Automatically save log files into a date/time-stamped local directory
logdir=session_%Y%m%d_%H%M%S
# Log all normal output to the given filename in logdir (empty disables)
log_out=out.log
# Log all error output to the given filename in logdir (empty disables)
log_err=err.log

# Command line history file, saved across sessions
historyfile=~/.radssh_history

# Available modes: {stream, ordered, off}
output_mode=stream
# character_encoding=UTF-8
# Avoiding runaway commands with either too much output, or
# waiting indefinitely at a user prompt...
quota.time=0
quota.lines=0
quota.bytes=0

# Username defaults to $SSH_USER (or $USER) if not set here
# username=root
# Supplemental authentication file for more keys and/or passwords
authfile=~/.radssh_auth

# Network tweaks
socket.timeout=30
keepalive=180

# Domain suffixes to retry when a bare name fails to resolve on reauth
domains=

# SSH options settings file (standard ssh_config format)
ssh_config=~/.ssh/config

# Enable loading of user specific settings (and command line options)
# only if this is set.
user.settings=~/.radssh_config

# First, outright forbid commands that should only be run with a TTY
# which this tool typically does not provide...
commands.forbidden=telnet,ftp,sftp,vi,vim,ssh
# Also, for commands that could have devastating side effects, prompt
# the user if they are 100% sure they want to run...
commands.restricted=rm,reboot,shutdown,halt,poweroff,telinit

# Some SSH hosts do not support exec invocation, and require a
# persistent interactive session instead. Identify such hosts by their
# SSH server version string (gather with ssh-keyscan).
force_tty=Cisco,force10networks
# Custom command(s) issued at signon and signoff for such sessions
force_tty.signon=term length 0
force_tty.signoff=term length 20
`

// Settings is a flat keyword=value settings map.
type Settings map[string]string

// Get returns the setting value, or the empty string.
func (s Settings) Get(key string) string { return s[key] }

// Int returns the integer value of a setting, or def when unset or
// malformed.
func (s Settings) Int(key string, def int) int {
	v, ok := s[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Float returns the float value of a setting, or def.
func (s Settings) Float(key string, def float64) float64 {
	v, ok := s[key]
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

// List splits a comma-separated setting into its non-empty elements.
func (s Settings) List(key string) []string {
	var out []string
	for _, v := range strings.Split(s[key], ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ParseReader loads keyword=value settings from r. Blank lines and
// # comments are skipped; lines without = are reported but ignored.
func ParseReader(r io.Reader, name string) Settings {
	settings := Settings{}
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			logrus.Warnf("Invalid line in settings file [%s:%d]: %s", name, lineno, line)
			continue
		}
		settings[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return settings
}

// checkObsoleted warns about and strips retired keys.
func checkObsoleted(s Settings, source string) {
	for k, advice := range obsoleted {
		if _, ok := s[k]; ok {
			logrus.Warnf("OBSOLETE: [%s] found in %s is ignored. %s", k, source, advice)
			delete(s, k)
		}
	}
}

// LoadDefaults returns only the built-in settings, with the username
// and character encoding derived from the environment.
func LoadDefaults() Settings {
	settings := ParseReader(strings.NewReader(defaultSettings), "defaults")
	if _, ok := settings["username"]; !ok {
		settings["username"] = defaultUsername()
	}
	if _, ok := settings["character_encoding"]; !ok {
		settings["character_encoding"] = "UTF-8"
	}
	if _, ok := settings["histsize"]; !ok {
		if v := os.Getenv("HISTSIZE"); v != "" {
			settings["histsize"] = v
		} else {
			settings["histsize"] = "500"
		}
	}
	return settings
}

func defaultUsername() string {
	for _, env := range []string{"SSH_USER", "USER", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return "default"
}

// CommandLineSettings extracts --keyword=value arguments, returning
// the settings and the remaining arguments.
func CommandLineSettings(args []string) (Settings, []string) {
	settings := Settings{}
	var rest []string
	for _, arg := range args {
		if strings.HasPrefix(arg, "--") {
			key, value, found := strings.Cut(arg[2:], "=")
			if !found {
				logrus.Warnf("Invalid command line option: %s (ignored)", arg)
				continue
			}
			one := Settings{key: value}
			checkObsoleted(one, "command line argument")
			for k, v := range one {
				settings[k] = v
			}
			continue
		}
		rest = append(rest, arg)
	}
	return settings, rest
}

// Load composes the full settings map: defaults, then the system file,
// then (unless the administrator disabled them) the user file and the
// command line overrides.
func Load(cmdline Settings) Settings {
	settings := LoadDefaults()
	if f, err := os.Open(SystemSettingsFile); err == nil {
		system := ParseReader(f, SystemSettingsFile)
		f.Close()
		checkObsoleted(system, SystemSettingsFile)
		for k, v := range system {
			settings[k] = v
		}
	}
	if userFile := settings["user.settings"]; userFile != "" {
		p := ExpandUser(userFile)
		if f, err := os.Open(p); err == nil {
			user := ParseReader(f, p)
			f.Close()
			checkObsoleted(user, p)
			for k, v := range user {
				settings[k] = v
			}
		}
		for k, v := range cmdline {
			settings[k] = v
		}
	} else if len(cmdline) > 0 {
		logrus.Warn("Command line options ignored - user settings disabled by administrator")
	}
	return settings
}

// ExpandUser resolves a leading ~ to the home directory.
func ExpandUser(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
