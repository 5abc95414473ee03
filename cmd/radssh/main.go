// Command radssh runs identical command lines across many SSH hosts in
// parallel, multiplexing their output back to one terminal and logging
// per-host results into a session directory.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	strftime "github.com/ncruces/go-strftime"
	"github.com/sirupsen/logrus"

	"radssh/internal/auth"
	"radssh/internal/cluster"
	"radssh/internal/config"
	"radssh/internal/console"
	"radssh/internal/sshopt"
)

// unsupportedFlags are OpenSSH flags this tool deliberately refuses
// rather than silently ignoring.
var unsupportedFlags = map[string]bool{
	"-D": true, "-E": true, "-f": true, "-G": true, "-g": true,
	"-J": true, "-L": true, "-M": true, "-N": true, "-n": true,
	"-O": true, "-Q": true, "-R": true, "-S": true, "-s": true,
	"-V": true, "-W": true, "-w": true, "-y": true,
}

// parseArgs maps OpenSSH-style flags onto ssh option settings and
// returns them with the remaining host arguments. A configuration
// error aborts before any session state exists.
func parseArgs(args []string) (map[string]string, []string, error) {
	opts := map[string]string{}
	var hosts []string
	var identities []string

	need := func(flag string, i int) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("flag %s requires an argument", flag)
		}
		return args[i+1], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if unsupportedFlags[arg] {
			return nil, nil, fmt.Errorf("unsupported flag: %s", arg)
		}
		switch arg {
		case "-p":
			v, err := need(arg, i)
			if err != nil {
				return nil, nil, err
			}
			opts["port"] = v
			i++
		case "-l":
			v, err := need(arg, i)
			if err != nil {
				return nil, nil, err
			}
			opts["user"] = v
			i++
		case "-i":
			v, err := need(arg, i)
			if err != nil {
				return nil, nil, err
			}
			identities = append(identities, v)
			i++
		case "-o":
			v, err := need(arg, i)
			if err != nil {
				return nil, nil, err
			}
			i++
			key, value, found := strings.Cut(v, "=")
			if !found {
				// "-o Key Value" form
				key = v
				value, err = need(arg, i)
				if err != nil {
					return nil, nil, fmt.Errorf("-o %s requires a value", key)
				}
				i++
			}
			opts[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
		case "-4":
			opts["addressfamily"] = "inet"
		case "-6":
			opts["addressfamily"] = "inet6"
		case "-A":
			opts["forwardagent"] = "yes"
		case "-a":
			opts["forwardagent"] = "no"
		case "-K":
			opts["gssapiauthentication"] = "yes"
		case "-k":
			opts["gssapiauthentication"] = "no"
		case "-q":
			opts["loglevel"] = "QUIET"
		case "-v":
			opts["loglevel"] = "DEBUG"
		case "-X":
			opts["forwardx11"] = "yes"
		case "-x":
			opts["forwardx11"] = "no"
		case "-Y":
			opts["forwardx11trusted"] = "yes"
		default:
			if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") {
				return nil, nil, fmt.Errorf("unrecognized flag: %s", arg)
			}
			hosts = append(hosts, arg)
		}
	}
	if len(identities) > 0 {
		opts["identityfile"] = strings.Join(identities, ",")
	}
	return opts, hosts, nil
}

// logLevels maps ssh_config LogLevel names onto logrus levels.
var logLevels = map[string]logrus.Level{
	"QUIET":    logrus.PanicLevel,
	"FATAL":    logrus.FatalLevel,
	"CRITICAL": logrus.FatalLevel,
	"ERROR":    logrus.ErrorLevel,
	"WARNING":  logrus.WarnLevel,
	"INFO":     logrus.WarnLevel,
	"VERBOSE":  logrus.InfoLevel,
	"DEBUG":    logrus.DebugLevel,
	"DEBUG1":   logrus.DebugLevel,
	"DEBUG2":   logrus.DebugLevel,
	"DEBUG3":   logrus.DebugLevel,
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}

func main() {
	cmdlineSettings, rest := config.CommandLineSettings(os.Args[1:])
	sshOpts, hostArgs, err := parseArgs(rest)
	if err != nil {
		fatal("radssh: %v", err)
	}
	if len(hostArgs) == 0 {
		fatal("usage: radssh [options] host [host ...]")
	}
	settings := config.Load(cmdlineSettings)

	// Session log directory: a strftime-expanded template holding
	// per-host logs, the combined logs, the process log, and the
	// command transcript.
	logdir := strftime.Format(settings.Get("logdir"), time.Now())
	if err := os.MkdirAll(logdir, 0o755); err != nil {
		fatal("radssh: unable to create log directory %s: %v", logdir, err)
	}
	logFile, err := os.OpenFile(filepath.Join(logdir, "radssh.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fatal("radssh: %v", err)
	}
	defer logFile.Close()
	logrus.SetOutput(logFile)
	level := settings.Get("loglevel")
	if v, ok := sshOpts["loglevel"]; ok {
		level = v
	}
	if lvl, ok := logLevels[strings.ToUpper(level)]; ok {
		logrus.SetLevel(lvl)
	}

	transcript, err := os.Create(filepath.Join(logdir, "session.commands"))
	if err != nil {
		fatal("radssh: %v", err)
	}
	defer transcript.Close()

	// Console pipeline: bounded queue, one consumer, formatter per the
	// shell.console setting.
	formatter := console.Colorized
	if settings.Get("shell.console") != "color" {
		formatter = console.Monochrome
	}
	queue := console.NewQueue(minInt(100, maxInt(4, 4*len(hostArgs))))
	cons := console.New(queue, formatter, settings.Int("stalled_job_buffer", 0))

	am := auth.New(settings.Get("username"), auth.Options{
		AuthFile: settings.Get("authfile"),
		Prompt:   cons.UserPassword,
	})
	optcfg := sshopt.Load(sshOpts, map[string]string(settings),
		settings.Get("ssh_config"), "/etc/ssh/ssh_config")

	entries := make([]cluster.HostEntry, 0, len(hostArgs))
	for _, h := range hostArgs {
		entries = append(entries, cluster.HostEntry{Label: h, Destination: h})
	}

	cons.Status("Connecting...")
	cl := cluster.New(entries, cluster.Config{
		Auth:     am,
		Console:  cons,
		Queue:    queue,
		Options:  optcfg,
		Settings: settings,
	})

	// Operator interrupts route to the cluster's two-stage Ctrl-C
	// handling instead of killing the process.
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			cl.Interrupt()
		}
	}()

	summary := cl.ConnectionSummary()
	cons.Message(fmt.Sprintf("Connected: %d ready, %d failed authentication, %d failed to connect",
		summary.Ready, summary.FailedAuth, summary.FailedConnect), "CONSOLE")
	for _, line := range cl.Status() {
		cons.Message(line, "STATUS")
	}
	cons.Join(false)

	forbidden := settings.List("commands.forbidden")
	restricted := settings.List("commands.restricted")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		cons.Progress(settings.Get("shell.prompt") + " ")
		if !scanner.Scan() {
			break
		}
		command := strings.TrimSpace(scanner.Text())
		if command == "" {
			continue
		}
		fmt.Fprintln(transcript, command)

		word := strings.Fields(command)[0]
		if containsWord(forbidden, word) {
			cons.Message(fmt.Sprintf("%q is forbidden (requires a TTY)", word), "CONSOLE")
			continue
		}
		if containsWord(restricted, word) {
			answer, err := cons.UserInput(fmt.Sprintf("%q can have devastating side effects. Are you sure? (y/N): ", word))
			if err != nil || !strings.EqualFold(strings.TrimSpace(answer), "y") {
				continue
			}
		}

		cl.RunCommand(command)
		if err := cl.LogResult(logdir, true); err != nil {
			logrus.Errorf("Unable to log results: %v", err)
		}
	}

	cons.Progress("\n")
	cl.CloseConnections()
	am.CloseAgent()
	cons.Join(true)
}

func containsWord(list []string, word string) bool {
	for _, w := range list {
		if w == word {
			return true
		}
	}
	return false
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
