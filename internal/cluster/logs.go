package cluster

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ttyAttrsPattern matches ANSI SGR attribute sequences (colors etc.)
// so combined logs stay grep-able.
var ttyAttrsPattern = regexp.MustCompile("\x1b\\[[0-9]+(;[0-9]+)*m")

// filterTTYAttrs strips ANSI attribute sequences from a line.
func filterTTYAttrs(line []byte) []byte {
	return ttyAttrsPattern.ReplaceAll(line, nil)
}

func appendFile(path string, write func(f *os.File) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return write(f)
}

// rcString renders a return code for log banners; "None" when absent.
func rcString(rc *int) string {
	if rc == nil {
		return "None"
	}
	return fmt.Sprintf("%d", *rc)
}

// LogResult saves the last run's content into logdir: one
// "<label>.log" per host (with a command banner), "<label>.stderr"
// when stderr was produced, and combined out/err logs prefixed by
// [label] with terminal attributes stripped.
func (cl *Cluster) LogResult(logdir string, commandHeader bool) error {
	if logdir == "" {
		return nil
	}
	cl.mu.RLock()
	last := cl.lastResult
	cl.mu.RUnlock()
	logOut := cl.settings.Get("log_out")
	logErr := cl.settings.Get("log_err")

	for label, job := range last {
		res, ok := job.Result.(CommandResult)
		if !ok {
			// Failed jobs log their error text into the per-host log and
			// the combined error log.
			msg := fmt.Sprintf("%v", job.Err)
			if logErr != "" {
				appendFile(filepath.Join(logdir, logErr), func(f *os.File) error {
					_, err := fmt.Fprintf(f, "[%s]%s\n", label, msg)
					return err
				})
			}
			appendFile(filepath.Join(logdir, label+".log"), func(f *os.File) error {
				_, err := fmt.Fprintf(f, "%s\n", msg)
				return err
			})
			continue
		}
		banner := fmt.Sprintf("=== %q %s [%s] ===\n", res.Command, res.Status, rcString(res.ReturnCode))
		if logOut != "" && len(bytes.TrimSpace(res.Stdout)) > 0 {
			appendFile(filepath.Join(logdir, logOut), func(f *os.File) error {
				if _, err := fmt.Fprintf(f, "[%s] %s", label, banner); err != nil {
					return err
				}
				for _, line := range bytes.Split(bytes.TrimSpace(res.Stdout), []byte("\n")) {
					if _, err := fmt.Fprintf(f, "[%s]%s\n", label, filterTTYAttrs(line)); err != nil {
						return err
					}
				}
				return nil
			})
		}
		appendFile(filepath.Join(logdir, label+".log"), func(f *os.File) error {
			if commandHeader {
				if _, err := f.WriteString(banner); err != nil {
					return err
				}
			}
			if _, err := f.Write(res.Stdout); err != nil {
				return err
			}
			_, err := f.WriteString("\n")
			return err
		})
		if len(res.Stderr) > 0 {
			if logErr != "" {
				appendFile(filepath.Join(logdir, logErr), func(f *os.File) error {
					if _, err := fmt.Fprintf(f, "[%s] %s", label, banner); err != nil {
						return err
					}
					for _, line := range bytes.Split(bytes.TrimSpace(res.Stderr), []byte("\n")) {
						if _, err := fmt.Fprintf(f, "[%s]%s\n", label, filterTTYAttrs(line)); err != nil {
							return err
						}
					}
					return nil
				})
			}
			appendFile(filepath.Join(logdir, label+".stderr"), func(f *os.File) error {
				if _, err := f.Write(res.Stderr); err != nil {
					return err
				}
				_, err := f.WriteString("\n")
				return err
			})
		}
	}
	return nil
}
