// Package cluster orchestrates parallel SSH command execution: it owns
// the set of managed transports, fans out per-host connect, exec and
// SFTP jobs through a bounded dispatcher, and multiplexes the per-host
// output streams back to a single console.
package cluster

import (
	"time"

	"radssh/internal/config"
)

// Quota bounds an in-flight command: idle time, stdout byte count, and
// stdout line count. A zero limit disables that bound. Any exceeded
// limit terminates the session with a status string naming it.
type Quota struct {
	TimeLimit  int // idle seconds
	ByteLimit  int
	LineLimit  int
}

// QuotaFromSettings reads the quota.* settings.
func QuotaFromSettings(s config.Settings) Quota {
	return Quota{
		TimeLimit: s.Int("quota.time", 0),
		ByteLimit: s.Int("quota.bytes", 0),
		LineLimit: s.Int("quota.lines", 0),
	}
}

// TimeExceeded reports whether the idle duration passes the limit.
func (q Quota) TimeExceeded(idle time.Duration) bool {
	return q.TimeLimit > 0 && idle > time.Duration(q.TimeLimit)*time.Second
}

// BytesExceeded reports whether the stdout byte count passes the limit.
func (q Quota) BytesExceeded(n int) bool {
	return q.ByteLimit > 0 && n > q.ByteLimit
}

// LinesExceeded reports whether the stdout line count passes the limit.
func (q Quota) LinesExceeded(n int) bool {
	return q.LineLimit > 0 && n > q.LineLimit
}
