package cluster

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// ServerNotResponding is returned when a run of keepalive probes in a
// row gets no reply, indicating a severed connection rather than a
// merely quiet command.
type ServerNotResponding struct {
	Host string
}

func (e *ServerNotResponding) Error() string {
	return fmt.Sprintf("server not responding: %s", e.Host)
}

// keepAlive probes a transport with keepalive global requests. The
// request carries want-reply; RFC 4254 obliges the server to answer a
// global request even with a failure, so any reply at all proves the
// peer is alive. Replies are awaited only briefly so the session loop
// is never blocked; a reply threshold of consecutive misses raises
// ServerNotResponding.
type keepAlive struct {
	host      string
	conn      ssh.Conn
	threshold int
	pending   int
	inflight  chan error
}

func newKeepAlive(host string, conn ssh.Conn, threshold int) *keepAlive {
	if threshold < 1 {
		threshold = 5
	}
	return &keepAlive{host: host, conn: conn, threshold: threshold}
}

// ping sends one probe (unless one is still outstanding) and waits a
// short beat for its reply. It returns true when the peer has proven
// responsive, false when the reply is still pending, and
// ServerNotResponding once the miss threshold is reached.
func (k *keepAlive) ping() (bool, error) {
	if k.inflight == nil {
		ch := make(chan error, 1)
		k.inflight = ch
		go func() {
			_, _, err := k.conn.SendRequest("keepalive@openssh.com", true, nil)
			ch <- err
		}()
	}
	select {
	case <-k.inflight:
		// Any reply (even a failure reply) counts as life.
		k.inflight = nil
		k.pending = 0
		return true, nil
	case <-time.After(100 * time.Millisecond):
		k.pending++
		if k.pending >= k.threshold {
			return false, &ServerNotResponding{Host: k.host}
		}
		return false, nil
	}
}
