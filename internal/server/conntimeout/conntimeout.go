// Package conntimeout enforces a per-connection inactivity deadline.
//
// Every accepted connection gets a deadline of (last activity + timeout),
// where activity is any successful read or write. When the deadline passes the
// enforcer writes a bare 408 status line onto the raw socket, outside the HTTP
// response path, and closes it.
package conntimeout

import (
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/backendhub/hubd/internal/metrics"
)

// DefaultTimeout is the inactivity deadline applied to each connection.
const DefaultTimeout = 10 * time.Second

// TimeoutResponse is written verbatim onto a connection that timed out.
const TimeoutResponse = "HTTP/1.1 408 Request Timeout\r\n\r\n"

// timeoutWriteGrace bounds the write of TimeoutResponse to a peer that is not reading.
const timeoutWriteGrace = time.Second

type connState int

const (
	stateArmed connState = iota
	stateDisarmed
	stateTerminated
	stateClosed
)

// Listener wraps a net.Listener and arms a deadline on every accepted connection.
type Listener struct {
	net.Listener

	timeout time.Duration
	logger  *logging.Logger

	active   atomic.Int64
	timeouts atomic.Int64
}

// Wrap installs the enforcer on ln.
func Wrap(ln net.Listener, timeout time.Duration, logger *logging.Logger) *Listener {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Listener{Listener: ln, timeout: timeout, logger: logger}
}

// Accept waits for the next connection and arms its deadline.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	metrics.SetActiveConnections(l.active.Add(1))
	return newConn(c, l), nil
}

// Active returns the number of open connections accepted through l.
func (l *Listener) Active() int64 {
	return l.active.Load()
}

// Timeouts returns how many connections were terminated by the deadline.
func (l *Listener) Timeouts() int64 {
	return l.timeouts.Load()
}

// Timeout returns the configured inactivity deadline.
func (l *Listener) Timeout() time.Duration {
	return l.timeout
}

// Conn is a connection under deadline enforcement.
type Conn struct {
	net.Conn

	owner      *Listener
	acceptedAt time.Time
	lastActive atomic.Int64

	mu        sync.Mutex
	state     connState
	writing   int
	responded bool
	timer     *time.Timer

	closeOnce sync.Once
	closeErr  error
}

func newConn(c net.Conn, owner *Listener) *Conn {
	now := time.Now()
	tc := &Conn{Conn: c, owner: owner, acceptedAt: now}
	tc.lastActive.Store(now.UnixNano())

	tc.mu.Lock()
	tc.timer = time.AfterFunc(owner.timeout, tc.check)
	tc.mu.Unlock()
	return tc
}

// AcceptedAt returns when the connection was accepted.
func (c *Conn) AcceptedAt() time.Time {
	return c.acceptedAt
}

// LastActivity returns the time of the last successful read or write.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Deadline returns when the connection will be terminated absent further activity.
func (c *Conn) Deadline() time.Time {
	return c.LastActivity().Add(c.owner.timeout)
}

// Read reads from the connection and counts data as activity.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// Write writes to the connection unless it was already terminated by the deadline.
func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	if c.state == stateTerminated || c.state == stateClosed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	c.writing++
	c.mu.Unlock()

	n, err := c.Conn.Write(b)

	c.mu.Lock()
	c.writing--
	if n > 0 {
		c.responded = true
	}
	c.mu.Unlock()

	if n > 0 {
		c.touch()
	}
	return n, err
}

// Close stops the deadline and closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == stateArmed || c.state == stateDisarmed {
		c.state = stateClosed
	}
	c.stopTimerLocked()
	c.mu.Unlock()

	return c.closeUnderlying()
}

// Disarm removes the deadline, for connections taken over by a protocol upgrade.
// It reports whether the connection was still armed.
func (c *Conn) Disarm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateArmed {
		return false
	}
	c.state = stateDisarmed
	c.stopTimerLocked()
	return true
}

// idle marks the previous response as complete.
func (c *Conn) idle() {
	c.mu.Lock()
	c.responded = false
	c.mu.Unlock()
}

// TimedOut reports whether the deadline terminated the connection.
func (c *Conn) TimedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateTerminated
}

func (c *Conn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Conn) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// check runs when the timer fires. Activity since arming pushes the deadline out.
func (c *Conn) check() {
	c.mu.Lock()
	if c.state != stateArmed || c.timer == nil {
		c.mu.Unlock()
		return
	}
	if wait := time.Until(c.Deadline()); wait > 0 {
		c.timer.Reset(wait)
		c.mu.Unlock()
		return
	}
	c.state = stateTerminated
	c.timer = nil
	started := c.writing > 0 || c.responded
	c.mu.Unlock()

	// A response already started cannot be followed by a status line.
	if !started {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeoutWriteGrace))
		_, _ = io.WriteString(c.Conn, TimeoutResponse)
	}
	_ = c.closeUnderlying()

	c.owner.timeouts.Add(1)
	metrics.RecordConnectionTimeout()
	if c.owner.logger != nil {
		c.owner.logger.Warn("Request timed out",
			zap.String("remote_addr", c.RemoteAddr().String()),
			zap.Duration("timeout", c.owner.timeout),
			zap.Duration("connection_age", time.Since(c.acceptedAt)))
	}
}

func (c *Conn) closeUnderlying() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
		metrics.SetActiveConnections(c.owner.active.Add(-1))
	})
	return c.closeErr
}

// ConnStateHook returns an http.Server ConnState callback that disarms
// connections hijacked for protocol upgrades and tracks when a response
// has been fully written.
func ConnStateHook() func(net.Conn, http.ConnState) {
	return func(nc net.Conn, state http.ConnState) {
		tc, ok := nc.(*Conn)
		if !ok {
			return
		}
		switch state {
		case http.StateHijacked:
			tc.Disarm()
		case http.StateIdle:
			tc.idle()
		}
	}
}
