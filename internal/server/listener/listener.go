// Package listener owns the bind/listen lifecycle of the shared port.
//
// When the port is already in use the manager waits a fixed interval and tries
// again, forever, with no backoff growth and no attempt cap. Every other bind
// error is returned to the caller as fatal.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/backendhub/hubd/internal/metrics"
)

// DefaultRetryInterval is the wait between bind attempts while the port is in use.
const DefaultRetryInterval = time.Second

// ErrClosed is returned by Bind once the manager has been closed.
var ErrClosed = errors.New("listener closed")

// ErrAlreadyBound is returned by Bind when a listener is already active.
var ErrAlreadyBound = errors.New("listener already bound")

// State is the listener lifecycle state.
type State int32

const (
	Unbound State = iota
	Binding
	Listening
	Rebinding
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Binding:
		return "binding"
	case Listening:
		return "listening"
	case Rebinding:
		return "rebinding"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ListenFunc opens a stream listener.
type ListenFunc func(ctx context.Context, network, addr string) (net.Listener, error)

// Options configures a Manager.
type Options struct {
	Addr          string
	RetryInterval time.Duration
	Listen        ListenFunc
	Logger        *logging.Logger
}

// Manager drives the listener state machine.
type Manager struct {
	addr     string
	interval time.Duration
	listen   ListenFunc
	logger   *logging.Logger

	mu       sync.Mutex
	state    State
	ln       net.Listener
	attempts int
	closed   chan struct{}
}

// New creates a manager in the Unbound state.
func New(opts Options) *Manager {
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	listen := opts.Listen
	if listen == nil {
		var lc net.ListenConfig
		listen = lc.Listen
	}
	return &Manager{
		addr:     opts.Addr,
		interval: interval,
		listen:   listen,
		logger:   opts.Logger,
		closed:   make(chan struct{}),
	}
}

// Bind opens the listener, retrying while the address is in use.
//
// It returns once the socket is listening, a non-retryable error occurs, ctx
// is cancelled, or the manager is closed.
func (m *Manager) Bind(ctx context.Context) (net.Listener, error) {
	m.mu.Lock()
	switch m.state {
	case Closed:
		m.mu.Unlock()
		return nil, ErrClosed
	case Listening, Binding, Rebinding:
		m.mu.Unlock()
		return nil, ErrAlreadyBound
	}
	m.state = Binding
	m.mu.Unlock()

	for {
		ln, err := m.listen(ctx, "tcp", m.addr)
		if err == nil {
			m.mu.Lock()
			if m.state == Closed {
				m.mu.Unlock()
				_ = ln.Close()
				return nil, ErrClosed
			}
			m.state = Listening
			m.ln = ln
			m.mu.Unlock()

			m.info("Listener bound", zap.String("addr", ln.Addr().String()))
			return ln, nil
		}

		if !IsAddrInUse(err) {
			m.transition(Unbound)
			return nil, fmt.Errorf("bind %s: %w", m.addr, err)
		}

		m.mu.Lock()
		if m.state == Closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		m.state = Rebinding
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		metrics.RecordRebindAttempt()
		if m.logger != nil {
			m.logger.Error("Address in use, retrying...",
				zap.String("addr", m.addr),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", m.interval))
		}

		timer := time.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.transition(Unbound)
			return nil, ctx.Err()
		case <-m.closed:
			timer.Stop()
			return nil, ErrClosed
		case <-timer.C:
		}

		m.mu.Lock()
		if m.state == Closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		m.state = Binding
		m.mu.Unlock()
	}
}

// Close releases the listener. Closing an already closed manager is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return nil
	}
	m.state = Closed
	close(m.closed)
	ln := m.ln
	m.ln = nil
	m.mu.Unlock()

	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns how many times binding was retried because the address was in use.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Addr returns the bound address, or nil when not listening.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// IsAddrInUse reports whether err is an address-already-in-use bind failure.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func (m *Manager) transition(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Closed {
		m.state = to
	}
}

func (m *Manager) info(msg string, fields ...zap.Field) {
	if m.logger != nil {
		m.logger.Info(msg, fields...)
	}
}
