package listener

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrInUse() error {
	return &net.OpError{Op: "listen", Net: "tcp", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
}

func TestBindAndCloseIdempotent(t *testing.T) {
	m := New(Options{Addr: "127.0.0.1:0"})
	require.Equal(t, Unbound, m.State())

	ln, err := m.Bind(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ln)
	assert.Equal(t, Listening, m.State())
	assert.NotNil(t, m.Addr())

	require.NoError(t, m.Close())
	assert.Equal(t, Closed, m.State())
	require.NoError(t, m.Close(), "closing twice must be a no-op")

	_, err = m.Bind(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBindRetriesWhilePortInUse(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := blocker.Addr().String()

	m := New(Options{Addr: addr, RetryInterval: 20 * time.Millisecond})
	t.Cleanup(func() { _ = m.Close() })

	type result struct {
		ln  net.Listener
		err error
	}
	done := make(chan result, 1)
	go func() {
		ln, err := m.Bind(context.Background())
		done <- result{ln, err}
	}()

	require.Eventually(t, func() bool { return m.Attempts() >= 1 }, 2*time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("bind must not succeed while the port is held")
	default:
	}

	require.NoError(t, blocker.Close())

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, addr, res.ln.Addr().String())
		assert.Equal(t, Listening, m.State())
		assert.GreaterOrEqual(t, m.Attempts(), 1)
	case <-time.After(3 * time.Second):
		t.Fatal("bind did not succeed after the port was released")
	}
}

func TestBindRetriesAtFixedInterval(t *testing.T) {
	var calls atomic.Int32
	var stamps []time.Time
	listen := func(ctx context.Context, network, addr string) (net.Listener, error) {
		stamps = append(stamps, time.Now())
		if calls.Add(1) <= 3 {
			return nil, addrInUse()
		}
		var lc net.ListenConfig
		return lc.Listen(ctx, network, "127.0.0.1:0")
	}

	m := New(Options{Addr: "127.0.0.1:3000", RetryInterval: 30 * time.Millisecond, Listen: listen})
	t.Cleanup(func() { _ = m.Close() })

	ln, err := m.Bind(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ln)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 3, m.Attempts())

	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, 30*time.Millisecond)
		assert.Less(t, gap, 500*time.Millisecond, "interval must stay fixed, not grow")
	}
}

func TestBindOtherErrorIsFatal(t *testing.T) {
	var calls atomic.Int32
	denied := errors.New("permission denied")
	listen := func(ctx context.Context, network, addr string) (net.Listener, error) {
		calls.Add(1)
		return nil, denied
	}

	m := New(Options{Addr: "127.0.0.1:80", RetryInterval: time.Millisecond, Listen: listen})

	_, err := m.Bind(context.Background())
	require.ErrorIs(t, err, denied)
	assert.Equal(t, int32(1), calls.Load(), "non address-in-use errors must not be retried")
	assert.Equal(t, 0, m.Attempts())
	assert.Equal(t, Unbound, m.State())
}

func TestCloseWhileRebinding(t *testing.T) {
	listen := func(ctx context.Context, network, addr string) (net.Listener, error) {
		return nil, addrInUse()
	}
	m := New(Options{Addr: "127.0.0.1:3000", RetryInterval: time.Hour, Listen: listen})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Bind(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return m.State() == Rebinding }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not interrupt the rebind wait")
	}
	assert.Equal(t, Closed, m.State())
}

func TestBindHonoursContextWhileRebinding(t *testing.T) {
	listen := func(ctx context.Context, network, addr string) (net.Listener, error) {
		return nil, addrInUse()
	}
	m := New(Options{Addr: "127.0.0.1:3000", RetryInterval: time.Hour, Listen: listen})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Bind(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return m.State() == Rebinding }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancel did not interrupt the rebind wait")
	}
	assert.Equal(t, Unbound, m.State())
}

func TestBindTwiceIsRejected(t *testing.T) {
	m := New(Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = m.Close() })

	_, err := m.Bind(context.Background())
	require.NoError(t, err)

	_, err = m.Bind(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyBound)
}

func TestIsAddrInUse(t *testing.T) {
	assert.True(t, IsAddrInUse(addrInUse()))
	assert.False(t, IsAddrInUse(errors.New("boom")))
	assert.False(t, IsAddrInUse(nil))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "rebinding", Rebinding.String())
	assert.Equal(t, "closed", Closed.String())
}
