package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backendhub/hubd/internal/config"
	apperrors "github.com/backendhub/hubd/internal/errors"
	"github.com/backendhub/hubd/internal/server/conntimeout"
	"github.com/backendhub/hubd/internal/server/handlers"
)

type switchableDependency struct {
	down atomic.Bool
}

func (d *switchableDependency) CheckHealth(ctx context.Context) error {
	if d.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

type delayedUpgrade struct {
	delay     time.Duration
	attaching chan struct{}
	attached  atomic.Bool
	closed    atomic.Bool
}

func (m *delayedUpgrade) Name() string { return "delayed" }

func (m *delayedUpgrade) Attach(ctx context.Context, t *Transport) error {
	if m.attaching != nil {
		close(m.attaching)
	}
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := t.HandleUpgrade("/socket", http.NotFoundHandler()); err != nil {
		return err
	}
	m.attached.Store(true)
	return nil
}

func (m *delayedUpgrade) Close() error {
	m.closed.Store(true)
	return nil
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:              "127.0.0.1",
		Port:              0,
		TrustProxy:        true,
		ConnectionTimeout: 10 * time.Second,
		RebindInterval:    10 * time.Millisecond,
		AttachTimeout:     5 * time.Second,
		ShutdownTimeout:   2 * time.Second,
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// runBootstrap starts Run in the background and waits until it serves.
func runBootstrap(t *testing.T, b *Bootstrap) (string, func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return b.Phase() == PhaseServing
	}, 5*time.Second, 5*time.Millisecond)

	var once sync.Once
	var stopErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-errCh:
			case <-time.After(5 * time.Second):
				stopErr = errors.New("bootstrap did not stop")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { _ = stop() })

	return "http://" + b.Addr().String(), stop
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestBootstrapRejectsOutOfOrderPhases(t *testing.T) {
	b := NewBootstrap(Options{Server: testServerConfig()})

	_, err := b.Bind(context.Background())
	require.ErrorIs(t, err, ErrPhaseOrder)

	_, err = b.CreateTransport()
	require.ErrorIs(t, err, ErrPhaseOrder)

	require.NoError(t, b.AwaitReady(context.Background()))
	assert.Equal(t, PhaseReadiness, b.Phase())

	require.ErrorIs(t, b.AwaitReady(context.Background()), ErrPhaseOrder)
	require.ErrorIs(t, b.InstallPolicies(), ErrPhaseOrder)
}

func TestAwaitReadyFailureIsFatal(t *testing.T) {
	dep := &switchableDependency{}
	dep.down.Store(true)

	listenCalled := atomic.Bool{}
	b := NewBootstrap(Options{
		Server:     testServerConfig(),
		Dependency: dep,
		Listen: func(ctx context.Context, network, addr string) (net.Listener, error) {
			listenCalled.Store(true)
			return nil, errors.New("unexpected bind")
		},
	})

	err := b.Run(context.Background())
	require.Error(t, err)

	var envelope *gferrors.ErrorEnvelope
	require.True(t, errors.As(err, &envelope))
	assert.Equal(t, "DEPENDENCY_UNAVAILABLE", envelope.Code)

	assert.Equal(t, PhaseInit, b.Phase())
	assert.Nil(t, b.Transport())
	assert.False(t, listenCalled.Load(), "no bind may happen after a failed readiness check")
}

func TestUpgradeAttachCompletesBeforeBind(t *testing.T) {
	port := freePort(t)
	cfg := testServerConfig()
	cfg.Port = port

	upgrade := &delayedUpgrade{delay: 200 * time.Millisecond, attaching: make(chan struct{})}
	registry := NewRegistry()
	require.NoError(t, registry.Attach(upgrade))

	attachedAtBind := atomic.Bool{}
	b := NewBootstrap(Options{
		Server:   cfg,
		Registry: registry,
		Listen: func(ctx context.Context, network, addr string) (net.Listener, error) {
			attachedAtBind.Store(upgrade.attached.Load())
			var lc net.ListenConfig
			return lc.Listen(ctx, network, addr)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Run(ctx)
	}()

	<-upgrade.attaching
	_, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
	assert.Error(t, err, "no connection may be accepted while attach is in progress")

	require.Eventually(t, func() bool {
		return b.Phase() == PhaseServing
	}, 5*time.Second, 5*time.Millisecond)

	assert.True(t, attachedAtBind.Load(), "bind must happen after attach completed")
	assert.Equal(t, []string{"/socket"}, b.Transport().UpgradePaths())

	cancel()
	require.NoError(t, <-errCh)
	assert.True(t, upgrade.closed.Load())
	assert.Equal(t, PhaseStopped, b.Phase())
}

func TestUpgradeAttachTimeout(t *testing.T) {
	cfg := testServerConfig()
	cfg.AttachTimeout = 50 * time.Millisecond

	registry := NewRegistry()
	require.NoError(t, registry.Attach(&delayedUpgrade{delay: time.Hour}))

	b := NewBootstrap(Options{Server: cfg, Registry: registry})
	err := b.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, PhaseTransport, b.Phase())
}

func TestMountErrorFailsTransportPhase(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Mount("/split", failingModule{}))

	b := NewBootstrap(Options{Server: testServerConfig(), Registry: registry})
	err := b.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "mount failing at /split")
	assert.Equal(t, PhaseReadiness, b.Phase())
}

type failingModule struct{}

func (failingModule) Name() string { return "failing" }

func (failingModule) Routes(r chi.Router) error {
	return errors.New("missing encryption key")
}

func TestRunServesHealthAndRateLimitsModules(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Mount("/portfolio", echoModule{name: "portfolio"}))

	b := NewBootstrap(Options{
		Server:     testServerConfig(),
		RateLimit:  config.RateLimitConfig{Enabled: true, Window: time.Minute, Limit: 2},
		Dependency: &switchableDependency{},
		Registry:   registry,
	})
	base, stop := runBootstrap(t, b)

	for i := 0; i < 2; i++ {
		resp, body := get(t, base+"/portfolio")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "portfolio", string(body))
		assert.Equal(t, "2", resp.Header.Get("RateLimit-Limit"))
	}

	resp, body := get(t, base+"/portfolio")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	var rejected apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(body, &rejected))
	assert.Equal(t, "RATE_LIMITED", rejected.Error.Code)

	for i := 0; i < 5; i++ {
		resp, _ := get(t, base+"/health")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	assert.ErrorIs(t, registry.Mount("/late", echoModule{name: "late"}), ErrRegistryFrozen)
	require.NoError(t, stop())
}

func TestHealthEndpointsWhenDatabaseGoesDown(t *testing.T) {
	dep := &switchableDependency{}
	b := NewBootstrap(Options{Server: testServerConfig(), Dependency: dep})
	base, _ := runBootstrap(t, b)

	resp, body := get(t, base+"/db_health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ok handlers.MessageResponse
	require.NoError(t, json.Unmarshal(body, &ok))
	assert.Equal(t, "DB is Running.", ok.Message)

	dep.down.Store(true)

	resp, body = get(t, base+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var live handlers.MessageResponse
	require.NoError(t, json.Unmarshal(body, &live))
	assert.Equal(t, "Server is Running.", live.Message)

	resp, body = get(t, base+"/db_health")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var failed apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(body, &failed))
	assert.Equal(t, "DATABASE_ERROR", failed.Error.Code)

	assert.Equal(t, PhaseServing, b.Phase(), "a failed readiness check must not stop the server")
}

func TestIdleConnectionReceivesTimeout(t *testing.T) {
	cfg := testServerConfig()
	cfg.ConnectionTimeout = 100 * time.Millisecond

	b := NewBootstrap(Options{Server: cfg})
	_, _ = runBootstrap(t, b)

	conn, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, conntimeout.TimeoutResponse, string(data))

	require.Eventually(t, func() bool {
		return b.ConnectionListener().Timeouts() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBindRetriesWhileAddressInUse(t *testing.T) {
	attempts := atomic.Int32{}
	b := NewBootstrap(Options{
		Server: testServerConfig(),
		Listen: func(ctx context.Context, network, addr string) (net.Listener, error) {
			if attempts.Add(1) < 3 {
				return nil, &net.OpError{Op: "listen", Net: network, Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
			}
			var lc net.ListenConfig
			return lc.Listen(ctx, network, addr)
		},
	})

	require.NoError(t, b.AwaitReady(context.Background()))
	_, err := b.CreateTransport()
	require.NoError(t, err)
	require.NoError(t, b.AttachUpgrade(context.Background()))
	require.NoError(t, b.InstallPolicies())

	addr, err := b.Bind(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, addr)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, PhaseBind, b.Phase())

	require.NoError(t, b.Close())
}

func TestShutdownDuringRebindIsCleanStop(t *testing.T) {
	attempts := atomic.Int32{}
	b := NewBootstrap(Options{
		Server: testServerConfig(),
		Listen: func(ctx context.Context, network, addr string) (net.Listener, error) {
			attempts.Add(1)
			return nil, &net.OpError{Op: "listen", Net: network, Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
		},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(context.Background()) }()

	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, b.Shutdown(context.Background()))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.Equal(t, PhaseStopped, b.Phase())
}

func TestShutdownDuringAttachIsCleanStop(t *testing.T) {
	upgrade := &delayedUpgrade{delay: 100 * time.Millisecond, attaching: make(chan struct{})}
	registry := NewRegistry()
	require.NoError(t, registry.Attach(upgrade))

	b := NewBootstrap(Options{Server: testServerConfig(), Registry: registry})

	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(context.Background()) }()

	select {
	case <-upgrade.attaching:
	case <-time.After(5 * time.Second):
		t.Fatal("upgrade module never attached")
	}
	require.NoError(t, b.Shutdown(context.Background()))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.Nil(t, b.ConnectionListener(), "no port may be opened after Shutdown")
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "upgrade_attach", PhaseUpgradeAttach.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}
