package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/backendhub/hubd/internal/config"
	apperrors "github.com/backendhub/hubd/internal/errors"
	"github.com/backendhub/hubd/internal/metrics"
	"github.com/backendhub/hubd/internal/ratelimit"
	"github.com/backendhub/hubd/internal/server/conntimeout"
	"github.com/backendhub/hubd/internal/server/handlers"
	"github.com/backendhub/hubd/internal/server/listener"
	servermw "github.com/backendhub/hubd/internal/server/middleware"
)

// ErrPhaseOrder is returned when a bootstrap phase runs before its predecessor completed.
var ErrPhaseOrder = errors.New("bootstrap phase out of order")

// Phase is a bootstrap step. Phases complete strictly in declaration order.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseReadiness
	PhaseTransport
	PhaseUpgradeAttach
	PhasePolicyInstall
	PhaseBind
	PhaseServing
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseReadiness:
		return "readiness"
	case PhaseTransport:
		return "transport"
	case PhaseUpgradeAttach:
		return "upgrade_attach"
	case PhasePolicyInstall:
		return "policy_install"
	case PhaseBind:
		return "bind"
	case PhaseServing:
		return "serving"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Options configures a Bootstrap.
type Options struct {
	Server    config.ServerConfig
	RateLimit config.RateLimitConfig

	// Dependency is checked once before anything else happens.
	Dependency handlers.HealthChecker

	Registry *Registry
	Version  string
	Logger   *logging.Logger

	// Limiter overrides the limiter built from RateLimit.
	Limiter *ratelimit.Limiter

	// Listen overrides how the port is opened.
	Listen listener.ListenFunc
}

// Bootstrap sequences process startup: readiness, transport, upgrade attach,
// policy install, bind, serve. Each phase is a separate method so callers and
// tests can drive them one at a time; Run drives them all.
type Bootstrap struct {
	opts     Options
	registry *Registry
	health   *handlers.HealthManager
	limiter  *ratelimit.Limiter

	mu        sync.Mutex
	phase     Phase
	transport *Transport
	manager   *listener.Manager
	listener  *conntimeout.Listener
}

// NewBootstrap creates a bootstrap in PhaseInit.
func NewBootstrap(opts Options) *Bootstrap {
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	health := handlers.NewHealthManager(opts.Version)
	if opts.Dependency != nil {
		health.RegisterChecker("db", opts.Dependency)
	}

	limiter := opts.Limiter
	if limiter == nil && opts.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.NewMemoryStore(), opts.RateLimit.Limit, opts.RateLimit.Window)
	}

	return &Bootstrap{
		opts:     opts,
		registry: registry,
		health:   health,
		limiter:  limiter,
	}
}

// Phase returns the last completed phase.
func (b *Bootstrap) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// Registry returns the module registry.
func (b *Bootstrap) Registry() *Registry {
	return b.registry
}

// Health returns the health check manager.
func (b *Bootstrap) Health() *handlers.HealthManager {
	return b.health
}

// Transport returns the transport once PhaseTransport completed.
func (b *Bootstrap) Transport() *Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport
}

// Addr returns the bound address once PhaseBind completed.
func (b *Bootstrap) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// ConnectionListener returns the timeout-enforcing listener once bound.
func (b *Bootstrap) ConnectionListener() *conntimeout.Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listener
}

// AwaitReady performs one round-trip to the dependency. There is no retry: a
// failure is fatal to startup and is reported as DEPENDENCY_UNAVAILABLE.
func (b *Bootstrap) AwaitReady(ctx context.Context) error {
	start, err := b.begin(PhaseReadiness)
	if err != nil {
		return err
	}

	if b.opts.Dependency != nil {
		if err := b.opts.Dependency.CheckHealth(ctx); err != nil {
			b.logError("Dependency readiness check failed", zap.Error(err))
			return apperrors.WrapDependencyUnavailable(ctx, err, "dependency readiness check failed")
		}
	}

	b.complete(PhaseReadiness, start)
	return nil
}

// CreateTransport builds the router and mounts every registered HTTP module.
func (b *Bootstrap) CreateTransport() (*Transport, error) {
	start, err := b.begin(PhaseTransport)
	if err != nil {
		return nil, err
	}

	t := NewTransport(b.health)
	for _, m := range b.registry.Table() {
		if err := t.mount(m); err != nil {
			return nil, err
		}
		b.logInfo("Module mounted",
			zap.String("module", m.Module.Name()),
			zap.String("prefix", m.Prefix))
	}

	b.mu.Lock()
	b.transport = t
	b.mu.Unlock()

	b.complete(PhaseTransport, start)
	return t, nil
}

// AttachUpgrade runs every upgrade module's Attach against the transport and
// waits for all of them, bounded by the attach timeout.
func (b *Bootstrap) AttachUpgrade(ctx context.Context) error {
	start, err := b.begin(PhaseUpgradeAttach)
	if err != nil {
		return err
	}

	timeout := b.opts.Server.AttachTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	t := b.Transport()
	for _, m := range b.registry.Upgrades() {
		b.logInfo("Attaching upgrade module", zap.String("module", m.Name()))

		done := make(chan error, 1)
		go func(m UpgradeModule) {
			done <- m.Attach(ctx, t)
		}(m)

		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("attach %s: %w", m.Name(), err)
			}
		case <-ctx.Done():
			return fmt.Errorf("attach %s: %w", m.Name(), ctx.Err())
		}
	}

	b.complete(PhaseUpgradeAttach, start)
	return nil
}

// InstallPolicies puts the rate limiter in front of every mounted module,
// hooks connection state tracking for the timeout enforcer and freezes the
// mount table.
func (b *Bootstrap) InstallPolicies() error {
	start, err := b.begin(PhasePolicyInstall)
	if err != nil {
		return err
	}

	t := b.Transport()
	if b.limiter != nil {
		t.wrapMounts(func(m Mount) func(http.Handler) http.Handler {
			return servermw.RateLimit(b.limiter, servermw.RateLimitOptions{
				Group:      strings.TrimPrefix(m.Prefix, "/"),
				TrustProxy: b.opts.Server.TrustProxy,
			})
		})
		b.logInfo("Rate limiter installed",
			zap.Int("limit", b.limiter.Limit),
			zap.Duration("window", b.limiter.Window),
			zap.Bool("trust_proxy", b.opts.Server.TrustProxy))
	}

	t.server.ConnState = conntimeout.ConnStateHook()

	b.registry.Freeze()
	t.freeze()

	b.complete(PhasePolicyInstall, start)
	return nil
}

// Bind opens the listening socket, waiting out address-in-use conflicts, and
// installs the connection timeout enforcer on it.
func (b *Bootstrap) Bind(ctx context.Context) (net.Addr, error) {
	start, err := b.begin(PhaseBind)
	if err != nil {
		return nil, err
	}

	manager := listener.New(listener.Options{
		Addr:          b.opts.Server.Addr(),
		RetryInterval: b.opts.Server.RebindInterval,
		Listen:        b.opts.Listen,
		Logger:        b.opts.Logger,
	})

	b.mu.Lock()
	if b.phase == PhaseStopped {
		b.mu.Unlock()
		return nil, listener.ErrClosed
	}
	b.manager = manager
	b.mu.Unlock()

	ln, err := manager.Bind(ctx)
	if err != nil {
		return nil, err
	}

	wrapped := conntimeout.Wrap(ln, b.opts.Server.ConnectionTimeout, b.opts.Logger)

	b.mu.Lock()
	b.listener = wrapped
	b.mu.Unlock()

	b.complete(PhaseBind, start)
	return wrapped.Addr(), nil
}

// Serve accepts connections until Shutdown or Close. A graceful stop returns nil.
func (b *Bootstrap) Serve() error {
	start, err := b.begin(PhaseServing)
	if err != nil {
		if b.Phase() == PhaseStopped {
			return nil
		}
		return err
	}

	b.mu.Lock()
	t, ln := b.transport, b.listener
	b.mu.Unlock()

	metrics.SetServerStartTime(time.Now().Unix())
	b.complete(PhaseServing, start)
	b.logInfo("Server is Ready.", zap.String("addr", ln.Addr().String()))

	if err := t.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Run drives every phase in order and serves until ctx is cancelled, then
// shuts down within the configured shutdown timeout.
func (b *Bootstrap) Run(ctx context.Context) error {
	if err := b.start(ctx); err != nil {
		if b.stoppedBy(err) {
			b.logInfo("Startup interrupted by shutdown", zap.Error(err))
			return nil
		}
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Serve()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := b.opts.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := b.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (b *Bootstrap) start(ctx context.Context) error {
	if err := b.AwaitReady(ctx); err != nil {
		return err
	}
	if _, err := b.CreateTransport(); err != nil {
		return err
	}
	if err := b.AttachUpgrade(ctx); err != nil {
		return err
	}
	if err := b.InstallPolicies(); err != nil {
		return err
	}
	_, err := b.Bind(ctx)
	return err
}

// stoppedBy reports whether a startup error is the result of Shutdown
// racing the remaining phases.
func (b *Bootstrap) stoppedBy(err error) bool {
	if errors.Is(err, listener.ErrClosed) {
		return true
	}
	return errors.Is(err, ErrPhaseOrder) && b.Phase() == PhaseStopped
}

// Shutdown stops accepting, drains in-flight requests, releases the listener
// and closes upgrade modules that hold their own connections.
func (b *Bootstrap) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	t, manager := b.transport, b.manager
	b.phase = PhaseStopped
	b.mu.Unlock()

	var errs []error
	if t != nil {
		if err := t.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown transport: %w", err))
		}
	}
	if manager != nil {
		if err := manager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	for _, m := range b.registry.Upgrades() {
		if closer, ok := m.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", m.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close stops everything immediately.
func (b *Bootstrap) Close() error {
	b.mu.Lock()
	t, manager := b.transport, b.manager
	b.phase = PhaseStopped
	b.mu.Unlock()

	var errs []error
	if t != nil {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if manager != nil {
		if err := manager.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// begin checks that the previous phase completed.
func (b *Bootstrap) begin(p Phase) (time.Time, error) {
	b.mu.Lock()
	current := b.phase
	b.mu.Unlock()

	if current != p-1 {
		return time.Time{}, fmt.Errorf("%w: %s requires %s, last completed %s", ErrPhaseOrder, p, p-1, current)
	}
	b.logDebug("Bootstrap phase started", zap.String("phase", p.String()))
	return time.Now(), nil
}

func (b *Bootstrap) complete(p Phase, start time.Time) {
	elapsed := time.Since(start)

	b.mu.Lock()
	if b.phase == p-1 {
		b.phase = p
	}
	b.mu.Unlock()

	metrics.RecordBootstrapPhase(p.String(), elapsed)
	b.logInfo("Bootstrap phase complete",
		zap.String("phase", p.String()),
		zap.Duration("duration", elapsed))
}

func (b *Bootstrap) logInfo(msg string, fields ...zap.Field) {
	if b.opts.Logger != nil {
		b.opts.Logger.Info(msg, fields...)
	}
}

func (b *Bootstrap) logDebug(msg string, fields ...zap.Field) {
	if b.opts.Logger != nil {
		b.opts.Logger.Debug(msg, fields...)
	}
}

func (b *Bootstrap) logError(msg string, fields ...zap.Field) {
	if b.opts.Logger != nil {
		b.opts.Logger.Error(msg, fields...)
	}
}
