package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/backendhub/hubd/internal/errors"
	"github.com/backendhub/hubd/internal/observability"
	"github.com/backendhub/hubd/internal/server/handlers"
	servermw "github.com/backendhub/hubd/internal/server/middleware"
)

// reservedPrefixes are served by the host itself and cannot be mounted over.
var reservedPrefixes = []string{"/health", "/db_health", "/version", "/metrics", "/admin"}

// Transport is the shared HTTP transport every module is served from.
//
// Ordinary requests go through the chi router and its middleware. Upgrade
// requests for a path registered with HandleUpgrade are handed to that handler
// directly and never see the router or the HTTP policies.
type Transport struct {
	router *chi.Mux
	server *http.Server
	health *handlers.HealthManager

	mu       sync.RWMutex
	upgrades map[string]http.Handler
	frozen   bool

	mounts []*mountHandler
}

// NewTransport creates the router and the http.Server around it.
func NewTransport(health *handlers.HealthManager) *Transport {
	if health == nil {
		health = handlers.NewHealthManager(handlers.AppVersion)
	}

	r := chi.NewRouter()

	// Our custom middleware in correct order (RequestID → Metrics → Recovery)
	r.Use(servermw.RequestID)      // 1. Request ID (early for correlation)
	r.Use(servermw.RequestMetrics) // 2. Metrics (measure everything)
	r.Use(servermw.Recovery)       // 3. Panic recovery, one module cannot take down another

	// Standardized error responses using centralized HandleError
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	t := &Transport{
		router:   r,
		health:   health,
		upgrades: make(map[string]http.Handler),
	}
	t.server = &http.Server{Handler: t}

	// Ensure handlers use the centralized error responder
	handlers.SetHTTPErrorResponder(HandleError)

	t.registerRoutes()

	return t
}

// ServeHTTP dispatches upgrade requests to their attached handler and
// everything else to the router.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isUpgradeRequest(r) {
		if h := t.upgradeHandler(r.URL.Path); h != nil {
			h.ServeHTTP(w, r)
			return
		}
	}
	t.router.ServeHTTP(w, r)
}

// HandleUpgrade routes upgrade requests for path to h.
func (t *Transport) HandleUpgrade(path string, h http.Handler) error {
	if h == nil {
		return fmt.Errorf("upgrade %s: nil handler", path)
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("upgrade %s: path must start with /", path)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := t.upgrades[path]; exists {
		return fmt.Errorf("upgrade %s: path already attached", path)
	}
	t.upgrades[path] = h
	return nil
}

// UpgradePaths returns the attached upgrade paths.
func (t *Transport) UpgradePaths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	paths := make([]string, 0, len(t.upgrades))
	for p := range t.upgrades {
		paths = append(paths, p)
	}
	return paths
}

// Server exposes the raw http.Server for upgrade modules.
func (t *Transport) Server() *http.Server {
	return t.server
}

// Handler exposes the transport for testing and instrumentation
func (t *Transport) Handler() http.Handler {
	return t
}

// Serve accepts connections on ln until Shutdown or Close.
func (t *Transport) Serve(ln net.Listener) error {
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Starting HTTP server",
			zap.String("addr", ln.Addr().String()))
	}
	return t.server.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server
func (t *Transport) Shutdown(ctx context.Context) error {
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Shutting down HTTP server")
	}
	return t.server.Shutdown(ctx)
}

// Close stops the HTTP server immediately.
func (t *Transport) Close() error {
	return t.server.Close()
}

// mount builds the module sub-router and attaches it under its prefix.
func (t *Transport) mount(m Mount) error {
	for _, reserved := range reservedPrefixes {
		if m.Prefix == reserved || strings.HasPrefix(m.Prefix, reserved+"/") {
			return fmt.Errorf("mount %s: prefix %s is reserved", m.Module.Name(), m.Prefix)
		}
	}

	sub := chi.NewRouter()
	sub.NotFound(notFound)
	sub.MethodNotAllowed(methodNotAllowed)
	if err := m.Module.Routes(sub); err != nil {
		return fmt.Errorf("mount %s at %s: %w", m.Module.Name(), m.Prefix, err)
	}

	mh := newMountHandler(m, sub)
	t.router.Mount(m.Prefix, mh)
	t.mounts = append(t.mounts, mh)
	return nil
}

// wrapMounts installs mw in front of every mounted module.
func (t *Transport) wrapMounts(mw func(Mount) func(http.Handler) http.Handler) {
	for _, mh := range t.mounts {
		mh.wrap(mw(mh.mount))
	}
}

func (t *Transport) freeze() {
	t.mu.Lock()
	t.frozen = true
	t.mu.Unlock()
}

func (t *Transport) upgradeHandler(path string) http.Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.upgrades[path]
}

// mountHandler serves one module through a swappable policy chain.
type mountHandler struct {
	mount  Mount
	base   http.Handler
	active atomic.Pointer[http.Handler]
}

func newMountHandler(m Mount, base http.Handler) *mountHandler {
	mh := &mountHandler{mount: m, base: base}
	mh.active.Store(&base)
	return mh
}

func (mh *mountHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*mh.active.Load()).ServeHTTP(w, r)
}

func (mh *mountHandler) wrap(mw func(http.Handler) http.Handler) {
	h := mw(mh.base)
	mh.active.Store(&h)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	HandleError(w, r, apperrors.NewNotFoundError("The requested resource was not found"))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	HandleError(w, r, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
}

func isUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
