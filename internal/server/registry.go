package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// ErrRegistryFrozen is returned when a module is registered after bootstrap
// has frozen the mount table.
var ErrRegistryFrozen = errors.New("module registry is frozen")

// Module is an independently developed HTTP route group mounted under a path prefix.
type Module interface {
	// Name identifies the module in logs and listings.
	Name() string
	// Routes registers the module handlers on its sub-router. An error fails
	// the bootstrap transport phase.
	Routes(r chi.Router) error
}

// UpgradeModule attaches to the raw transport instead of the router. Attach
// runs to completion before the listener is bound.
type UpgradeModule interface {
	Name() string
	Attach(ctx context.Context, t *Transport) error
}

// Mount is one entry of the mount table.
type Mount struct {
	Prefix string
	Module Module
}

// MountTable lists mounts in registration order.
type MountTable []Mount

// Prefixes returns the mounted prefixes in order.
func (t MountTable) Prefixes() []string {
	out := make([]string, len(t))
	for i, m := range t {
		out[i] = m.Prefix
	}
	return out
}

// Registry collects the modules hosted by the process.
type Registry struct {
	mu       sync.RWMutex
	mounts   MountTable
	upgrades []UpgradeModule
	frozen   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Mount registers m under prefix. Prefixes must start with "/" and be unique.
func (r *Registry) Mount(prefix string, m Module) error {
	if m == nil {
		return fmt.Errorf("mount %q: nil module", prefix)
	}
	prefix = normalizePrefix(prefix)
	if prefix == "" {
		return fmt.Errorf("mount %s: prefix must start with / and not be the root", m.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	for _, existing := range r.mounts {
		if existing.Prefix == prefix {
			return fmt.Errorf("mount %s: prefix %s already used by %s", m.Name(), prefix, existing.Module.Name())
		}
	}

	r.mounts = append(r.mounts, Mount{Prefix: prefix, Module: m})
	return nil
}

// Attach registers an upgrade module.
func (r *Registry) Attach(m UpgradeModule) error {
	if m == nil {
		return errors.New("attach: nil upgrade module")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	r.upgrades = append(r.upgrades, m)
	return nil
}

// Table returns a copy of the mount table.
func (r *Registry) Table() MountTable {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(MountTable, len(r.mounts))
	copy(out, r.mounts)
	return out
}

// Upgrades returns the registered upgrade modules in order.
func (r *Registry) Upgrades() []UpgradeModule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UpgradeModule, len(r.upgrades))
	copy(out, r.upgrades)
	return out
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if !strings.HasPrefix(prefix, "/") {
		return ""
	}
	prefix = strings.TrimRight(prefix, "/")
	return prefix
}
