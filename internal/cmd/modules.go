package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/logging"

	"github.com/backendhub/hubd/internal/config"
	"github.com/backendhub/hubd/internal/modules/portfolio"
	"github.com/backendhub/hubd/internal/modules/split"
	"github.com/backendhub/hubd/internal/modules/tictactoe"
	"github.com/backendhub/hubd/internal/output"
	"github.com/backendhub/hubd/internal/server"
	"github.com/backendhub/hubd/internal/store"
)

// buildRegistry registers every enabled module from cfg.
func buildRegistry(cfg *config.Config, logger *logging.Logger) (*server.Registry, error) {
	registry := server.NewRegistry()

	if cfg.Modules.Portfolio.Enabled {
		if err := registry.Mount("/portfolio", portfolio.New()); err != nil {
			return nil, err
		}
	}
	if cfg.Modules.Split.Enabled {
		if err := registry.Mount("/split", split.New(cfg.Modules.Split)); err != nil {
			return nil, err
		}
	}
	if cfg.Modules.TicTacToe.Enabled {
		if err := registry.Attach(tictactoe.New(cfg.Modules.TicTacToe, logger)); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// routeListing describes what a server built from cfg and registry would serve.
func routeListing(cfg *config.Config, registry *server.Registry) []output.Route {
	var routes []output.Route
	for _, path := range server.HostRoutes() {
		routes = append(routes, output.Route{Kind: output.KindHost, Path: path})
	}

	policies := []string{"connection_timeout"}
	if cfg.RateLimit.Enabled {
		policies = append([]string{fmt.Sprintf("rate_limit(%d/%s)", cfg.RateLimit.Limit, cfg.RateLimit.Window)}, policies...)
	}
	for _, m := range registry.Table() {
		routes = append(routes, output.Route{
			Kind:     output.KindMount,
			Path:     m.Prefix + "/*",
			Module:   m.Module.Name(),
			Policies: policies,
		})
	}

	for _, m := range registry.Upgrades() {
		path := "-"
		if p, ok := m.(interface{ Path() string }); ok {
			path = p.Path()
		}
		routes = append(routes, output.Route{Kind: output.KindUpgrade, Path: path, Module: m.Name()})
	}
	return routes
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}
