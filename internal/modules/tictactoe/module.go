// Package tictactoe is the real-time two-player game module.
//
// It attaches to the raw transport as an upgrade handler, so its sockets
// bypass the HTTP router, the rate limiter and the connection timeout.
package tictactoe

import (
	"context"
	"net/http"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/backendhub/hubd/internal/config"
	"github.com/backendhub/hubd/internal/server"
)

// Module serves the game socket endpoint.
type Module struct {
	path     string
	logger   *logging.Logger
	upgrader websocket.Upgrader
	hub      *Hub
}

// New creates the module from its configuration.
func New(cfg config.TicTacToeConfig, logger *logging.Logger) *Module {
	path := cfg.Path
	if path == "" {
		path = "/socket"
	}
	return &Module{
		path:   path,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				// Browser clients are served from other origins.
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		hub: NewHub(cfg.MessagesPerSecond, cfg.Burst, logger),
	}
}

// Name implements server.UpgradeModule.
func (m *Module) Name() string { return "tictactoe" }

// Path returns the socket path.
func (m *Module) Path() string { return m.path }

// Hub returns the room hub.
func (m *Module) Hub() *Hub { return m.hub }

// Attach implements server.UpgradeModule.
func (m *Module) Attach(ctx context.Context, t *server.Transport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.HandleUpgrade(m.path, m)
}

// ServeHTTP upgrades the request and runs the socket until it closes.
func (m *Module) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		if m.logger != nil {
			m.logger.Warn("WebSocket upgrade failed",
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err))
		}
		return
	}
	m.hub.Serve(conn)
}

// Close disconnects all players.
func (m *Module) Close() error {
	return m.hub.Close()
}
