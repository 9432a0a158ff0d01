// Package wsapi is the WebSocket gateway. Clients authenticate with an
// access token, then multiplex commands, subscriptions and results over one
// connection using JSON text frames.
//
//	server: {"type": "auth_required", "ha_version": "..."}
//	client: {"type": "auth", "access_token": "..."}
//	server: {"type": "auth_ok", "ha_version": "..."}
//	client: {"id": 1, "type": "get_states"}
//	server: {"id": 1, "type": "result", "success": true, "result": [...]}
package wsapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/config"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/kernel"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/metrics"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/state"
)

// Defaults applied to zero WebSocket settings.
const (
	defaultPingInterval       = 30 * time.Second
	defaultPongTimeout        = 10 * time.Second
	defaultAuthTimeout        = 10 * time.Second
	defaultMaxPendingMessages = 512
	writeWait                 = 10 * time.Second
)

// HistoryReader serves recorder/history. The recorder implements it.
type HistoryReader interface {
	History(ctx context.Context, entityID string, start, end time.Time, limit int) ([]*state.State, error)
}

// Gateway accepts WebSocket connections and serves the command set.
type Gateway struct {
	kernel   *kernel.Kernel
	history  HistoryReader
	cfg      config.WebSocketConfig
	logger   core.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	commands map[string]command

	mu    sync.RWMutex
	conns map[*Connection]struct{}
	wg    sync.WaitGroup
}

// New creates a gateway over k. Zero settings in cfg take defaults.
func New(k *kernel.Kernel, cfg config.WebSocketConfig) *Gateway {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = int(defaultPingInterval / time.Second)
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = int(defaultPongTimeout / time.Second)
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = int(defaultAuthTimeout / time.Second)
	}
	if cfg.MaxPendingMessages <= 0 {
		cfg.MaxPendingMessages = defaultMaxPendingMessages
	}

	g := &Gateway{
		kernel: k,
		cfg:    cfg,
		logger: core.NopLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Clients authenticate with a token, not cookies.
				return true
			},
		},
		conns: make(map[*Connection]struct{}),
	}
	g.commands = g.defaultCommands()
	return g
}

// SetLogger sets the logger.
func (g *Gateway) SetLogger(logger core.Logger) {
	g.logger = logger
}

// SetMetrics enables connection and message counters.
func (g *Gateway) SetMetrics(m *metrics.Metrics) {
	g.metrics = m
}

// SetHistory enables the recorder/history command.
func (g *Gateway) SetHistory(h HistoryReader) {
	g.history = h
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConnection(g, ws, clientIP(r))
	g.register(c)
	c.serve()
}

// ConnectionCount returns the number of open connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Shutdown closes every connection with "going away" and waits for their
// command goroutines, bounded by ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) register(c *Connection) {
	g.mu.Lock()
	g.conns[c] = struct{}{}
	n := len(g.conns)
	g.mu.Unlock()
	g.metrics.ConnectionOpened()
	g.logger.Debug("websocket client connected", "remote", c.remoteIP, "clients", n)
}

func (g *Gateway) unregister(c *Connection) {
	g.mu.Lock()
	_, existed := g.conns[c]
	delete(g.conns, c)
	n := len(g.conns)
	g.mu.Unlock()
	if existed {
		g.metrics.ConnectionClosed()
		g.logger.Debug("websocket client disconnected", "remote", c.remoteIP, "clients", n)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
