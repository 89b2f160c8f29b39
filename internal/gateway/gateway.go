// Package gateway carries dispatcher envelopes over WebSocket connections.
// Callers connect to issue intents and receive progress; a playback host
// connects with ?name=<host> to receive audio and answer with responses.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/dispatch"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"golang.org/x/time/rate"
)

var errClientGone = errors.New("websocket client disconnected")

type Gateway struct {
	cfg        config.GatewayConfig
	name       string
	dispatcher *dispatch.Dispatcher
	upgrader   websocket.Upgrader
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	named   map[string]*client
}

func New(parent context.Context, cfg config.GatewayConfig, name string, d *dispatch.Dispatcher, log *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(parent)
	return &Gateway{
		cfg:        cfg,
		name:       name,
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "ws-gateway")),
		clients: make(map[string]*client),
		named:   make(map[string]*client),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.cfg.Enabled {
		http.NotFound(w, r)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	c := newClient(g, conn, r.URL.Query().Get("name"), g.limiter())
	g.register(c)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.unregister(c)
		c.run(g.ctx)
	}()
}

func (g *Gateway) limiter() *rate.Limiter {
	burst := g.cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	if g.cfg.RequestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(float64(g.cfg.RequestsPerMinute)/60.0), burst)
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[c.id] = c
	if c.name != "" {
		if prev, ok := g.named[c.name]; ok {
			g.logger.Info("replacing connection", slog.String("name", c.name), slog.String("previous", prev.id))
		}
		g.named[c.name] = c
	}
	g.logger.Info("client connected", slog.String("client", c.id), slog.String("name", c.name))
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, c.id)
	if c.name != "" && g.named[c.name] == c {
		delete(g.named, c.name)
	}
	g.logger.Info("client disconnected", slog.String("client", c.id))
}

// Send delivers msg to the connection registered under msg.To.
func (g *Gateway) Send(ctx context.Context, msg protocol.Message) error {
	g.mu.RLock()
	c, ok := g.named[msg.To]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", dispatch.ErrNoRoute, msg.To)
	}
	if msg.From == "" {
		msg.From = g.name
	}
	return c.Send(ctx, msg)
}

// Clients reports the number of open connections.
func (g *Gateway) Clients() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

func (g *Gateway) Healthy() bool { return true }

// Close disconnects every client and waits for their pumps to exit.
func (g *Gateway) Close() {
	g.cancel()
	g.mu.RLock()
	for _, c := range g.clients {
		c.close()
	}
	g.mu.RUnlock()
	g.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
