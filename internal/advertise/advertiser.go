// Package advertise publishes the voices this node offers and tracks the
// voices offered by other nodes on the bus.
package advertise

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Node is the last announcement heard from one node.
type Node struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"`
	Voices   []string  `json:"voices"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// VoiceSource lists the advertised voice names of this node.
type VoiceSource func() []string

type Advertiser struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	voices VoiceSource
	clock  func() time.Time
	mu     sync.RWMutex
	nodes  map[string]*Node
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *nats.Subscription
	meter  metric.Meter
}

func New(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, voices VoiceSource, log *slog.Logger) (*Advertiser, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &Advertiser{
		cfg:    cfg,
		log:    log.With(slog.String("component", "voice-advertiser")),
		bus:    busClient,
		voices: voices,
		clock:  time.Now,
		nodes:  make(map[string]*Node),
		cancel: cancel,
		meter:  otel.Meter("github.com/loqalabs/loqa-speech/advertise"),
	}

	if err := a.initMetrics(); err != nil {
		a.log.Warn("failed to initialize metrics", slogError(err))
	}

	sub, err := busClient.Conn().Subscribe(protocol.SubjectVoicesAnnounce, a.handleAnnounce)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe announce: %w", err)
	}
	a.sub = sub

	a.wg.Add(2)
	go a.runHeartbeat(ctx)
	go a.monitorHealth(ctx)

	if err := a.Announce(); err != nil {
		a.log.Warn("failed to announce voices", slogError(err))
	}
	return a, nil
}

func (a *Advertiser) Close() {
	a.cancel()
	if a.sub != nil {
		_ = a.sub.Drain()
	}
	a.wg.Wait()
}

// Announce publishes the current voice list.
func (a *Advertiser) Announce() error {
	msg := protocol.VoiceAnnouncement{
		NodeID:    a.cfg.ID,
		Role:      a.cfg.Role,
		Voices:    a.voices(),
		Timestamp: a.clock().UTC(),
	}
	if err := a.bus.PublishJSON(protocol.SubjectVoicesAnnounce, msg); err != nil {
		return err
	}
	a.update(msg)
	return nil
}

func (a *Advertiser) runHeartbeat(ctx context.Context) {
	defer a.wg.Done()
	interval := time.Duration(a.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Announce(); err != nil {
				a.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (a *Advertiser) monitorHealth(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.evaluateHealth(a.clock())
		}
	}
}

func (a *Advertiser) handleAnnounce(msg *nats.Msg) {
	var ann protocol.VoiceAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		a.log.Warn("invalid voice announcement", slogError(err))
		return
	}
	if ann.NodeID == "" {
		return
	}
	if ann.Timestamp.IsZero() {
		ann.Timestamp = a.clock().UTC()
	}
	a.update(ann)
}

func (a *Advertiser) update(ann protocol.VoiceAnnouncement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	node, ok := a.nodes[ann.NodeID]
	if !ok {
		node = &Node{ID: ann.NodeID}
		a.nodes[ann.NodeID] = node
		if ann.NodeID != a.cfg.ID {
			a.log.Info("discovered speech node", slog.String("node", ann.NodeID), slog.Int("voices", len(ann.Voices)))
		}
	}
	node.Role = ann.Role
	node.Voices = append([]string(nil), ann.Voices...)
	node.LastSeen = ann.Timestamp
	node.Healthy = true
}

func (a *Advertiser) evaluateHealth(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	timeout := time.Duration(a.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range a.nodes {
		if timeout > 0 && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node's own announcement is current.
func (a *Advertiser) Healthy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	node, ok := a.nodes[a.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns every known node in id order.
func (a *Advertiser) Nodes() []Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Node, 0, len(a.nodes))
	for _, node := range a.nodes {
		n := *node
		n.Voices = append([]string(nil), node.Voices...)
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *Advertiser) healthyPeers() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var n int64
	for id, node := range a.nodes {
		if id != a.cfg.ID && node.Healthy {
			n++
		}
	}
	return n
}

func (a *Advertiser) initMetrics() error {
	peers, err := a.meter.Int64ObservableGauge("loqa.voices.peers", metric.WithDescription("Healthy peer nodes advertising voices"))
	if err != nil {
		return err
	}
	_, err = a.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(peers, a.healthyPeers())
		return nil
	}, peers)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
