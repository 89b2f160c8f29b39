// Package bridge carries dispatcher envelopes over NATS.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/dispatch"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

type Bridge struct {
	cfg        config.BridgeConfig
	name       string
	subjects   protocol.Subjects
	bus        *bus.Client
	dispatcher *dispatch.Dispatcher
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	subs       []*nats.Subscription
	logger     *slog.Logger
}

// New builds a bridge that answers as name.
func New(parent context.Context, cfg config.BridgeConfig, name string, busClient *bus.Client, d *dispatch.Dispatcher, log *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		cfg:        cfg,
		name:       name,
		subjects:   protocol.Subjects{Prefix: cfg.SubjectPrefix},
		bus:        busClient,
		dispatcher: d,
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.With(slog.String("component", "nats-bridge")),
	}
}

func (b *Bridge) Start() error {
	if !b.cfg.Enabled {
		return nil
	}
	conn := b.bus.Conn()
	reqSub, err := conn.Subscribe(b.subjects.Request(), b.handleRequest)
	if err != nil {
		return err
	}
	respSub, err := conn.Subscribe(b.subjects.Response(), b.handleResponse)
	if err != nil {
		_ = reqSub.Unsubscribe()
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, reqSub, respSub)
	b.mu.Unlock()
	b.logger.Info("listening for requests", slog.String("subject", b.subjects.Request()))
	return nil
}

func (b *Bridge) Close() {
	b.cancel()
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (b *Bridge) Healthy() bool {
	if !b.cfg.Enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) == 2 && b.bus.Healthy()
}

// handleRequest runs on the subscription's goroutine so requests from the
// bus are handled in the order they were published.
func (b *Bridge) handleRequest(msg *nats.Msg) {
	var env protocol.Message
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn("failed to decode request", slogError(err))
		return
	}
	if env.Type == "" {
		env.Type = protocol.TypeRequest
	}
	if env.To == "" {
		env.To = b.name
	}
	reply := &callerSender{bridge: b, caller: env.From, inbox: msg.Reply}
	b.dispatcher.Dispatch(b.ctx, env, reply)
}

func (b *Bridge) handleResponse(msg *nats.Msg) {
	var env protocol.Message
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn("failed to decode response", slogError(err))
		return
	}
	b.dispatcher.HandleResponse(env)
}

// Send publishes a message for the playback host named in msg.To.
func (b *Bridge) Send(_ context.Context, msg protocol.Message) error {
	if !b.cfg.Enabled {
		return dispatch.ErrNoRoute
	}
	if msg.From == "" {
		msg.From = b.name
	}
	return b.bus.PublishJSON(b.subjects.Host(msg.To), msg)
}

// callerSender answers the caller of one request. The response goes to the
// NATS reply inbox when the caller used request-reply, progress always to
// the caller's notify subject.
type callerSender struct {
	bridge *Bridge
	caller string
	inbox  string
}

func (s *callerSender) Send(_ context.Context, msg protocol.Message) error {
	if msg.From == "" {
		msg.From = s.bridge.name
	}
	if msg.To == "" {
		msg.To = s.caller
	}
	subject := s.bridge.subjects.Notify(s.caller)
	if msg.Type == protocol.TypeResponse && s.inbox != "" {
		subject = s.inbox
	}
	return s.bridge.bus.PublishJSON(subject, msg)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
