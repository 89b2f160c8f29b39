// Package dispatch routes envelopes from any transport to the intent
// handlers and matches replies from the playback host to the requests that
// are waiting for them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-speech/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrUnknownMethod = errors.New("unknown method")
	// ErrNotFound marks voice resolution failures.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks operations the current speech cannot perform.
	ErrInvalidState = errors.New("invalid state")
	ErrDuplicateID  = errors.New("duplicate request id")
	// ErrNoRoute is returned by a Sender that cannot reach msg.To.
	ErrNoRoute = errors.New("no route to recipient")
)

// Sender delivers an envelope over the transport it belongs to.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg protocol.Message) error

func (f SenderFunc) Send(ctx context.Context, msg protocol.Message) error { return f(ctx, msg) }

// Fallback tries each sender in turn until one can reach the recipient.
func Fallback(senders ...Sender) Sender {
	return SenderFunc(func(ctx context.Context, msg protocol.Message) error {
		for _, s := range senders {
			if s == nil {
				continue
			}
			err := s.Send(ctx, msg)
			if !errors.Is(err, ErrNoRoute) {
				return err
			}
		}
		return fmt.Errorf("%w: %q", ErrNoRoute, msg.To)
	})
}

// Call is one decoded request together with the way back to its caller.
type Call struct {
	Message protocol.Message
	Request Request
	Reply   Sender
}

// Handler serves one intent. Its result becomes the response payload.
type Handler func(ctx context.Context, call Call) (any, error)

// Handlers maps intent names to their handlers.
type Handlers map[string]Handler

// Response is the host's answer to one outstanding request.
type Response struct {
	Result json.RawMessage
	Err    error
}

type Dispatcher struct {
	handlers atomic.Pointer[Handlers]
	mu       sync.Mutex
	pending  map[string]chan Response
	logger   *slog.Logger
	requests metric.Int64Counter
}

func New(log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		pending: make(map[string]chan Response),
		logger:  log.With(slog.String("component", "dispatcher")),
	}
	empty := Handlers{}
	d.handlers.Store(&empty)
	counter, err := otel.Meter("github.com/loqalabs/loqa-speech/dispatch").Int64Counter(
		"loqa.dispatch.requests", metric.WithDescription("Requests dispatched by method and result code"))
	if err != nil {
		d.logger.Warn("failed to initialize metrics", slogError(err))
	}
	d.requests = counter
	return d
}

// UpdateHandlers atomically replaces the handler table.
func (d *Dispatcher) UpdateHandlers(h Handlers) {
	table := make(Handlers, len(h))
	for k, v := range h {
		table[k] = v
	}
	d.handlers.Store(&table)
}

// Dispatch handles one inbound envelope. Requests are answered through reply,
// notifications run their handler without an answer and responses resolve
// the matching WaitForResponse.
func (d *Dispatcher) Dispatch(ctx context.Context, msg protocol.Message, reply Sender) {
	if msg.Type == protocol.TypeResponse {
		d.HandleResponse(msg)
		return
	}

	result, err := d.invoke(ctx, msg, reply)
	code := ""
	if err != nil {
		code = Code(err)
		if code == protocol.ErrInternal {
			d.logger.Warn("handler failed", slog.String("method", msg.Method), slogError(err))
		} else {
			d.logger.Debug("request rejected", slog.String("method", msg.Method), slogError(err))
		}
	}
	if d.requests != nil {
		d.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", msg.Method),
			attribute.String("code", code),
		))
	}
	if msg.Type != protocol.TypeRequest {
		return
	}

	resp := protocol.Message{To: msg.From, From: msg.To, Type: protocol.TypeResponse, ID: msg.ID}
	if err != nil {
		resp.Error = &protocol.Error{Code: code, Message: err.Error()}
	} else if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = &protocol.Error{Code: protocol.ErrInternal, Message: merr.Error()}
		} else {
			resp.Result = data
		}
	}
	if err := reply.Send(ctx, resp); err != nil {
		d.logger.Warn("failed to send response", slog.String("method", msg.Method), slogError(err))
	}
}

func (d *Dispatcher) invoke(ctx context.Context, msg protocol.Message, reply Sender) (result any, err error) {
	table := *d.handlers.Load()
	h, ok := table[msg.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, msg.Method)
	}
	req, err := Decode(msg.Method, msg.Args)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", msg.Method, r)
		}
	}()
	return h(ctx, Call{Message: msg, Request: req, Reply: reply})
}

// WaitForResponse registers interest in the response tagged id and returns
// the channel it will be delivered on. Register before sending the request.
// When ctx ends first the entry is abandoned and ctx's error is delivered.
func (d *Dispatcher) WaitForResponse(ctx context.Context, id string) <-chan Response {
	ch := make(chan Response, 1)
	d.mu.Lock()
	if _, exists := d.pending[id]; exists {
		d.mu.Unlock()
		ch <- Response{Err: fmt.Errorf("%w: %s", ErrDuplicateID, id)}
		return ch
	}
	d.pending[id] = ch
	d.mu.Unlock()

	context.AfterFunc(ctx, func() {
		if d.take(id, ch) {
			ch <- Response{Err: ctx.Err()}
		}
	})
	return ch
}

// HandleResponse resolves the waiter for msg.ID. Unknown ids are ignored.
func (d *Dispatcher) HandleResponse(msg protocol.Message) {
	d.mu.Lock()
	ch, ok := d.pending[msg.ID]
	if ok {
		delete(d.pending, msg.ID)
	}
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("response for unknown request", slog.String("id", msg.ID))
		return
	}
	if msg.Error != nil {
		ch <- Response{Err: msg.Error}
		return
	}
	ch <- Response{Result: msg.Result}
}

// Pending reports the number of outstanding requests.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) take(id string, ch chan Response) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.pending[id]; ok && cur == ch {
		delete(d.pending, id)
		return true
	}
	return false
}

// Code maps a handler error to its wire code.
func Code(err error) string {
	var argErr *ArgumentError
	switch {
	case errors.As(err, &argErr):
		return protocol.ErrInvalidArgument
	case errors.Is(err, ErrUnknownMethod):
		return protocol.ErrUnknownMethod
	case errors.Is(err, ErrNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, ErrInvalidState):
		return protocol.ErrInvalidState
	}
	return protocol.ErrInternal
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
