package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/dispatch"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startGateway(t *testing.T, cfg config.GatewayConfig, d *dispatch.Dispatcher) (*Gateway, string) {
	t.Helper()
	cfg.Enabled = true
	gw := New(context.Background(), cfg, "speech-node", d, newLogger())
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return gw, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestGatewayDispatchesRequests(t *testing.T) {
	d := dispatch.New(newLogger())
	d.UpdateHandlers(dispatch.Handlers{
		protocol.MethodPause: func(ctx context.Context, call dispatch.Call) (any, error) {
			return nil, call.Reply.Send(ctx, protocol.Message{Type: protocol.TypeNotification, Method: protocol.NotifyStart})
		},
	})
	_, url := startGateway(t, config.GatewayConfig{RequestsPerMinute: 600, Burst: 10}, d)
	conn := dial(t, url)

	if err := conn.WriteJSON(protocol.Message{Type: protocol.TypeRequest, ID: "1", Method: protocol.MethodPause}); err != nil {
		t.Fatalf("write: %v", err)
	}
	note := read(t, conn)
	if note.Method != protocol.NotifyStart {
		t.Fatalf("unexpected notification %+v", note)
	}
	resp := read(t, conn)
	if resp.Type != protocol.TypeResponse || resp.ID != "1" || resp.Error != nil {
		t.Fatalf("unexpected response %+v", resp)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if bad := read(t, conn); bad.Error == nil || bad.Error.Code != protocol.ErrInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for malformed frame, got %+v", bad)
	}
}

func TestGatewayRateLimit(t *testing.T) {
	d := dispatch.New(newLogger())
	d.UpdateHandlers(dispatch.Handlers{
		protocol.MethodStop: func(context.Context, dispatch.Call) (any, error) { return nil, nil },
	})
	_, url := startGateway(t, config.GatewayConfig{RequestsPerMinute: 1, Burst: 1}, d)
	conn := dial(t, url)

	for _, id := range []string{"a", "b"} {
		if err := conn.WriteJSON(protocol.Message{Type: protocol.TypeRequest, ID: id, Method: protocol.MethodStop}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if first := read(t, conn); first.Error != nil {
		t.Fatalf("first request should pass, got %+v", first.Error)
	}
	second := read(t, conn)
	if second.ID != "b" || second.Error == nil || second.Error.Code != protocol.ErrRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %+v", second)
	}
}

func TestGatewayRoutesToNamedHost(t *testing.T) {
	d := dispatch.New(newLogger())
	gw, url := startGateway(t, config.GatewayConfig{}, d)
	host := dial(t, url+"?name=piper-host")

	deadline := time.Now().Add(2 * time.Second)
	for gw.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	waiter := d.WaitForResponse(context.Background(), "play-1")
	if err := gw.Send(context.Background(), protocol.Message{To: "piper-host", Type: protocol.TypeRequest, ID: "play-1", Method: protocol.HostAudioPlay}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := read(t, host)
	if got.Method != protocol.HostAudioPlay || got.From != "speech-node" {
		t.Fatalf("unexpected host message %+v", got)
	}
	if err := host.WriteJSON(protocol.Message{Type: protocol.TypeResponse, ID: "play-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case r := <-waiter:
		if r.Err != nil {
			t.Fatalf("unexpected error %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("host response not delivered")
	}

	if err := gw.Send(context.Background(), protocol.Message{To: "nobody"}); err == nil {
		t.Fatal("expected no route for unknown recipient")
	}
}
