package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/dispatch"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "bridge-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func startBridge(t *testing.T, client *bus.Client, d *dispatch.Dispatcher) *Bridge {
	t.Helper()
	b := New(context.Background(), config.BridgeConfig{Enabled: true, SubjectPrefix: "speech"}, "speech-node", client, d, newLogger())
	if err := b.Start(); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	t.Cleanup(b.Close)
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return b
}

func nextMessage(t *testing.T, sub *nats.Subscription) protocol.Message {
	t.Helper()
	raw, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next message: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestBridgeAnswersRequests(t *testing.T) {
	client := startBus(t)
	d := dispatch.New(newLogger())
	d.UpdateHandlers(dispatch.Handlers{
		protocol.MethodStop: func(ctx context.Context, call dispatch.Call) (any, error) {
			_ = call.Reply.Send(ctx, protocol.Message{Type: protocol.TypeNotification, Method: protocol.NotifyEnd})
			return "stopped", nil
		},
	})
	b := startBridge(t, client, d)
	if !b.Healthy() {
		t.Fatal("expected bridge healthy")
	}

	notify, err := client.Conn().SubscribeSync("speech.notify.reader")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	req := protocol.Message{From: "reader", Type: protocol.TypeRequest, ID: "r1", Method: protocol.MethodStop}
	if err := client.PublishJSON("speech.request", req); err != nil {
		t.Fatalf("publish: %v", err)
	}

	first := nextMessage(t, notify)
	if first.Type != protocol.TypeNotification || first.Method != protocol.NotifyEnd || first.To != "reader" {
		t.Fatalf("unexpected notification %+v", first)
	}
	resp := nextMessage(t, notify)
	if resp.Type != protocol.TypeResponse || resp.ID != "r1" || string(resp.Result) != `"stopped"` {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestBridgeRequestReply(t *testing.T) {
	client := startBus(t)
	d := dispatch.New(newLogger())
	startBridge(t, client, d)

	data, _ := json.Marshal(protocol.Message{From: "reader", Type: protocol.TypeRequest, ID: "r2", Method: "dance"})
	raw, err := client.Conn().Request("speech.request", data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp protocol.Message
	if err := json.Unmarshal(raw.Data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != protocol.ErrUnknownMethod {
		t.Fatalf("expected UNKNOWN_METHOD, got %+v", resp)
	}
}

func TestBridgeHostRoundTrip(t *testing.T) {
	client := startBus(t)
	d := dispatch.New(newLogger())
	b := startBridge(t, client, d)

	host, err := client.Conn().SubscribeSync("speech.host.piper-host")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waiter := d.WaitForResponse(context.Background(), "play-1")
	if err := b.Send(context.Background(), protocol.Message{To: "piper-host", Type: protocol.TypeRequest, ID: "play-1", Method: protocol.HostAudioPlay}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := nextMessage(t, host)
	if got.Method != protocol.HostAudioPlay || got.From != "speech-node" {
		t.Fatalf("unexpected host message %+v", got)
	}

	if err := client.PublishJSON("speech.response", protocol.Message{Type: protocol.TypeResponse, ID: "play-1"}); err != nil {
		t.Fatalf("publish response: %v", err)
	}
	select {
	case r := <-waiter:
		if r.Err != nil {
			t.Fatalf("unexpected error %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("host response not delivered")
	}
}
