package speechsvc

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/dispatch"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

// RemoteHost drives the external playback host through the dispatcher:
// audioPlay is a request whose response marks the end of the segment, the
// other controls are notifications.
type RemoteHost struct {
	name       string
	from       string
	send       dispatch.Sender
	dispatcher *dispatch.Dispatcher
}

// NewRemoteHost addresses the host called name. Messages leave through send
// and answers come back through d.
func NewRemoteHost(name, from string, send dispatch.Sender, d *dispatch.Dispatcher) *RemoteHost {
	return &RemoteHost{name: name, from: from, send: send, dispatcher: d}
}

func (h *RemoteHost) Play(ctx context.Context, wav []byte, rate, volume float64) (<-chan error, error) {
	args, err := json.Marshal(protocol.AudioPlayArgs{
		Src:    base64.StdEncoding.EncodeToString(wav),
		Rate:   rate,
		Volume: volume,
	})
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	// Registered before sending so a fast host cannot answer into the void.
	waiter := h.dispatcher.WaitForResponse(ctx, id)
	msg := protocol.Message{
		To:     h.name,
		From:   h.from,
		Type:   protocol.TypeRequest,
		ID:     id,
		Method: protocol.HostAudioPlay,
		Args:   args,
	}
	if err := h.send.Send(ctx, msg); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		resp := <-waiter
		done <- resp.Err
	}()
	return done, nil
}

func (h *RemoteHost) Pause(ctx context.Context) error {
	return h.notify(ctx, protocol.HostAudioPause)
}

func (h *RemoteHost) Resume(ctx context.Context) error {
	return h.notify(ctx, protocol.HostAudioResume)
}

func (h *RemoteHost) Stop(ctx context.Context) error {
	return h.notify(ctx, protocol.HostAudioStop)
}

func (h *RemoteHost) notify(ctx context.Context, method string) error {
	return h.send.Send(ctx, protocol.Message{
		To:     h.name,
		From:   h.from,
		Type:   protocol.TypeNotification,
		Method: method,
	})
}
