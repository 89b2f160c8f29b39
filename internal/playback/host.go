package playback

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// Host is the remote audio output used for external playback. Play sends one
// WAV segment and returns a channel that yields the host's completion reply;
// cancelling ctx abandons the reply.
type Host interface {
	Play(ctx context.Context, wav []byte, rate, volume float64) (<-chan error, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HostPlayer forwards segments to a Host instead of a local device.
type HostPlayer struct {
	host   Host
	logger *slog.Logger
}

func NewHostPlayer(host Host, log *slog.Logger) *HostPlayer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HostPlayer{host: host, logger: log.With(slog.String("component", "host-player"))}
}

func (p *HostPlayer) Play(ctx context.Context, pcm audio.PCM, appendSilence time.Duration, opts Options) (Handle, error) {
	wav, err := audio.EncodeWAV([]audio.Chunk{{PCM: pcm, AppendSilence: appendSilence}})
	if err != nil {
		return nil, err
	}
	sendCtx := context.WithoutCancel(ctx)
	waitCtx, abandon := context.WithCancel(sendCtx)
	reply, err := p.host.Play(waitCtx, wav, opts.Rate, opts.Volume)
	if err != nil {
		abandon()
		return nil, err
	}
	h := &hostHandle{
		completion: newCompletion(),
		host:       p.host,
		ctx:        sendCtx,
		abandon:    abandon,
		logger:     p.logger,
	}
	go func() {
		select {
		case err := <-reply:
			h.finish(err)
		case <-waitCtx.Done():
			h.finish(nil)
		}
		abandon()
	}()
	return h, nil
}

// hostOp is one control message for the host.
type hostOp struct {
	name string
	send func(context.Context) error
	sent chan struct{}
}

// hostHandle sends pause, resume and stop from a background queue in call
// order, so Pause never waits on the transport.
type hostHandle struct {
	completion
	host    Host
	ctx     context.Context
	abandon context.CancelFunc
	logger  *slog.Logger

	mu      sync.Mutex
	paused  bool
	queue   []hostOp
	sending bool
}

func (h *hostHandle) Pause() ResumeFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused && !h.finished() {
		h.enqueue("pause", h.host.Pause)
		h.paused = true
	}
	return h.resume
}

func (h *hostHandle) resume() Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused && !h.finished() {
		h.enqueue("resume", h.host.Resume)
		h.paused = false
	}
	return h
}

// Stop waits until the host was told to stop and the reply was abandoned.
func (h *hostHandle) Stop() {
	h.mu.Lock()
	var sent <-chan struct{}
	if !h.finished() {
		sent = h.enqueue("stop", h.host.Stop)
	}
	h.mu.Unlock()
	if sent != nil {
		<-sent
	}
	h.abandon()
	<-h.done
}

// enqueue must be called with h.mu held.
func (h *hostHandle) enqueue(name string, send func(context.Context) error) <-chan struct{} {
	op := hostOp{name: name, send: send, sent: make(chan struct{})}
	h.queue = append(h.queue, op)
	if !h.sending {
		h.sending = true
		go h.drain()
	}
	return op.sent
}

func (h *hostHandle) drain() {
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.sending = false
			h.mu.Unlock()
			return
		}
		op := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()

		if err := op.send(h.ctx); err != nil {
			h.logger.Warn("failed to send host control", slog.String("op", op.name), slog.String("error", err.Error()))
		}
		close(op.sent)
	}
}
