//go:build cgo

package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/loqalabs/loqa-speech/internal/audio"
)

// DevicePlayer writes segments to the default output device through
// miniaudio. Pausing stops the device callback, resuming restarts it.
type DevicePlayer struct {
	ctx *malgo.AllocatedContext
}

func NewDevicePlayer() (*DevicePlayer, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}
	return &DevicePlayer{ctx: ctx}, nil
}

func (p *DevicePlayer) Close() error {
	if p == nil || p.ctx == nil {
		return nil
	}
	err := p.ctx.Uninit()
	p.ctx.Free()
	return err
}

func (p *DevicePlayer) Play(_ context.Context, pcm audio.PCM, appendSilence time.Duration, opts Options) (Handle, error) {
	out := prepare(pcm, appendSilence, opts)
	h := &deviceHandle{completion: newCompletion(), data: out.Data, drained: make(chan struct{})}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(out.Channels)
	cfg.SampleRate = uint32(out.SampleRate)

	var callbacks malgo.DeviceCallbacks
	callbacks.Data = h.fill

	device, err := malgo.InitDevice(p.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	h.device = device
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}

	// The device cannot be stopped from inside its own callback.
	go func() {
		select {
		case <-h.drained:
			h.release()
			h.finish(nil)
		case <-h.done:
		}
	}()
	return h, nil
}

type deviceHandle struct {
	completion
	device  *malgo.Device
	mu      sync.Mutex
	data    []byte
	offset  int
	paused  bool
	closed  bool
	drained chan struct{}
	signal  sync.Once
}

func (h *deviceHandle) fill(output, _ []byte, _ uint32) {
	h.mu.Lock()
	n := copy(output, h.data[h.offset:])
	h.offset += n
	empty := h.offset >= len(h.data)
	h.mu.Unlock()

	for i := n; i < len(output); i++ {
		output[i] = 0
	}
	if empty {
		h.signal.Do(func() { close(h.drained) })
	}
}

func (h *deviceHandle) Pause() ResumeFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused && !h.closed {
		if err := h.device.Stop(); err == nil {
			h.paused = true
		}
	}
	return h.resume
}

func (h *deviceHandle) resume() Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused && !h.closed {
		if err := h.device.Start(); err == nil {
			h.paused = false
		}
	}
	return h
}

func (h *deviceHandle) Stop() {
	h.release()
	h.finish(nil)
}

func (h *deviceHandle) release() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	_ = h.device.Stop()
	h.device.Uninit()
}
