package playback

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// TimedPlayer plays nothing and completes each segment after its duration.
// It backs headless deployments and tests.
type TimedPlayer struct{}

func NewTimedPlayer() *TimedPlayer { return &TimedPlayer{} }

func (TimedPlayer) Play(_ context.Context, pcm audio.PCM, appendSilence time.Duration, opts Options) (Handle, error) {
	h := &timedHandle{completion: newCompletion()}
	h.remaining = prepare(pcm, appendSilence, opts).Duration()
	h.start()
	return h, nil
}

type timedHandle struct {
	completion
	mu        sync.Mutex
	timer     *time.Timer
	started   time.Time
	remaining time.Duration
	paused    bool
}

// start must be called with mu held or before the handle is shared.
func (h *timedHandle) start() {
	h.started = time.Now()
	h.timer = time.AfterFunc(h.remaining, func() { h.finish(nil) })
}

func (h *timedHandle) Pause() ResumeFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused && !h.finished() {
		h.timer.Stop()
		h.remaining -= time.Since(h.started)
		if h.remaining < 0 {
			h.remaining = 0
		}
		h.paused = true
	}
	return h.resume
}

func (h *timedHandle) resume() Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused && !h.finished() {
		h.paused = false
		h.start()
	}
	return h
}

func (h *timedHandle) Stop() {
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
	h.finish(nil)
}
