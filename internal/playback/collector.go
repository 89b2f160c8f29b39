package playback

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// Collector keeps every segment instead of playing it. Its handles are
// complete as soon as they are returned.
type Collector struct {
	mu     sync.Mutex
	chunks []audio.Chunk
}

func NewCollector() *Collector { return &Collector{} }

func (c *Collector) Play(_ context.Context, pcm audio.PCM, appendSilence time.Duration, _ Options) (Handle, error) {
	c.mu.Lock()
	c.chunks = append(c.chunks, audio.Chunk{PCM: pcm, AppendSilence: appendSilence})
	c.mu.Unlock()

	h := &collectedHandle{completion: newCompletion()}
	h.finish(nil)
	return h, nil
}

// Chunks returns the segments collected so far, in play order.
func (c *Collector) Chunks() []audio.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.Chunk(nil), c.chunks...)
}

// WAV encodes the collected segments as one WAV file.
func (c *Collector) WAV() ([]byte, error) {
	return audio.EncodeWAV(c.Chunks())
}

type collectedHandle struct {
	completion
}

func (h *collectedHandle) Pause() ResumeFunc {
	return func() Handle { return h }
}

func (h *collectedHandle) Stop() {}
