// Package playback turns synthesized PCM into live audio segments that can be
// paused, resumed and stopped.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// Handle is one audio segment currently owned by an output backend.
type Handle interface {
	// Done is closed once the segment ends, naturally or through Stop.
	Done() <-chan struct{}
	// Err reports a playback failure after Done is closed. Stop is not a failure.
	Err() error
	// Pause suspends output and returns the only way to continue it. Pause
	// and the ResumeFunc run under the caller's lock and must not block.
	Pause() ResumeFunc
	// Stop ends the segment immediately and releases its resources.
	Stop()
}

// ResumeFunc continues a paused segment and returns the handle now playing.
type ResumeFunc func() Handle

// Options carries the per-utterance settings a caller may pass with speak.
// Zero values mean "unchanged".
type Options struct {
	Pitch  float64
	Rate   float64
	Volume float64
}

// Speed is the factor applied to the playback rate. Pitch and rate both
// scale it, the way a plain resampling output would.
func (o Options) Speed() float64 {
	speed := 1.0
	if o.Rate > 0 {
		speed *= o.Rate
	}
	if o.Pitch > 0 {
		speed *= o.Pitch
	}
	return speed
}

// Gain is the amplitude factor for Volume.
func (o Options) Gain() float64 {
	if o.Volume > 0 {
		return o.Volume
	}
	return 1
}

// Player hands PCM to an audio output and returns the live segment.
type Player interface {
	Play(ctx context.Context, pcm audio.PCM, appendSilence time.Duration, opts Options) (Handle, error)
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context, pcm audio.PCM, appendSilence time.Duration, opts Options) (Handle, error)

func (f PlayerFunc) Play(ctx context.Context, pcm audio.PCM, appendSilence time.Duration, opts Options) (Handle, error) {
	return f(ctx, pcm, appendSilence, opts)
}

// completion is the settle-once part shared by every Handle implementation.
type completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCompletion() completion {
	return completion{done: make(chan struct{})}
}

func (c *completion) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *completion) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *completion) Done() <-chan struct{} { return c.done }

func (c *completion) Err() error {
	<-c.done
	return c.err
}

// prepare applies silence, gain and speed to pcm. Speed is expressed by
// declaring a scaled sample rate.
func prepare(pcm audio.PCM, appendSilence time.Duration, opts Options) audio.PCM {
	out := pcm.WithSilence(appendSilence).Scale(opts.Gain())
	if speed := opts.Speed(); speed != 1 {
		out.SampleRate = int(float64(out.SampleRate)*speed + 0.5)
	}
	return out
}
