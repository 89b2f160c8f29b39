// Package synth owns the loaded voice models: the Synthesizer contract, the
// engines behind it and the process-wide registry that shares them.
package synth

import (
	"context"
	"errors"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// ErrDisposed is returned by a synthesizer after its model was released.
var ErrDisposed = errors.New("synthesizer disposed")

// Synthesizer produces PCM for one sentence at a time using one loaded voice.
// Synthesize holds no ordering state and may be called concurrently.
type Synthesizer interface {
	Readiness() *Readiness
	Synthesize(ctx context.Context, text string, speakerID *int) (audio.PCM, error)
	Dispose()
}

// Readiness settles once, when the model finished loading or failed to.
type Readiness struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewReadiness() *Readiness {
	return &Readiness{done: make(chan struct{})}
}

// Resolve settles r. Only the first call has an effect.
func (r *Readiness) Resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *Readiness) Done() <-chan struct{} { return r.done }

// Err returns the load failure; it must only be called after Done is closed.
func (r *Readiness) Err() error { return r.err }

// Settled reports whether loading finished and with what result.
func (r *Readiness) Settled() (bool, error) {
	select {
	case <-r.done:
		return true, r.err
	default:
		return false, nil
	}
}

// Wait blocks until r settles or ctx is done.
func (r *Readiness) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
