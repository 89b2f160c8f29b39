package synth

import (
	"context"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// MockOptions shapes the development engine.
type MockOptions struct {
	SampleRate int
	Channels   int
	LoadDelay  time.Duration
	PerRune    time.Duration
	LoadErr    error
}

type mockSynth struct {
	opts     MockOptions
	ready    *Readiness
	calls    atomic.Int64
	disposed atomic.Bool
}

// NewMock returns an engine that loads after opts.LoadDelay and produces
// silence whose length follows the sentence length.
func NewMock(opts MockOptions) Synthesizer {
	m := &mockSynth{opts: opts, ready: NewReadiness()}
	if opts.LoadDelay <= 0 {
		m.ready.Resolve(opts.LoadErr)
	} else {
		time.AfterFunc(opts.LoadDelay, func() { m.ready.Resolve(opts.LoadErr) })
	}
	return m
}

// NewMockFactory builds one mock engine per voice key.
func NewMockFactory(opts MockOptions) Factory {
	return func(string) Synthesizer { return NewMock(opts) }
}

func (m *mockSynth) Readiness() *Readiness { return m.ready }

func (m *mockSynth) Synthesize(ctx context.Context, text string, _ *int) (audio.PCM, error) {
	if m.disposed.Load() {
		return audio.PCM{}, ErrDisposed
	}
	if err := m.ready.Wait(ctx); err != nil {
		return audio.PCM{}, err
	}
	m.calls.Add(1)
	d := time.Duration(utf8.RuneCountInString(text)) * m.opts.PerRune
	return audio.Silence(m.opts.SampleRate, m.opts.Channels, d), nil
}

func (m *mockSynth) Dispose() { m.disposed.Store(true) }

// Calls reports how many sentences were synthesized.
func (m *mockSynth) Calls() int64 { return m.calls.Load() }
