// Package speech plays one utterance sentence by sentence: synthesize, hand
// the PCM to a player, wait for the segment to finish, report progress and
// move on. It also owns the session manager that keeps a single speech
// current at a time.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/playback"
	"github.com/loqalabs/loqa-speech/internal/synth"
)

var (
	// ErrCancelled settles Play when the speech was cancelled. It is not a fault.
	ErrCancelled = errors.New("speech cancelled")
	// ErrInvalidTransition rejects pause while not playing and resume while not paused.
	ErrInvalidTransition = errors.New("invalid playback transition")
	// ErrAlreadyStarted rejects a second Play.
	ErrAlreadyStarted = errors.New("speech already started")
	// ErrInvalidIndex rejects a negative seek target.
	ErrInvalidIndex = errors.New("invalid sentence index")
)

// State is the coarse lifecycle of a speech.
type State string

const (
	StateIdle      State = "idle"
	StatePlaying   State = "playing"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

func (s State) terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Config describes one utterance.
type Config struct {
	// ID identifies the session; a random UUID is used when empty.
	ID        string
	Synth     synth.Synthesizer
	SpeakerID *int
	Text      string
	Player    playback.Player
	Options   playback.Options
	// SentenceSilence is appended after every sentence, ParagraphSilence
	// instead when the sentence is followed by a blank line.
	SentenceSilence  time.Duration
	ParagraphSilence time.Duration
	// OnSentence runs after each sentence finished playing.
	OnSentence func(Boundary)
	Logger     *slog.Logger
}

// slot is the tagged playback state of the speech. A paused slot with a nil
// handle means pause arrived while the sentence was still being synthesized.
type slot interface{ isSlot() }

type emptySlot struct{}

type playingSlot struct {
	handle playback.Handle
}

type pausedSlot struct {
	handle playback.Handle
	resume playback.ResumeFunc
}

func (emptySlot) isSlot()   {}
func (playingSlot) isSlot() {}
func (pausedSlot) isSlot()  {}

func (s playingSlot) live() playback.Handle { return s.handle }
func (s pausedSlot) live() playback.Handle  { return s.handle }

// Speech is one utterance being played. Create it with New; nothing happens
// until Play.
type Speech struct {
	id         string
	cfg        Config
	bounds     []Boundary
	onSentence func(Boundary)
	logger     *slog.Logger

	mu      sync.Mutex
	state   State
	started bool
	cursor  int
	epoch   uint64
	slot    slot

	wake       chan struct{}
	cancelled  chan struct{}
	cancelOnce sync.Once
	settled    chan struct{}
	settleOnce sync.Once
	result     error
}

// New segments cfg.Text and returns an idle speech.
func New(cfg Config) *Speech {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	onSentence := cfg.OnSentence
	if onSentence == nil {
		onSentence = func(Boundary) {}
	}
	return &Speech{
		id:         id,
		cfg:        cfg,
		bounds:     Segment(cfg.Text),
		onSentence: onSentence,
		logger:     logger.With(slog.String("speech_id", id)),
		state:      StateIdle,
		slot:       emptySlot{},
		wake:       make(chan struct{}, 1),
		cancelled:  make(chan struct{}),
		settled:    make(chan struct{}),
	}
}

func (s *Speech) ID() string { return s.id }

func (s *Speech) Text() string { return s.cfg.Text }

// Boundaries returns the sentence ranges computed at creation.
func (s *Speech) Boundaries() []Boundary {
	return append([]Boundary(nil), s.bounds...)
}

// StartIndices returns the start offset of every sentence.
func (s *Speech) StartIndices() []int { return StartIndices(s.bounds) }

func (s *Speech) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor is the index of the sentence being played or about to be.
func (s *Speech) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Done is closed once the speech settled.
func (s *Speech) Done() <-chan struct{} { return s.settled }

// Err returns the settlement result; it must only be called after Done.
func (s *Speech) Err() error { return s.result }

// Play runs the speech to its end. It returns nil once the last sentence
// finished, ErrCancelled after Cancel (or when ctx ends) and the first
// synthesis or playback failure otherwise.
func (s *Speech) Play(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	if s.state == StateCancelled {
		s.mu.Unlock()
		<-s.settled
		return s.result
	}
	s.state = StatePlaying
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.Cancel)
	defer stop()

	err := s.run(ctx)

	s.mu.Lock()
	switch {
	case s.state == StateCancelled:
		err = ErrCancelled
	case err != nil:
		s.state = StateFailed
	default:
		s.state = StateCompleted
	}
	s.slot = emptySlot{}
	s.mu.Unlock()

	s.settle(err)
	return err
}

func (s *Speech) run(ctx context.Context) error {
	ready := s.cfg.Synth.Readiness()
	select {
	case <-ready.Done():
		if err := ready.Err(); err != nil {
			return fmt.Errorf("load voice: %w", err)
		}
	case <-s.cancelled:
		return ErrCancelled
	}

	for {
		s.mu.Lock()
		if s.state == StateCancelled {
			s.mu.Unlock()
			return ErrCancelled
		}
		if s.cursor >= len(s.bounds) {
			s.mu.Unlock()
			return nil
		}
		index, epoch := s.cursor, s.epoch
		s.mu.Unlock()

		b := s.bounds[index]
		pcm, err := s.cfg.Synth.Synthesize(ctx, s.cfg.Text[b.Start:b.End], s.cfg.SpeakerID)

		s.mu.Lock()
		if s.state == StateCancelled {
			s.mu.Unlock()
			return ErrCancelled
		}
		if s.epoch != epoch {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("synthesize sentence %d: %w", index, err)
		}

		h, err := s.cfg.Player.Play(ctx, pcm, s.silenceAfter(b), s.cfg.Options)
		if err != nil {
			s.mu.Lock()
			cancelled := s.state == StateCancelled
			s.mu.Unlock()
			if cancelled {
				return ErrCancelled
			}
			return fmt.Errorf("play sentence %d: %w", index, err)
		}
		if !s.install(h, epoch) {
			h.Stop()
			continue
		}

		finished, err := s.await(epoch)
		if err != nil {
			return fmt.Errorf("play sentence %d: %w", index, err)
		}
		if !finished {
			continue
		}

		s.mu.Lock()
		if s.state == StateCancelled {
			s.mu.Unlock()
			return ErrCancelled
		}
		if s.epoch != epoch {
			s.mu.Unlock()
			continue
		}
		// A pause that raced the end of the segment carries over to the next.
		if s.state == StatePaused {
			s.slot = pausedSlot{}
		} else {
			s.slot = emptySlot{}
		}
		s.cursor = index + 1
		s.epoch++
		s.mu.Unlock()

		s.onSentence(b)
	}
}

// install stores h as the live handle unless the speech moved on while the
// sentence was being prepared. A pending pause is applied right away.
func (s *Speech) install(h playback.Handle, epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCancelled || s.epoch != epoch {
		return false
	}
	if _, ok := s.slot.(pausedSlot); ok {
		s.slot = pausedSlot{handle: h, resume: h.Pause()}
		return true
	}
	s.slot = playingSlot{handle: h}
	return true
}

// await blocks until the live handle of epoch finishes. It returns false when
// the speech jumped or was cancelled before that.
func (s *Speech) await(epoch uint64) (bool, error) {
	for {
		s.mu.Lock()
		if s.state == StateCancelled || s.epoch != epoch {
			s.mu.Unlock()
			return false, nil
		}
		var h playback.Handle
		switch sl := s.slot.(type) {
		case playingSlot:
			h = sl.live()
		case pausedSlot:
			h = sl.live()
		}
		s.mu.Unlock()
		if h == nil {
			return false, nil
		}

		select {
		case <-h.Done():
			s.mu.Lock()
			current := s.liveHandle()
			s.mu.Unlock()
			if current != h {
				// Replaced by a resumed handle or by a jump.
				continue
			}
			if err := h.Err(); err != nil {
				return false, err
			}
			return true, nil
		case <-s.wake:
		case <-s.cancelled:
			return false, nil
		}
	}
}

func (s *Speech) liveHandle() playback.Handle {
	switch sl := s.slot.(type) {
	case playingSlot:
		return sl.live()
	case pausedSlot:
		return sl.live()
	}
	return nil
}

func (s *Speech) silenceAfter(b Boundary) time.Duration {
	if EndsParagraph(s.cfg.Text, b) {
		return s.cfg.ParagraphSilence
	}
	return s.cfg.SentenceSilence
}

// Pause suspends the current sentence. Pausing while the sentence is still
// being synthesized pauses its segment as soon as it starts. The handle is
// paused under the speech lock, so players must not block in Pause.
func (s *Speech) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePlaying {
		return fmt.Errorf("%w: pause while %s", ErrInvalidTransition, s.state)
	}
	s.state = StatePaused
	if sl, ok := s.slot.(playingSlot); ok {
		s.slot = pausedSlot{handle: sl.handle, resume: sl.handle.Pause()}
		return nil
	}
	s.slot = pausedSlot{}
	return nil
}

// Resume continues a paused speech with the same audio; nothing is
// synthesized again.
func (s *Speech) Resume() error {
	s.mu.Lock()
	if s.state != StatePaused {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: resume while %s", ErrInvalidTransition, state)
	}
	s.state = StatePlaying
	sl, _ := s.slot.(pausedSlot)
	switch {
	case sl.resume != nil:
		s.slot = playingSlot{handle: sl.resume()}
	case sl.handle != nil:
		s.slot = playingSlot{handle: sl.handle}
	default:
		// Pending pause: the next segment starts playing.
		s.slot = emptySlot{}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.signal()
	return nil
}

// Cancel stops the speech for good. It is idempotent and does nothing once
// the speech completed or failed.
func (s *Speech) Cancel() {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	started := s.started
	s.state = StateCancelled
	h := s.liveHandle()
	s.slot = emptySlot{}
	s.mu.Unlock()

	s.cancelOnce.Do(func() { close(s.cancelled) })
	if h != nil {
		h.Stop()
	}
	if !started {
		s.settle(ErrCancelled)
	}
	s.logger.Debug("speech cancelled")
}

// Forward skips to the next sentence. Skipping past the last one completes
// the speech.
func (s *Speech) Forward() error {
	s.jump(func(cursor int) int { return cursor + 1 })
	return nil
}

// Rewind restarts the previous sentence, or the first one again.
func (s *Speech) Rewind() error {
	s.jump(func(cursor int) int {
		if cursor > 0 {
			return cursor - 1
		}
		return 0
	})
	return nil
}

// Seek moves to the first sentence starting at or after the byte offset
// index, or the last sentence when index lies beyond it.
func (s *Speech) Seek(index int) error {
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	target := len(s.bounds) - 1
	for i, b := range s.bounds {
		if b.Start >= index {
			target = i
			break
		}
	}
	if target < 0 {
		return nil
	}
	s.jump(func(int) int { return target })
	return nil
}

// jump stops the live segment and restarts the loop at a new cursor. A paused
// speech stays paused: the next segment starts suspended.
func (s *Speech) jump(next func(cursor int) int) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	cursor := next(s.cursor)
	if cursor > len(s.bounds) {
		cursor = len(s.bounds)
	}
	s.cursor = cursor
	s.epoch++
	h := s.liveHandle()
	if s.state == StatePaused {
		s.slot = pausedSlot{}
	} else {
		s.slot = emptySlot{}
	}
	s.mu.Unlock()

	if h != nil {
		h.Stop()
	}
	s.signal()
}

func (s *Speech) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Speech) settle(err error) {
	s.settleOnce.Do(func() {
		s.result = err
		close(s.settled)
	})
}
