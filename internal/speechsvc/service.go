// Package speechsvc serves the caller intents: it resolves voices, keeps the
// synthesizers warm, runs one speech at a time and reports its progress back
// over whichever transport the request arrived on.
package speechsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/dispatch"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/playback"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/loqalabs/loqa-speech/internal/synth"
	"github.com/loqalabs/loqa-speech/internal/voices"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Options wires the service to its collaborators. Host may be nil, in which
// case externalPlayback is rejected.
type Options struct {
	Speech   config.SpeechConfig
	Catalog  *voices.Catalog
	Registry *synth.Registry
	Manager  *speech.Manager
	Store    *eventstore.Store
	Player   playback.Player
	Host     playback.Host
}

type Service struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
	tracer trace.Tracer

	sessions  metric.Int64Counter
	sentences metric.Int64Counter
	synthMS   metric.Float64Histogram
}

// SpeakResult is the response payload of speak and synthesize.
type SpeakResult struct {
	SessionID string `json:"sessionId"`
}

func New(parent context.Context, opts Options, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "speech-service")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-speech/speechsvc"),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
		m := noop.Meter{}
		s.sessions, _ = m.Int64Counter("loqa.speech.sessions")
		s.sentences, _ = m.Int64Counter("loqa.speech.sentences")
		s.synthMS, _ = m.Float64Histogram("loqa.speech.synth_ms")
	}
	return s
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-speech/speechsvc")
	var err error
	if s.sessions, err = meter.Int64Counter("loqa.speech.sessions", metric.WithDescription("Speech sessions by outcome")); err != nil {
		return err
	}
	if s.sentences, err = meter.Int64Counter("loqa.speech.sentences", metric.WithDescription("Sentences played")); err != nil {
		return err
	}
	s.synthMS, err = meter.Float64Histogram("loqa.speech.synth_ms", metric.WithDescription("Sentence synthesis latency"), metric.WithUnit("ms"))
	return err
}

// Handlers is the intent table to install on the dispatcher.
func (s *Service) Handlers() dispatch.Handlers {
	return dispatch.Handlers{
		protocol.MethodSpeak:      s.handleSpeak,
		protocol.MethodSynthesize: s.handleSynthesize,
		protocol.MethodPause:      s.handlePause,
		protocol.MethodResume:     s.handleResume,
		protocol.MethodStop:       s.handleStop,
		protocol.MethodForward:    s.handleForward,
		protocol.MethodRewind:     s.handleRewind,
		protocol.MethodSeek:       s.handleSeek,
	}
}

// Close cancels the current speech and waits for every session to finish
// its bookkeeping.
func (s *Service) Close() {
	s.cancel()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Manager.Stop(stopCtx); err != nil {
		s.logger.Warn("current speech did not settle", slogError(err))
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.ctx.Err() == nil }

func (s *Service) handleSpeak(ctx context.Context, call dispatch.Call) (any, error) {
	req, ok := call.Request.(dispatch.SpeakRequest)
	if !ok {
		return nil, &dispatch.ArgumentError{Method: protocol.MethodSpeak, Reason: "unexpected request type"}
	}
	player := s.opts.Player
	if req.ExternalPlayback {
		if s.opts.Host == nil {
			return nil, fmt.Errorf("%w: external playback is not configured", dispatch.ErrInvalidState)
		}
		player = playback.NewHostPlayer(s.opts.Host, s.logger)
	}
	return s.start(ctx, call, utterance{
		method:    protocol.MethodSpeak,
		text:      req.Utterance,
		voiceName: req.VoiceName,
		player:    player,
		options: playback.Options{
			Pitch:  deref(req.Pitch),
			Rate:   deref(req.Rate),
			Volume: deref(req.Volume),
		},
	})
}

func (s *Service) handleSynthesize(ctx context.Context, call dispatch.Call) (any, error) {
	req, ok := call.Request.(dispatch.SynthesizeRequest)
	if !ok {
		return nil, &dispatch.ArgumentError{Method: protocol.MethodSynthesize, Reason: "unexpected request type"}
	}
	collector := playback.NewCollector()
	return s.start(ctx, call, utterance{
		method:    protocol.MethodSynthesize,
		text:      req.Text,
		voiceName: req.VoiceName,
		player:    collector,
		collector: collector,
		options:   playback.Options{Pitch: deref(req.Pitch)},
	})
}

// Transport intents act on the current speech and are no-ops without one.

func (s *Service) handlePause(context.Context, dispatch.Call) (any, error) {
	return nil, s.control(func(sp *speech.Speech) error { return sp.Pause() })
}

func (s *Service) handleResume(context.Context, dispatch.Call) (any, error) {
	return nil, s.control(func(sp *speech.Speech) error { return sp.Resume() })
}

func (s *Service) handleForward(context.Context, dispatch.Call) (any, error) {
	return nil, s.control(func(sp *speech.Speech) error { return sp.Forward() })
}

func (s *Service) handleRewind(context.Context, dispatch.Call) (any, error) {
	return nil, s.control(func(sp *speech.Speech) error { return sp.Rewind() })
}

func (s *Service) handleSeek(_ context.Context, call dispatch.Call) (any, error) {
	req, ok := call.Request.(dispatch.SeekRequest)
	if !ok {
		return nil, &dispatch.ArgumentError{Method: protocol.MethodSeek, Reason: "unexpected request type"}
	}
	return nil, s.control(func(sp *speech.Speech) error { return sp.Seek(req.Index) })
}

func (s *Service) handleStop(ctx context.Context, _ dispatch.Call) (any, error) {
	return nil, s.opts.Manager.Stop(ctx)
}

func (s *Service) control(op func(*speech.Speech) error) error {
	sp := s.opts.Manager.Current()
	if sp == nil {
		return nil
	}
	return wireError(op(sp))
}

// wireError tags controller and catalog errors with the dispatcher's codes.
func wireError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, speech.ErrInvalidIndex):
		return &dispatch.ArgumentError{Method: protocol.MethodSeek, Reason: err.Error()}
	case errors.Is(err, speech.ErrInvalidTransition):
		return fmt.Errorf("%w: %w", dispatch.ErrInvalidState, err)
	case errors.Is(err, voices.ErrVoiceNotFound), errors.Is(err, voices.ErrSpeakerNotFound):
		return fmt.Errorf("%w: %w", dispatch.ErrNotFound, err)
	}
	return err
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
