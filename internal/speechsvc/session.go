package speechsvc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/dispatch"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/playback"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/loqalabs/loqa-speech/internal/synth"
	"github.com/loqalabs/loqa-speech/internal/voices"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type utterance struct {
	method    string
	text      string
	voiceName string
	player    playback.Player
	collector *playback.Collector
	options   playback.Options
}

// session is one running speak or synthesize request.
type session struct {
	svc       *Service
	speech    *speech.Speech
	synth     synth.Synthesizer
	voice     voices.Voice
	speaker   string
	utterance utterance
	caller    protocol.Message
	reply     dispatch.Sender
	span      trace.Span
	release   func()
	logger    *slog.Logger
}

// start resolves the voice, makes the new speech current and plays it in
// the background. Resolution errors are returned before anything changes.
func (s *Service) start(ctx context.Context, call dispatch.Call, u utterance) (any, error) {
	res, err := s.opts.Catalog.Resolve(u.voiceName)
	if err != nil {
		return nil, wireError(err)
	}
	voice := res.Voice

	s.logger.Info(fmt.Sprintf("Synthesizing '%s...' using %s [%s] %s",
		activityText(u.text), voice.Name, voice.Quality, res.SpeakerName))
	if s.opts.Registry.State(voice.Key) == synth.StateNotLoaded {
		s.logger.Info(fmt.Sprintf("Initializing %s [%s], please wait...", voice.Name, voice.Quality))
	}
	engine := s.opts.Registry.Get(voice.Key)
	release := s.opts.Registry.Retain(voice.Key)

	_, span := s.tracer.Start(context.WithoutCancel(ctx), "speech."+u.method, trace.WithAttributes(
		attribute.String("voice", voice.Key),
		attribute.String("speaker", res.SpeakerName),
		attribute.Int("text_length", len(u.text)),
	))

	sess := &session{
		svc:       s,
		synth:     engine,
		voice:     voice,
		speaker:   res.SpeakerName,
		utterance: u,
		caller:    call.Message,
		reply:     call.Reply,
		span:      span,
		release:   release,
	}
	sess.speech = speech.New(speech.Config{
		Synth:            &timedSynth{Synthesizer: engine, hist: s.synthMS, voice: voice.Key},
		SpeakerID:        res.SpeakerID,
		Text:             u.text,
		Player:           u.player,
		Options:          u.options,
		SentenceSilence:  time.Duration(s.opts.Speech.SentenceSilenceMS) * time.Millisecond,
		ParagraphSilence: time.Duration(s.opts.Speech.ParagraphSilenceMS) * time.Millisecond,
		OnSentence:       sess.onSentence,
		Logger:           s.logger,
	})
	sess.logger = s.logger.With(slog.String("session", sess.speech.ID()))
	span.SetAttributes(attribute.String("session", sess.speech.ID()))

	if s.opts.Store != nil {
		if err := s.opts.Store.OpenSession(ctx, eventstore.Session{
			ID:       sess.speech.ID(),
			Method:   u.method,
			VoiceKey: voice.Key,
			Speaker:  res.SpeakerName,
			Caller:   call.Message.From,
		}); err != nil {
			sess.logger.Warn("failed to record session", slogError(err))
		}
	}

	if err := s.opts.Manager.Replace(ctx, sess.speech); err != nil {
		sess.logger.Warn("previous speech did not settle", slogError(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run(s.ctx)
	}()
	return SpeakResult{SessionID: sess.speech.ID()}, nil
}

func (ss *session) run(ctx context.Context) {
	defer ss.release()
	defer ss.svc.opts.Manager.Clear(ss.speech)

	var (
		started time.Time
		err     = ss.awaitReady(ctx)
	)
	if err == nil {
		// A failed load is reported by Play itself.
		if ss.synth.Readiness().Err() == nil {
			started = time.Now()
			ss.notify(protocol.NotifyStart, protocol.StartEvent{SentenceStartIndices: ss.speech.StartIndices()})
		}
		err = ss.speech.Play(ctx)
	}

	switch {
	case err == nil:
		ss.notify(protocol.NotifyEnd, ss.endEvent())
	case errors.Is(err, speech.ErrCancelled):
		ss.logger.Debug("speech cancelled")
		ss.record("cancelled", nil)
	default:
		ss.logger.Warn("speech failed", slogError(err))
		ss.span.RecordError(err)
		ss.span.SetStatus(codes.Error, err.Error())
		ss.notify(protocol.NotifyError, protocol.ErrorEvent{Error: err.Error()})
	}
	ss.finish(err, started)
}

// awaitReady waits for the model to settle before onStart. It only fails
// when the speech is cancelled meanwhile.
func (ss *session) awaitReady(ctx context.Context) error {
	select {
	case <-ss.synth.Readiness().Done():
		return nil
	case <-ss.speech.Done():
		return ss.speech.Err()
	case <-ctx.Done():
		ss.speech.Cancel()
		return speech.ErrCancelled
	}
}

func (ss *session) endEvent() protocol.EndEvent {
	if ss.utterance.collector == nil {
		return protocol.EndEvent{}
	}
	wav, err := ss.utterance.collector.WAV()
	if err != nil {
		ss.logger.Warn("failed to encode synthesized audio", slogError(err))
		return protocol.EndEvent{}
	}
	return protocol.EndEvent{AudioBlob: base64.StdEncoding.EncodeToString(wav)}
}

func (ss *session) onSentence(b speech.Boundary) {
	ss.svc.sentences.Add(context.Background(), 1, metric.WithAttributes(attribute.String("voice", ss.voice.Key)))
	ss.notify(protocol.NotifySentence, protocol.SentenceEvent{StartIndex: b.Start, EndIndex: b.End})
}

// notify forwards a progress event to the caller while this speech is still
// the current one.
func (ss *session) notify(method string, payload any) {
	args, err := json.Marshal(payload)
	if err != nil {
		ss.logger.Warn("failed to encode notification", slog.String("method", method), slogError(err))
		return
	}
	ss.record(method, args)
	if ss.reply == nil {
		return
	}
	msg := protocol.Message{
		To:     ss.caller.From,
		From:   ss.caller.To,
		Type:   protocol.TypeNotification,
		ID:     ss.caller.ID,
		Method: method,
		Args:   args,
	}
	ss.svc.opts.Manager.WhileCurrent(ss.speech.ID(), func() {
		if err := ss.reply.Send(ss.svc.ctx, msg); err != nil {
			ss.logger.Warn("failed to deliver notification", slog.String("method", method), slogError(err))
		}
	})
}

func (ss *session) record(eventType string, payload []byte) {
	store := ss.svc.opts.Store
	if store == nil {
		return
	}
	// Audio blobs are not kept in the timeline.
	if eventType == protocol.NotifyEnd {
		payload = nil
	}
	if err := store.AppendEvent(context.Background(), eventstore.Event{
		SessionID: ss.speech.ID(),
		Type:      eventType,
		Payload:   payload,
	}); err != nil {
		ss.logger.Warn("failed to record event", slog.String("type", eventType), slogError(err))
	}
}

func (ss *session) finish(err error, started time.Time) {
	outcome := string(ss.speech.State())
	if err != nil && !errors.Is(err, speech.ErrCancelled) {
		outcome = string(speech.StateFailed)
	}
	ctx := context.Background()
	ss.svc.sessions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("method", ss.utterance.method),
	))
	ss.span.SetAttributes(attribute.String("outcome", outcome))
	ss.span.End()

	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = time.Since(started)
	}
	store := ss.svc.opts.Store
	if store == nil {
		return
	}
	if elapsed > 0 {
		if err := store.AddVoiceUsage(ctx, ss.voice.Key, ss.speaker, elapsed); err != nil {
			ss.logger.Warn("failed to record voice usage", slogError(err))
		}
	}
	if err := store.FinishSession(ctx, ss.speech.ID(), outcome, elapsed); err != nil {
		ss.logger.Warn("failed to finish session", slogError(err))
	}
}

// timedSynth records how long each sentence took to synthesize.
type timedSynth struct {
	synth.Synthesizer
	hist  metric.Float64Histogram
	voice string
}

func (t *timedSynth) Synthesize(ctx context.Context, text string, speakerID *int) (audio.PCM, error) {
	start := time.Now()
	pcm, err := t.Synthesizer.Synthesize(ctx, text, speakerID)
	if t.hist != nil {
		t.hist.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attribute.String("voice", t.voice)))
	}
	return pcm, err
}

// activityText is the first 50 runes of text with whitespace collapsed.
func activityText(text string) string {
	runes := []rune(text)
	if len(runes) > 50 {
		runes = runes[:50]
	}
	return strings.Join(strings.Fields(string(runes)), " ")
}
