package speechsvc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/dispatch"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/playback"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/loqalabs/loqa-speech/internal/synth"
	"github.com/loqalabs/loqa-speech/internal/voices"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// inbox records everything sent back to one caller.
type inbox struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func newInbox() *inbox { return &inbox{} }

func (b *inbox) Send(_ context.Context, msg protocol.Message) error {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
	return nil
}

func (b *inbox) methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.msgs {
		if m.Type == protocol.TypeNotification {
			out = append(out, m.Method)
		}
	}
	return out
}

func (b *inbox) find(method string) (protocol.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.msgs {
		if m.Method == method {
			return m, true
		}
	}
	return protocol.Message{}, false
}

func (b *inbox) response(t *testing.T) protocol.Message {
	t.Helper()
	var resp protocol.Message
	waitFor(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, m := range b.msgs {
			if m.Type == protocol.TypeResponse {
				resp = m
				return true
			}
		}
		return false
	})
	return resp
}

func (b *inbox) waitMethod(t *testing.T, method string) protocol.Message {
	t.Helper()
	var msg protocol.Message
	waitFor(t, func() bool {
		var ok bool
		msg, ok = b.find(method)
		return ok
	})
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// heldPlayer keeps every segment playing until it is stopped.
type heldPlayer struct {
	started chan struct{}
}

func (p *heldPlayer) Play(context.Context, audio.PCM, time.Duration, playback.Options) (playback.Handle, error) {
	select {
	case p.started <- struct{}{}:
	default:
	}
	return &heldHandle{done: make(chan struct{})}, nil
}

type heldHandle struct {
	done chan struct{}
	once sync.Once
}

func (h *heldHandle) Done() <-chan struct{} { return h.done }
func (h *heldHandle) Err() error            { return nil }

func (h *heldHandle) Pause() playback.ResumeFunc {
	return func() playback.Handle { return h }
}

func (h *heldHandle) Stop() { h.once.Do(func() { close(h.done) }) }

type fixture struct {
	svc        *Service
	dispatcher *dispatch.Dispatcher
	store      *eventstore.Store
	registry   *synth.Registry
	manager    *speech.Manager
}

func newFixture(t *testing.T, factory synth.Factory, player playback.Player, host func(*dispatch.Dispatcher) playback.Host) *fixture {
	t.Helper()
	catalog := voices.NewCatalog([]string{"en"})
	catalog.Replace([]voices.Voice{
		{Key: "en_US-lessac-medium", Name: "lessac", Quality: "medium", Language: voices.Language{Code: "en_US"}},
		{Key: "en_GB-vctk-medium", Name: "vctk", Quality: "medium", Language: voices.Language{Code: "en_GB"}, SpeakerIDMap: map[string]int{"p225": 0}},
	})
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if factory == nil {
		factory = synth.NewMockFactory(synth.MockOptions{SampleRate: 8000, Channels: 1, PerRune: time.Millisecond})
	}
	registry := synth.NewRegistry(factory, newLogger())
	manager := speech.NewManager(newLogger())
	d := dispatch.New(newLogger())
	opts := Options{
		Catalog:  catalog,
		Registry: registry,
		Manager:  manager,
		Store:    store,
		Player:   player,
	}
	if host != nil {
		opts.Host = host(d)
	}
	svc := New(context.Background(), opts, newLogger())
	d.UpdateHandlers(svc.Handlers())
	t.Cleanup(func() {
		svc.Close()
		registry.Close()
	})
	return &fixture{svc: svc, dispatcher: d, store: store, registry: registry, manager: manager}
}

func (f *fixture) call(method string, args any) *inbox {
	data, _ := json.Marshal(args)
	box := newInbox()
	f.dispatcher.Dispatch(context.Background(), protocol.Message{
		To: "speech", From: "caller", Type: protocol.TypeRequest, ID: method + "-1", Method: method, Args: data,
	}, box)
	return box
}

func TestSpeakReportsProgressInOrder(t *testing.T) {
	f := newFixture(t, nil, playback.NewCollector(), nil)
	box := f.call(protocol.MethodSpeak, map[string]any{"utterance": "Hello world. Goodbye now.", "voiceName": "Piper lessac-medium"})

	resp := box.response(t)
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
	var result SpeakResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.SessionID == "" {
		t.Fatalf("expected session id, got %s (%v)", resp.Result, err)
	}

	box.waitMethod(t, protocol.NotifyEnd)
	got := box.methods()
	want := []string{protocol.NotifyStart, protocol.NotifySentence, protocol.NotifySentence, protocol.NotifyEnd}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	start, _ := box.find(protocol.NotifyStart)
	var evt protocol.StartEvent
	if err := json.Unmarshal(start.Args, &evt); err != nil {
		t.Fatalf("decode onStart: %v", err)
	}
	if len(evt.SentenceStartIndices) != 2 || evt.SentenceStartIndices[1] != 13 {
		t.Fatalf("unexpected start indices %v", evt.SentenceStartIndices)
	}
	if start.To != "caller" {
		t.Fatalf("notification addressed to %q", start.To)
	}

	waitFor(t, func() bool { return f.manager.Current() == nil })
	usage, err := f.store.VoiceUsage(context.Background())
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(usage) != 1 || usage[0].VoiceKey != "en_US-lessac-medium" {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func TestSynthesizeReturnsAudioBlob(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	box := f.call(protocol.MethodSynthesize, map[string]any{"text": "One. Two.", "voiceName": "Piper vctk-medium (p225)", "pitch": 1.2})

	end := box.waitMethod(t, protocol.NotifyEnd)
	var evt protocol.EndEvent
	if err := json.Unmarshal(end.Args, &evt); err != nil {
		t.Fatalf("decode onEnd: %v", err)
	}
	wav, err := base64.StdEncoding.DecodeString(evt.AudioBlob)
	if err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	if len(wav) < 44 || string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("audio blob is not a WAV file (%d bytes)", len(wav))
	}
}

func TestSpeakVoiceResolutionErrors(t *testing.T) {
	f := newFixture(t, nil, playback.NewCollector(), nil)

	for _, name := range []string{"Piper missing-low", "Piper vctk-medium (nobody)"} {
		box := f.call(protocol.MethodSpeak, map[string]any{"utterance": "Hi.", "voiceName": name})
		resp := box.response(t)
		if resp.Error == nil || resp.Error.Code != protocol.ErrNotFound {
			t.Fatalf("%s: expected NOT_FOUND, got %+v", name, resp.Error)
		}
	}
	if f.manager.Current() != nil {
		t.Fatal("failed resolution must not start a speech")
	}
	if len(f.registry.Status()) != 0 {
		t.Fatal("failed resolution must not load a synthesizer")
	}
}

func TestNewSpeakCancelsPrevious(t *testing.T) {
	player := &heldPlayer{started: make(chan struct{}, 1)}
	f := newFixture(t, nil, player, nil)

	first := f.call(protocol.MethodSpeak, map[string]any{"utterance": "First utterance.", "voiceName": "Piper lessac-medium"})
	first.waitMethod(t, protocol.NotifyStart)
	<-player.started

	second := f.call(protocol.MethodSpeak, map[string]any{"utterance": "Second.", "voiceName": "Piper lessac-medium"})
	second.waitMethod(t, protocol.NotifyStart)

	for _, m := range first.methods() {
		if m == protocol.NotifyEnd || m == protocol.NotifyError {
			t.Fatalf("cancelled speech reported %s", m)
		}
	}
	if f.manager.Current() == nil {
		t.Fatal("expected the second speech to be current")
	}

	stop := f.call(protocol.MethodStop, nil)
	if resp := stop.response(t); resp.Error != nil {
		t.Fatalf("stop failed: %+v", resp.Error)
	}
	if f.manager.Current() != nil {
		t.Fatal("stop must clear the current speech")
	}
}

func TestTransportIntents(t *testing.T) {
	player := &heldPlayer{started: make(chan struct{}, 1)}
	f := newFixture(t, nil, player, nil)

	// No current speech: every transport intent is a no-op.
	for _, method := range []string{protocol.MethodPause, protocol.MethodResume, protocol.MethodForward, protocol.MethodRewind} {
		if resp := f.call(method, nil).response(t); resp.Error != nil {
			t.Fatalf("%s without speech: %+v", method, resp.Error)
		}
	}

	box := f.call(protocol.MethodSpeak, map[string]any{"utterance": "Alpha. Beta. Gamma.", "voiceName": "Piper lessac-medium"})
	box.waitMethod(t, protocol.NotifyStart)
	<-player.started

	if resp := f.call(protocol.MethodPause, nil).response(t); resp.Error != nil {
		t.Fatalf("pause: %+v", resp.Error)
	}
	if resp := f.call(protocol.MethodPause, nil).response(t); resp.Error == nil || resp.Error.Code != protocol.ErrInvalidState {
		t.Fatalf("second pause: expected INVALID_STATE, got %+v", resp.Error)
	}
	if resp := f.call(protocol.MethodSeek, map[string]any{"index": 14}).response(t); resp.Error != nil {
		t.Fatalf("seek: %+v", resp.Error)
	}
	if cur := f.manager.Current(); cur == nil || cur.Cursor() != 2 || cur.State() != speech.StatePaused {
		t.Fatalf("seek should move to the third sentence and stay paused")
	}
	if resp := f.call(protocol.MethodSeek, map[string]any{"index": -1}).response(t); resp.Error == nil || resp.Error.Code != protocol.ErrInvalidArgument {
		t.Fatalf("seek(-1): expected INVALID_ARGUMENT, got %+v", resp.Error)
	}
	if resp := f.call(protocol.MethodResume, nil).response(t); resp.Error != nil {
		t.Fatalf("resume: %+v", resp.Error)
	}
}

func TestReadinessFailureReportsError(t *testing.T) {
	factory := synth.NewMockFactory(synth.MockOptions{SampleRate: 8000, Channels: 1, LoadErr: errors.New("model corrupt")})
	f := newFixture(t, factory, playback.NewCollector(), nil)

	box := f.call(protocol.MethodSpeak, map[string]any{"utterance": "Hello.", "voiceName": "Piper lessac-medium"})
	msg := box.waitMethod(t, protocol.NotifyError)
	var evt protocol.ErrorEvent
	if err := json.Unmarshal(msg.Args, &evt); err != nil || evt.Error == "" {
		t.Fatalf("expected error payload, got %s", msg.Args)
	}
	if _, ok := box.find(protocol.NotifyStart); ok {
		t.Fatal("onStart must not be sent when the voice failed to load")
	}
	if state := f.registry.State("en_US-lessac-medium"); state != synth.StateFailed {
		t.Fatalf("expected failed load state, got %s", state)
	}
}

func TestExternalPlaybackRoundTrip(t *testing.T) {
	hostBox := newInbox()
	f := newFixture(t, nil, nil, func(d *dispatch.Dispatcher) playback.Host {
		return NewRemoteHost("piper-host", "speech", hostBox, d)
	})

	box := f.call(protocol.MethodSpeak, map[string]any{
		"utterance": "Only one.", "voiceName": "Piper lessac-medium", "externalPlayback": true, "rate": 1.5,
	})
	play := hostBox.waitMethod(t, protocol.HostAudioPlay)
	if play.To != "piper-host" || play.Type != protocol.TypeRequest || play.ID == "" {
		t.Fatalf("unexpected audioPlay envelope %+v", play)
	}
	var args protocol.AudioPlayArgs
	if err := json.Unmarshal(play.Args, &args); err != nil || args.Src == "" || args.Rate != 1.5 {
		t.Fatalf("unexpected audioPlay args %s (%v)", play.Args, err)
	}

	f.dispatcher.Dispatch(context.Background(), protocol.Message{Type: protocol.TypeResponse, ID: play.ID}, hostBox)
	box.waitMethod(t, protocol.NotifyEnd)
	if f.dispatcher.Pending() != 0 {
		t.Fatalf("expected no pending host requests, got %d", f.dispatcher.Pending())
	}
}

func TestExternalPlaybackWithoutHost(t *testing.T) {
	f := newFixture(t, nil, playback.NewCollector(), nil)
	resp := f.call(protocol.MethodSpeak, map[string]any{"utterance": "Hi.", "voiceName": "Piper lessac-medium", "externalPlayback": true}).response(t)
	if resp.Error == nil || resp.Error.Code != protocol.ErrInvalidState {
		t.Fatalf("expected INVALID_STATE, got %+v", resp.Error)
	}
}

func TestActivityText(t *testing.T) {
	if got := activityText("Hello\n\n  there   world"); got != "Hello there world" {
		t.Fatalf("unexpected %q", got)
	}
	long := "aaaaaaaaaa aaaaaaaaaa aaaaaaaaaa aaaaaaaaaa aaaaaaaaaa tail"
	if got := activityText(long); len([]rune(got)) > 50 {
		t.Fatalf("expected at most 50 runes, got %q", got)
	}
}
