package synth

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Factory builds the synthesizer for a voice key. It must not block: model
// loading belongs behind the returned Readiness.
type Factory func(voiceKey string) Synthesizer

// LoadState describes a voice's model from the caller's point of view.
type LoadState string

const (
	StateNotLoaded LoadState = "not-loaded"
	StateLoading   LoadState = "loading"
	StateLoaded    LoadState = "loaded"
	StateFailed    LoadState = "failed"
)

// Status is a snapshot of one registry entry.
type Status struct {
	VoiceKey    string    `json:"voice_key"`
	State       LoadState `json:"load_state"`
	ActiveUsers int       `json:"active_users"`
}

type entry struct {
	synth  Synthesizer
	active int
}

// Registry maps voice keys to at most one live Synthesizer. Entries are
// created on first use and removed only by Remove (uninstall) or Close.
type Registry struct {
	factory Factory
	log     *slog.Logger
	mu      sync.Mutex
	entries map[string]*entry
	meter   metric.Meter
}

func NewRegistry(factory Factory, log *slog.Logger) *Registry {
	r := &Registry{
		factory: factory,
		log:     log.With(slog.String("component", "synth-registry")),
		entries: make(map[string]*entry),
		meter:   otel.Meter("github.com/loqalabs/loqa-speech/synth"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Get returns the live synthesizer for voiceKey, constructing it on first
// use. Two calls for the same key without an intervening Remove return the
// same instance.
func (r *Registry) Get(voiceKey string) Synthesizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[voiceKey]; ok {
		return e.synth
	}
	r.log.Info("initializing synthesizer", slog.String("voice", voiceKey))
	s := r.factory(voiceKey)
	r.entries[voiceKey] = &entry{synth: s}
	return s
}

// Remove disposes and evicts the synthesizer for voiceKey, if any.
func (r *Registry) Remove(voiceKey string) {
	r.mu.Lock()
	e, ok := r.entries[voiceKey]
	delete(r.entries, voiceKey)
	r.mu.Unlock()
	if ok {
		r.log.Info("disposing synthesizer", slog.String("voice", voiceKey))
		e.synth.Dispose()
	}
}

// Retain counts one active speech on voiceKey until the returned func runs.
// Counts on an entry that was removed meanwhile are dropped.
func (r *Registry) Retain(voiceKey string) (release func()) {
	r.mu.Lock()
	e, ok := r.entries[voiceKey]
	if ok {
		e.active++
	}
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			if !ok {
				return
			}
			r.mu.Lock()
			e.active--
			r.mu.Unlock()
		})
	}
}

// Status reports every known voice key in key order.
func (r *Registry) Status() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.entries))
	for key, e := range r.entries {
		out = append(out, Status{VoiceKey: key, State: stateOf(e.synth), ActiveUsers: e.active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoiceKey < out[j].VoiceKey })
	return out
}

// State reports the load state of voiceKey.
func (r *Registry) State(voiceKey string) LoadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[voiceKey]
	if !ok {
		return StateNotLoaded
	}
	return stateOf(e.synth)
}

// Close disposes every synthesizer.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range entries {
		e.synth.Dispose()
	}
}

func stateOf(s Synthesizer) LoadState {
	settled, err := s.Readiness().Settled()
	switch {
	case !settled:
		return StateLoading
	case err != nil:
		return StateFailed
	default:
		return StateLoaded
	}
}

func (r *Registry) initMetrics() error {
	loaded, err := r.meter.Int64ObservableGauge("loqa.synth.loaded", metric.WithDescription("Synthesizers with a loaded model"))
	if err != nil {
		return err
	}
	active, err := r.meter.Int64ObservableGauge("loqa.synth.active_users", metric.WithDescription("Speeches currently using a synthesizer"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var nLoaded, nActive int64
		for _, st := range r.Status() {
			if st.State == StateLoaded {
				nLoaded++
			}
			nActive += int64(st.ActiveUsers)
		}
		obs.ObserveInt64(loaded, nLoaded)
		obs.ObserveInt64(active, nActive)
		return nil
	}, loaded, active)
	return err
}
