package runtime

import (
	"encoding/json"
	"net/http"

	"github.com/loqalabs/loqa-speech/internal/advertise"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/synth"
	"github.com/loqalabs/loqa-speech/internal/voices"
)

type voiceStatus struct {
	voices.Voice
	Advertised   []string        `json:"advertised"`
	LoadState    synth.LoadState `json:"load_state"`
	ActiveUsers  int             `json:"active_users"`
	PopularityMS int64           `json:"popularity_ms"`
}

type voicesResponse struct {
	Voices []voiceStatus      `json:"voices"`
	Usage  []eventstore.Usage `json:"usage"`
	Peers  []advertise.Node   `json:"peers"`
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.store.Healthy(req.Context()) && r.bridge.Healthy() && r.service.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleVoices reports the installed voices with their load state, active
// speeches and accumulated usage, plus the voices other nodes announced.
func (r *Runtime) handleVoices(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := req.Context()

	status := make(map[string]synth.Status)
	for _, s := range r.registry.Status() {
		status[s.VoiceKey] = s
	}
	popularity, err := r.store.Popularity(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	usage, err := r.store.VoiceUsage(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	names := make(map[string][]string)
	for _, a := range r.catalog.Advertised() {
		names[a.VoiceKey] = append(names[a.VoiceKey], a.Name)
	}

	resp := voicesResponse{Usage: usage, Peers: r.advertiser.Nodes()}
	for _, v := range r.catalog.Voices() {
		st, ok := status[v.Key]
		if !ok {
			st.State = synth.StateNotLoaded
		}
		resp.Voices = append(resp.Voices, voiceStatus{
			Voice:        v,
			Advertised:   names[v.Key],
			LoadState:    st.State,
			ActiveUsers:  st.ActiveUsers,
			PopularityMS: popularity[v.Key],
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		r.logger.Warn("failed to write voices response", slogError(err))
	}
}
