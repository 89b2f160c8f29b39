package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/synth"
)

const testCatalog = `voices:
  - key: en_US-lessac-medium
    name: lessac
    quality: medium
    language: {code: en_US, country_english: United States}
  - key: en_GB-vctk-medium
    name: vctk
    quality: medium
    language: {code: en_GB, country_english: Great Britain}
    speaker_id_map: {p225: 0}
`

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startTestRuntime(t *testing.T) (*Runtime, string) {
	t.Helper()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "voices.yaml")
	if err := os.WriteFile(catalogPath, []byte(testCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	cfg.EventStore.Path = filepath.Join(dir, "speech.db")
	cfg.Voices.CatalogPath = catalogPath
	cfg.Synth.MockLoadMS = 0
	cfg.Synth.MockMSPerRune = 0
	cfg.Node.HeartbeatInterval = 50
	cfg.Node.HeartbeatTimeout = 200

	r := New(cfg, newLogger())
	if err := r.startComponents(context.Background()); err != nil {
		r.closeAll()
		t.Fatalf("start components: %v", err)
	}
	t.Cleanup(r.closeAll)
	return r, catalogPath
}

func TestVoicesEndpoint(t *testing.T) {
	r, _ := startTestRuntime(t)
	r.registry.Get("en_US-lessac-medium")

	rec := httptest.NewRecorder()
	r.handleVoices(rec, httptest.NewRequest(http.MethodGet, "/voices", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp voicesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Voices) != 2 {
		t.Fatalf("expected 2 voices, got %+v", resp.Voices)
	}
	byKey := map[string]voiceStatus{}
	for _, v := range resp.Voices {
		byKey[v.Key] = v
	}
	if byKey["en_US-lessac-medium"].LoadState != synth.StateLoaded {
		t.Fatalf("expected loaded voice, got %s", byKey["en_US-lessac-medium"].LoadState)
	}
	if byKey["en_GB-vctk-medium"].LoadState != synth.StateNotLoaded {
		t.Fatalf("expected not-loaded voice, got %s", byKey["en_GB-vctk-medium"].LoadState)
	}
	if len(byKey["en_GB-vctk-medium"].Advertised) != 2 {
		t.Fatalf("expected model and speaker names, got %v", byKey["en_GB-vctk-medium"].Advertised)
	}
	if len(resp.Peers) == 0 || resp.Peers[0].ID != r.cfg.Node.ID {
		t.Fatalf("expected own node among peers, got %+v", resp.Peers)
	}

	rec = httptest.NewRecorder()
	r.handleVoices(rec, httptest.NewRequest(http.MethodPost, "/voices", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestReadyReflectsComponents(t *testing.T) {
	r, _ := startTestRuntime(t)

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before serving, got %d", rec.Code)
	}
	r.ready.Store(true)
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
}

func TestCatalogRemovalUninstallsVoice(t *testing.T) {
	r, path := startTestRuntime(t)
	r.registry.Get("en_GB-vctk-medium")

	trimmed := `voices:
  - key: en_US-lessac-medium
    name: lessac
    quality: medium
    language: {code: en_US, country_english: United States}
`
	if err := os.WriteFile(path, []byte(trimmed), 0o644); err != nil {
		t.Fatalf("rewrite catalog: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for r.registry.State("en_GB-vctk-medium") != synth.StateNotLoaded {
		if time.Now().After(deadline) {
			t.Fatal("removed voice was not uninstalled")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok := r.catalog.Lookup("en_GB-vctk-medium"); ok {
		t.Fatal("catalog still lists the removed voice")
	}
}
