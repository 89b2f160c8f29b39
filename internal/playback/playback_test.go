package playback

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

func shortPCM(d time.Duration) audio.PCM {
	return audio.Silence(8000, 1, d)
}

func waitDone(t *testing.T, h Handle, within time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(within):
		t.Fatalf("handle did not complete within %v", within)
	}
}

func TestTimedPlayerCompletes(t *testing.T) {
	h, err := NewTimedPlayer().Play(context.Background(), shortPCM(20*time.Millisecond), 10*time.Millisecond, Options{})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	waitDone(t, h, time.Second)
	if h.Err() != nil {
		t.Fatalf("unexpected error: %v", h.Err())
	}
}

func TestTimedPlayerPauseHoldsCompletion(t *testing.T) {
	h, _ := NewTimedPlayer().Play(context.Background(), shortPCM(50*time.Millisecond), 0, Options{})
	resume := h.Pause()
	select {
	case <-h.Done():
		t.Fatal("paused handle completed")
	case <-time.After(120 * time.Millisecond):
	}
	next := resume()
	if next != h {
		t.Fatal("expected resume to continue the same handle")
	}
	waitDone(t, next, time.Second)
}

func TestTimedPlayerRateShortensPlayback(t *testing.T) {
	start := time.Now()
	h, _ := NewTimedPlayer().Play(context.Background(), shortPCM(200*time.Millisecond), 0, Options{Rate: 4})
	waitDone(t, h, time.Second)
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("expected sped up playback, took %v", elapsed)
	}
}

func TestTimedPlayerStop(t *testing.T) {
	h, _ := NewTimedPlayer().Play(context.Background(), shortPCM(time.Hour), 0, Options{})
	h.Stop()
	waitDone(t, h, 100*time.Millisecond)
	h.Stop()
}

func TestCollectorKeepsChunks(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 3; i++ {
		h, err := c.Play(context.Background(), shortPCM(10*time.Millisecond), 5*time.Millisecond, Options{Volume: 0.2})
		if err != nil {
			t.Fatalf("play: %v", err)
		}
		waitDone(t, h, 10*time.Millisecond)
		if h.Pause()() != h {
			t.Fatal("expected pause/resume to be identity")
		}
	}
	if got := len(c.Chunks()); got != 3 {
		t.Fatalf("expected 3 chunks, got %d", got)
	}
	wav, err := c.WAV()
	if err != nil {
		t.Fatalf("wav: %v", err)
	}
	if len(wav) <= 44 {
		t.Fatalf("expected wav payload, got %d bytes", len(wav))
	}
}

type fakeHost struct {
	mu      sync.Mutex
	calls   []string
	replies chan error
	block   chan struct{}
	err     error
}

func (f *fakeHost) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeHost) Play(ctx context.Context, wav []byte, rate, volume float64) (<-chan error, error) {
	f.record("play")
	return f.replies, nil
}
func (f *fakeHost) Pause(context.Context) error {
	if f.block != nil {
		<-f.block
	}
	f.record("pause")
	return f.err
}
func (f *fakeHost) Resume(context.Context) error { f.record("resume"); return f.err }
func (f *fakeHost) Stop(context.Context) error   { f.record("stop"); return f.err }

func (f *fakeHost) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestHostPlayerRoundTrip(t *testing.T) {
	host := &fakeHost{replies: make(chan error, 1)}
	h, err := NewHostPlayer(host, nil).Play(context.Background(), shortPCM(10*time.Millisecond), 0, Options{Rate: 1.5})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	resume := h.Pause()
	resume()
	host.replies <- nil
	waitDone(t, h, time.Second)

	want := []string{"play", "pause", "resume"}
	deadline := time.Now().Add(time.Second)
	for len(host.Calls()) < len(want) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	calls := host.Calls()
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, calls)
		}
	}
}

func TestHostPlayerReportsFailure(t *testing.T) {
	host := &fakeHost{replies: make(chan error, 1)}
	h, _ := NewHostPlayer(host, nil).Play(context.Background(), shortPCM(10*time.Millisecond), 0, Options{})
	host.replies <- errors.New("decode failed")
	waitDone(t, h, time.Second)
	if h.Err() == nil {
		t.Fatal("expected host failure to surface")
	}
}

func TestHostPlayerStopAbandonsReply(t *testing.T) {
	host := &fakeHost{replies: make(chan error)}
	h, _ := NewHostPlayer(host, nil).Play(context.Background(), shortPCM(10*time.Millisecond), 0, Options{})
	h.Stop()
	waitDone(t, h, time.Second)
	if h.Err() != nil {
		t.Fatalf("stop should not be an error: %v", h.Err())
	}
	if calls := host.Calls(); calls[len(calls)-1] != "stop" {
		t.Fatalf("expected stop notification, got %v", calls)
	}
}

func TestHostPlayerPauseDoesNotWaitForTransport(t *testing.T) {
	host := &fakeHost{replies: make(chan error, 1), block: make(chan struct{})}
	h, _ := NewHostPlayer(host, nil).Play(context.Background(), shortPCM(10*time.Millisecond), 0, Options{})

	paused := make(chan ResumeFunc, 1)
	go func() { paused <- h.Pause() }()
	var resume ResumeFunc
	select {
	case resume = <-paused:
	case <-time.After(time.Second):
		t.Fatal("pause blocked on a slow host")
	}
	resume()
	close(host.block)
	h.Stop()

	calls := host.Calls()
	want := []string{"play", "pause", "resume", "stop"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected calls in order %v, got %v", want, calls)
		}
	}
}

func TestHostPlayerLogsControlFailures(t *testing.T) {
	var buf lockedBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	host := &fakeHost{replies: make(chan error, 1), err: errors.New("no route")}
	h, _ := NewHostPlayer(host, logger).Play(context.Background(), shortPCM(10*time.Millisecond), 0, Options{})
	h.Stop()
	if out := buf.String(); !strings.Contains(out, "failed to send host control") || !strings.Contains(out, "no route") {
		t.Fatalf("expected warning for failed stop, got %q", out)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestExecPlayer(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	p, err := NewExecPlayer(`sh -c "cat > /dev/null"`)
	if err != nil {
		t.Fatalf("new exec player: %v", err)
	}
	h, err := p.Play(context.Background(), shortPCM(10*time.Millisecond), 0, Options{})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	waitDone(t, h, 5*time.Second)
	if h.Err() != nil {
		t.Fatalf("unexpected error: %v", h.Err())
	}

	slow, _ := NewExecPlayer("sleep 30")
	h, err = slow.Play(context.Background(), shortPCM(10*time.Millisecond), 0, Options{})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	h.Pause()
	h.Stop()
	waitDone(t, h, 5*time.Second)
	if h.Err() != nil {
		t.Fatalf("stop should not be an error: %v", h.Err())
	}
}

func TestNewExecPlayerRejectsEmpty(t *testing.T) {
	if _, err := NewExecPlayer("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}
