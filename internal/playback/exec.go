package playback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecPlayer pipes each segment as a WAV file into an external command such
// as `aplay -q -`. Pause and resume signal the process.
type ExecPlayer struct {
	cmd []string
}

func NewExecPlayer(command string) (*ExecPlayer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	return &ExecPlayer{cmd: args}, nil
}

func (p *ExecPlayer) Play(_ context.Context, pcm audio.PCM, appendSilence time.Duration, opts Options) (Handle, error) {
	wav, err := audio.EncodeWAV([]audio.Chunk{{PCM: prepare(pcm, appendSilence, opts)}})
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(p.cmd[0], p.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(wav)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start playback command: %w", err)
	}

	h := &execHandle{completion: newCompletion(), cmd: cmd}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		stopped := h.stopped
		h.mu.Unlock()
		if err != nil && !stopped {
			h.finish(fmt.Errorf("playback command failed: %w: %s", err, stderr.String()))
			return
		}
		h.finish(nil)
	}()
	return h, nil
}

type execHandle struct {
	completion
	cmd     *exec.Cmd
	mu      sync.Mutex
	paused  bool
	stopped bool
}

func (h *execHandle) Pause() ResumeFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused && !h.stopped && !h.finished() {
		if err := h.cmd.Process.Signal(syscall.SIGSTOP); err == nil {
			h.paused = true
		}
	}
	return h.resume
}

func (h *execHandle) resume() Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused {
		_ = h.cmd.Process.Signal(syscall.SIGCONT)
		h.paused = false
	}
	return h
}

func (h *execHandle) Stop() {
	h.mu.Lock()
	if !h.stopped && !h.finished() {
		h.stopped = true
		_ = h.cmd.Process.Kill()
		if h.paused {
			_ = h.cmd.Process.Signal(syscall.SIGCONT)
		}
	}
	h.mu.Unlock()
	<-h.done
}
