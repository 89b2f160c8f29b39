package synth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/mattn/go-shellwords"
)

// Model locates the files behind a voice key.
type Model struct {
	Key        string
	Path       string
	SampleRate int
}

// ModelLookup resolves a voice key to its model.
type ModelLookup func(voiceKey string) (Model, bool)

type execSynth struct {
	cmd        []string
	model      Model
	sampleRate int
	channels   int
	ready      *Readiness
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	disposed   bool
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	ModelPath  string `json:"model_path,omitempty"`
	SpeakerID  *int   `json:"speaker_id,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

// NewExecFactory runs an external inference command per sentence. The
// command reads one JSON request on stdin and writes newline-delimited JSON
// chunks carrying base64 PCM.
func NewExecFactory(command string, sampleRate, channels int, lookup ModelLookup) (Factory, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return func(voiceKey string) Synthesizer {
		model, ok := lookup(voiceKey)
		if !ok {
			model = Model{Key: voiceKey}
		}
		rate := sampleRate
		if model.SampleRate > 0 {
			rate = model.SampleRate
		}
		ctx, cancel := context.WithCancel(context.Background())
		e := &execSynth{
			cmd:        args,
			model:      model,
			sampleRate: rate,
			channels:   channels,
			ready:      NewReadiness(),
			ctx:        ctx,
			cancel:     cancel,
		}
		go e.load(ok)
		return e
	}, nil
}

func (e *execSynth) load(known bool) {
	if !known {
		e.ready.Resolve(fmt.Errorf("no model for voice %q", e.model.Key))
		return
	}
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		e.ready.Resolve(fmt.Errorf("synth command: %w", err))
		return
	}
	if e.model.Path != "" {
		if _, err := os.Stat(e.model.Path); err != nil {
			e.ready.Resolve(fmt.Errorf("voice model: %w", err))
			return
		}
	}
	e.ready.Resolve(nil)
}

func (e *execSynth) Readiness() *Readiness { return e.ready }

func (e *execSynth) Synthesize(ctx context.Context, text string, speakerID *int) (audio.PCM, error) {
	e.mu.Lock()
	disposed := e.disposed
	e.mu.Unlock()
	if disposed {
		return audio.PCM{}, ErrDisposed
	}
	if err := e.ready.Wait(ctx); err != nil {
		return audio.PCM{}, err
	}

	// Dispose aborts in-flight commands.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	data, err := json.Marshal(execRequest{
		Text:       text,
		Voice:      e.model.Key,
		ModelPath:  e.model.Path,
		SpeakerID:  speakerID,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return audio.PCM{}, err
	}

	cmd := exec.CommandContext(runCtx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return audio.PCM{}, err
	}
	if err := cmd.Start(); err != nil {
		return audio.PCM{}, fmt.Errorf("start synth command: %w", err)
	}

	pcm := audio.PCM{SampleRate: e.sampleRate, Channels: e.channels}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			cancel()
			_ = cmd.Wait()
			return audio.PCM{}, fmt.Errorf("decode synth chunk: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			cancel()
			_ = cmd.Wait()
			return audio.PCM{}, fmt.Errorf("decode synth pcm: %w", err)
		}
		pcm.Data = append(pcm.Data, chunk...)
		if resp.Final {
			break
		}
	}
	scanErr := scanner.Err()
	_, _ = io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		if e.ctx.Err() != nil {
			return audio.PCM{}, ErrDisposed
		}
		return audio.PCM{}, fmt.Errorf("synth command failed: %w: %s", err, stderr.String())
	}
	if scanErr != nil {
		return audio.PCM{}, scanErr
	}
	return pcm, nil
}

func (e *execSynth) Dispose() {
	e.mu.Lock()
	e.disposed = true
	e.mu.Unlock()
	e.cancel()
}
