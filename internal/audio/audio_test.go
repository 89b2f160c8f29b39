package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/go-audio/wav"
)

func tone(samples int, value int16) PCM {
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(value))
	}
	return PCM{Data: data, SampleRate: 1000, Channels: 1}
}

func TestDurationAndSilence(t *testing.T) {
	p := tone(500, 100)
	if p.Duration() != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %v", p.Duration())
	}
	padded := p.WithSilence(250 * time.Millisecond)
	if padded.Frames() != 750 {
		t.Fatalf("expected 750 frames, got %d", padded.Frames())
	}
	if p.Frames() != 500 {
		t.Fatalf("source pcm mutated")
	}
}

func TestScaleClips(t *testing.T) {
	p := tone(4, 20000).Scale(2)
	for _, s := range p.Ints() {
		if s != 32767 {
			t.Fatalf("expected clipped sample, got %d", s)
		}
	}
	half := tone(4, 1000).Scale(0.5)
	if half.Ints()[0] != 500 {
		t.Fatalf("expected 500, got %d", half.Ints()[0])
	}
}

func TestEncodeWAV(t *testing.T) {
	chunks := []Chunk{
		{PCM: tone(1000, 1200), AppendSilence: 500 * time.Millisecond},
		{PCM: tone(500, -1200)},
	}
	data, err := EncodeWAV(chunks)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		t.Fatal("expected valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 1000 || dec.NumChans != 1 {
		t.Fatalf("unexpected format %d Hz x %d", dec.SampleRate, dec.NumChans)
	}
	if got := len(buf.Data); got != 2000 {
		t.Fatalf("expected 2000 samples, got %d", got)
	}
	if buf.Data[0] != 1200 || buf.Data[1200] != 0 || buf.Data[1999] != -1200 {
		t.Fatalf("unexpected sample layout")
	}
}

func TestEncodeWAVRejectsMixedFormats(t *testing.T) {
	other := tone(10, 1)
	other.SampleRate = 2000
	if _, err := EncodeWAV([]Chunk{{PCM: tone(10, 1)}, {PCM: other}}); err == nil {
		t.Fatal("expected format mismatch error")
	}
	if _, err := EncodeWAV(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}
