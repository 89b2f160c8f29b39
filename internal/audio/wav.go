package audio

import (
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Chunk is one synthesized sentence and the silence that follows it.
type Chunk struct {
	PCM           PCM
	AppendSilence time.Duration
}

// WriteWAV encodes chunks back to back as a 16-bit PCM WAV stream. The format
// of the first chunk defines the stream; later chunks must match it.
func WriteWAV(w io.WriteSeeker, chunks []Chunk) error {
	if len(chunks) == 0 {
		return errors.New("no audio chunks")
	}
	format := chunks[0].PCM
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return fmt.Errorf("invalid pcm format %d Hz x %d", format.SampleRate, format.Channels)
	}

	enc := wav.NewEncoder(w, format.SampleRate, 16, format.Channels, 1)
	for i, chunk := range chunks {
		pcm := chunk.PCM
		if pcm.SampleRate != format.SampleRate || pcm.Channels != format.Channels {
			return fmt.Errorf("chunk %d format %d Hz x %d differs from %d Hz x %d",
				i, pcm.SampleRate, pcm.Channels, format.SampleRate, format.Channels)
		}
		if len(pcm.Data)%bytesPerSample != 0 {
			return fmt.Errorf("chunk %d: pcm payload not aligned", i)
		}
		pcm = pcm.WithSilence(chunk.AppendSilence)
		buffer := &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: pcm.Channels, SampleRate: pcm.SampleRate},
			Data:           pcm.Ints(),
			SourceBitDepth: 16,
		}
		if len(buffer.Data) == 0 {
			continue
		}
		if err := enc.Write(buffer); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeWAV returns chunks as an in-memory WAV file.
func EncodeWAV(chunks []Chunk) ([]byte, error) {
	var buf memFile
	if err := WriteWAV(&buf, chunks); err != nil {
		return nil, err
	}
	return buf.data, nil
}

// memFile is an in-memory io.WriteSeeker; the WAV encoder seeks back to patch
// chunk sizes once all samples are written.
type memFile struct {
	data []byte
	pos  int
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.data) {
		if end > cap(m.data) {
			grown := make([]byte, end, 2*end)
			copy(grown, m.data)
			m.data = grown
		} else {
			m.data = m.data[:end]
		}
	}
	copy(m.data[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(m.pos) + offset
	case io.SeekEnd:
		next = int64(len(m.data)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = int(next)
	return next, nil
}
