// Package audio holds the PCM representation shared by synthesizers and
// players, and encodes collected speech into a single WAV artifact.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const bytesPerSample = 2

// PCM is interleaved little-endian signed 16-bit audio.
type PCM struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames held by p.
func (p PCM) Frames() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Data) / (bytesPerSample * p.Channels)
}

// Duration returns the playing time of p at its native sample rate.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(p.Frames()) * time.Second / time.Duration(p.SampleRate)
}

// Silence returns d worth of zeroed samples in the given format.
func Silence(sampleRate, channels int, d time.Duration) PCM {
	if d <= 0 || sampleRate <= 0 || channels <= 0 {
		return PCM{SampleRate: sampleRate, Channels: channels}
	}
	frames := int(d * time.Duration(sampleRate) / time.Second)
	return PCM{
		Data:       make([]byte, frames*channels*bytesPerSample),
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// WithSilence returns a copy of p followed by d of silence.
func (p PCM) WithSilence(d time.Duration) PCM {
	pad := Silence(p.SampleRate, p.Channels, d)
	out := make([]byte, 0, len(p.Data)+len(pad.Data))
	out = append(out, p.Data...)
	out = append(out, pad.Data...)
	return PCM{Data: out, SampleRate: p.SampleRate, Channels: p.Channels}
}

// Scale returns a copy of p with every sample multiplied by gain, clipped to
// the int16 range. A gain of 1 returns p unchanged.
func (p PCM) Scale(gain float64) PCM {
	if gain == 1 || len(p.Data) == 0 {
		return p
	}
	out := make([]byte, len(p.Data)-len(p.Data)%bytesPerSample)
	for i := 0; i+1 < len(p.Data); i += bytesPerSample {
		v := float64(int16(binary.LittleEndian.Uint16(p.Data[i:]))) * gain
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(v)))
	}
	return PCM{Data: out, SampleRate: p.SampleRate, Channels: p.Channels}
}

// Ints widens the samples of p for encoders that work on int buffers.
func (p PCM) Ints() []int {
	samples := make([]int, len(p.Data)/bytesPerSample)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(p.Data[i*bytesPerSample:])))
	}
	return samples
}
