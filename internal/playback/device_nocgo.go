//go:build !cgo

package playback

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

var errNoDevice = errors.New("device playback requires a cgo build")

type DevicePlayer struct{}

func NewDevicePlayer() (*DevicePlayer, error) { return nil, errNoDevice }

func (p *DevicePlayer) Close() error { return nil }

func (p *DevicePlayer) Play(context.Context, audio.PCM, time.Duration, Options) (Handle, error) {
	return nil, errNoDevice
}
