package dispatch

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-speech/internal/protocol"
)

// ArgumentError rejects a request whose arguments have the wrong shape.
// Nothing has changed when it is returned.
type ArgumentError struct {
	Method string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("bad args for %s: %s", e.Method, e.Reason)
}

func badArgs(method, format string, args ...any) error {
	return &ArgumentError{Method: method, Reason: fmt.Sprintf(format, args...)}
}

// Request is one of the typed intents below.
type Request interface {
	Method() string
}

type SpeakRequest struct {
	Utterance        string
	VoiceName        string
	Pitch            *float64
	Rate             *float64
	Volume           *float64
	ExternalPlayback bool
}

type SynthesizeRequest struct {
	Text      string
	VoiceName string
	Pitch     *float64
}

type SeekRequest struct {
	Index int
}

type (
	PauseRequest   struct{}
	ResumeRequest  struct{}
	StopRequest    struct{}
	ForwardRequest struct{}
	RewindRequest  struct{}
)

func (SpeakRequest) Method() string      { return protocol.MethodSpeak }
func (SynthesizeRequest) Method() string { return protocol.MethodSynthesize }
func (SeekRequest) Method() string       { return protocol.MethodSeek }
func (PauseRequest) Method() string      { return protocol.MethodPause }
func (ResumeRequest) Method() string     { return protocol.MethodResume }
func (StopRequest) Method() string       { return protocol.MethodStop }
func (ForwardRequest) Method() string    { return protocol.MethodForward }
func (RewindRequest) Method() string     { return protocol.MethodRewind }

type speakArgs struct {
	Utterance        *string  `json:"utterance"`
	VoiceName        *string  `json:"voiceName"`
	Pitch            *float64 `json:"pitch"`
	Rate             *float64 `json:"rate"`
	Volume           *float64 `json:"volume"`
	ExternalPlayback *bool    `json:"externalPlayback"`
}

type synthesizeArgs struct {
	Text      *string  `json:"text"`
	VoiceName *string  `json:"voiceName"`
	Pitch     *float64 `json:"pitch"`
}

type seekArgs struct {
	Index *float64 `json:"index"`
}

// Decode validates args for method and returns the typed request.
func Decode(method string, args json.RawMessage) (Request, error) {
	switch method {
	case protocol.MethodSpeak:
		var a speakArgs
		if err := decodeArgs(method, args, &a); err != nil {
			return nil, err
		}
		if a.Utterance == nil {
			return nil, badArgs(method, "utterance must be a string")
		}
		if a.VoiceName == nil {
			return nil, badArgs(method, "voiceName must be a string")
		}
		req := SpeakRequest{Utterance: *a.Utterance, VoiceName: *a.VoiceName, Pitch: a.Pitch, Rate: a.Rate, Volume: a.Volume}
		if a.ExternalPlayback != nil {
			req.ExternalPlayback = *a.ExternalPlayback
		}
		return req, nil
	case protocol.MethodSynthesize:
		var a synthesizeArgs
		if err := decodeArgs(method, args, &a); err != nil {
			return nil, err
		}
		if a.Text == nil {
			return nil, badArgs(method, "text must be a string")
		}
		if a.VoiceName == nil {
			return nil, badArgs(method, "voiceName must be a string")
		}
		return SynthesizeRequest{Text: *a.Text, VoiceName: *a.VoiceName, Pitch: a.Pitch}, nil
	case protocol.MethodSeek:
		var a seekArgs
		if err := decodeArgs(method, args, &a); err != nil {
			return nil, err
		}
		if a.Index == nil {
			return nil, badArgs(method, "index must be a number")
		}
		idx := *a.Index
		if idx < 0 || idx != math.Trunc(idx) || idx > math.MaxInt32 {
			return nil, badArgs(method, "index must be a non-negative integer, got %v", idx)
		}
		return SeekRequest{Index: int(idx)}, nil
	case protocol.MethodPause:
		return PauseRequest{}, nil
	case protocol.MethodResume:
		return ResumeRequest{}, nil
	case protocol.MethodStop:
		return StopRequest{}, nil
	case protocol.MethodForward:
		return ForwardRequest{}, nil
	case protocol.MethodRewind:
		return RewindRequest{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
}

func decodeArgs(method string, args json.RawMessage, dst any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return badArgs(method, "%v", err)
	}
	return nil
}
