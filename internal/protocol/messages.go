package protocol

import (
	"encoding/json"
	"time"
)

// MessageType tags an envelope as a request, its response or a
// fire-and-forget notification.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
)

// Message is the envelope exchanged with callers and with the playback host
// over every transport.
type Message struct {
	To     string          `json:"to,omitempty"`
	From   string          `json:"from,omitempty"`
	Type   MessageType     `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the failure carried by a response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

const (
	ErrInvalidArgument = "INVALID_ARGUMENT"
	ErrNotFound        = "NOT_FOUND"
	ErrUnknownMethod   = "UNKNOWN_METHOD"
	ErrInvalidState    = "INVALID_STATE"
	ErrInternal        = "INTERNAL"
	ErrRateLimited     = "RATE_LIMITED"
)

// Caller intents.
const (
	MethodSpeak      = "speak"
	MethodSynthesize = "synthesize"
	MethodPause      = "pause"
	MethodResume     = "resume"
	MethodStop       = "stop"
	MethodForward    = "forward"
	MethodRewind     = "rewind"
	MethodSeek       = "seek"
)

// Progress notifications sent back to the caller.
const (
	NotifyStart    = "onStart"
	NotifySentence = "onSentence"
	NotifyEnd      = "onEnd"
	NotifyError    = "onError"
)

// Messages sent to the external playback host.
const (
	HostAudioPlay   = "audioPlay"
	HostAudioPause  = "audioPause"
	HostAudioResume = "audioResume"
	HostAudioStop   = "audioStop"
)

// StartEvent lists where every sentence starts. The field name is part of the
// wire format callers already parse.
type StartEvent struct {
	SentenceStartIndices []int `json:"sentenceStartIndicies"`
}

type SentenceEvent struct {
	StartIndex int `json:"startIndex"`
	EndIndex   int `json:"endIndex"`
}

// EndEvent carries the base64 WAV of the whole utterance for synthesize.
type EndEvent struct {
	AudioBlob string `json:"audioBlob,omitempty"`
}

type ErrorEvent struct {
	Error string `json:"error"`
}

// AudioPlayArgs asks the host to play one WAV segment.
type AudioPlayArgs struct {
	Src    string  `json:"src"`
	Rate   float64 `json:"rate,omitempty"`
	Volume float64 `json:"volume,omitempty"`
}

// VoiceAnnouncement advertises the voices a node can speak with.
type VoiceAnnouncement struct {
	NodeID    string    `json:"node_id"`
	Role      string    `json:"role"`
	Voices    []string  `json:"voices"`
	Timestamp time.Time `json:"timestamp"`
}

// SubjectVoicesAnnounce carries VoiceAnnouncement at start, on catalog
// changes and on every heartbeat.
const SubjectVoicesAnnounce = "speech.voices.announce"

// Subjects derives the bus subjects used by one dispatcher instance.
type Subjects struct {
	Prefix string
}

// Request is where callers publish intents.
func (s Subjects) Request() string { return s.Prefix + ".request" }

// Response is where the playback host answers our requests.
func (s Subjects) Response() string { return s.Prefix + ".response" }

// Notify is where replies and progress for caller from are published.
func (s Subjects) Notify(from string) string { return s.Prefix + ".notify." + token(from) }

// Host is where messages for the playback host named to are published.
func (s Subjects) Host(to string) string { return s.Prefix + ".host." + token(to) }

func token(name string) string {
	if name == "" {
		return "_"
	}
	out := []byte(name)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ', '\t':
			out[i] = '_'
		}
	}
	return string(out)
}
