package stt

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrMissingCredential is returned by Dial when the provider has no key.
var ErrMissingCredential = errors.New("stt: provider credential is not configured")

// Options describe the audio and recognition settings of one stream.
type Options struct {
	SessionID      string
	Model          string
	Language       string
	SampleRate     int
	Channels       int
	InterimResults bool
	Diarize        bool
}

// Result is one recognition hypothesis translated from the provider format.
// Only the top candidate is kept.
type Result struct {
	Text       string
	Confidence *float64
	IsFinal    bool
	StartMS    int64
	EndMS      *int64
	Speaker    *string
	Words      []string
	Raw        json.RawMessage
}

// Dialer opens streaming recognition sessions.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, opts Options) (Stream, error)
}

// Stream is one open upstream session. SendAudio and CloseSend are called
// from a single goroutine; Recv from another. Close may be called from any.
type Stream interface {
	SendAudio(pcm []byte) error
	// CloseSend signals end of audio; the provider flushes trailing results.
	CloseSend() error
	// Recv blocks for the next result. io.EOF means the provider finished.
	Recv() (*Result, error)
	Close() error
}
