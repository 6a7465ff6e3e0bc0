package worker

import (
	"context"
	"fmt"
)

// Kind names a request or message on the worker channel.
type Kind string

const (
	KindIsAlive  Kind = "is_alive"
	KindInit     Kind = "init"
	KindFetch    Kind = "fetch"
	KindOutput   Kind = "output"
	KindError    Kind = "error"
	KindComplete Kind = "complete"
	KindStderr   Kind = "stderr"
)

// Request is sent to the worker, one JSON object per line.
type Request struct {
	Kind           Kind              `json:"kind"`
	ModelURL       string            `json:"model_url,omitempty"`
	ModelConfigURL string            `json:"model_config_url,omitempty"`
	Input          string            `json:"input,omitempty"`
	SpeakerID      *int              `json:"speaker_id,omitempty"`
	Blobs          map[string][]byte `json:"blobs,omitempty"`
	AssetURLs      []string          `json:"asset_urls,omitempty"`
}

// Message is emitted by the worker, one JSON object per line.
type Message struct {
	Kind     Kind    `json:"kind"`
	IsAlive  bool    `json:"is_alive,omitempty"`
	URL      string  `json:"url,omitempty"`
	Loaded   int64   `json:"loaded,omitempty"`
	Total    int64   `json:"total,omitempty"`
	Blob     []byte  `json:"blob,omitempty"`
	Audio    []byte  `json:"audio,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Error    string  `json:"error,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// Progress reports how far a fetch message is, between 0 and 1. A message
// carrying the blob is always complete.
func (m Message) Progress() float64 {
	switch {
	case m.Blob != nil:
		return 1
	case m.Total > 0:
		return float64(m.Loaded) / float64(m.Total)
	default:
		return 0
	}
}

func (m Message) Validate() error {
	switch m.Kind {
	case KindIsAlive, KindFetch, KindOutput, KindError, KindComplete, KindStderr:
		return nil
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
}

// Event is delivered on a handle's event channel. Exactly one of Msg and
// Err is set.
type Event struct {
	Msg *Message
	Err error
}

// Handle is one live worker instance. Once terminated it is never reused.
type Handle interface {
	// Send queues req for the worker without waiting for a reply.
	Send(req Request) error
	// Events is closed after the worker has gone away.
	Events() <-chan Event
	Terminate()
}

// Factory constructs a fresh worker from source, which is a command line,
// module location or any other identifier the factory understands.
type Factory interface {
	Start(ctx context.Context, source string) (Handle, error)
}
