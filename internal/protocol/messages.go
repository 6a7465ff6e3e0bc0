package protocol

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-piper/internal/faults"
)

// SynthesizeRequest asks for one text fragment to be rendered. Either Voice
// (a catalog name) or the explicit model URLs must be given.
type SynthesizeRequest struct {
	RequestID      string   `json:"request_id,omitempty"`
	Text           string   `json:"text"`
	Voice          string   `json:"voice,omitempty"`
	Speaker        string   `json:"speaker,omitempty"`
	SpeakerID      *int     `json:"speaker_id,omitempty"`
	ModelURL       string   `json:"model_url,omitempty"`
	ModelConfigURL string   `json:"model_config_url,omitempty"`
	AssetURLs      []string `json:"asset_urls,omitempty"`
}

type SynthesizeReply struct {
	RequestID       string     `json:"request_id"`
	Audio           []byte     `json:"audio,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	Error           *ErrorBody `json:"error,omitempty"`
}

type StitchRequest struct {
	Buffers [][]byte `json:"buffers"`
}

type StitchReply struct {
	Audio           []byte     `json:"audio,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	Error           *ErrorBody `json:"error,omitempty"`
}

// ModelRequest names a model by catalog voice or by URL.
type ModelRequest struct {
	Voice          string `json:"voice,omitempty"`
	ModelURL       string `json:"model_url,omitempty"`
	ModelConfigURL string `json:"model_config_url,omitempty"`
}

type ModelCachedReply struct {
	ModelURL string     `json:"model_url"`
	Cached   bool       `json:"cached"`
	Error    *ErrorBody `json:"error,omitempty"`
}

type EvictReply struct {
	ModelURL string     `json:"model_url"`
	Removed  int        `json:"removed"`
	Error    *ErrorBody `json:"error,omitempty"`
}

// Progress is published while a synthesis request downloads model files.
type Progress struct {
	RequestID string    `json:"request_id"`
	URL       string    `json:"url"`
	Percent   int       `json:"percent"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorBody carries a failure across the bus with its kind preserved.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func NewError(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	return &ErrorBody{Kind: string(faults.KindOf(err)), Message: err.Error()}
}

// Err turns a reply error back into a typed error.
func (e *ErrorBody) Err() error {
	if e == nil {
		return nil
	}
	return faults.Wrap(faults.Kind(e.Kind), "remote", "request failed", errors.New(e.Message))
}

const (
	SubjectSynthesize  = "synthesize"
	SubjectStitch      = "stitch"
	SubjectModelCached = "model.cached"
	SubjectModelEvict  = "model.evict"
	SubjectProgress    = "progress"
)

// Subject joins prefix and name into a bus subject.
func Subject(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// ProgressSubject is where progress for requestID is published.
func ProgressSubject(prefix, requestID string) string {
	return Subject(prefix, SubjectProgress+"."+requestID)
}
