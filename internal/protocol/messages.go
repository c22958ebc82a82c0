package protocol

import (
	"time"

	"github.com/loqalabs/loqa-stream/internal/tensor"
)

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
	// Frames is the number of feature frames consumed by the encoder so far.
	Frames int `json:"frames"`
}

// SessionReset discards decoder state for a session.
type SessionReset struct {
	SessionID string `json:"session_id"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionReset      = "stt.session.reset"
)

// Inference sub-model operations.
const (
	OpExtractFeatures = "extract_features"
	OpComputeDelta    = "compute_delta"
	OpEncodeAudio     = "encode_audio"
	OpEncodeText      = "encode_text"
	OpJoint           = "joint"
)

// InferenceRequest is the wire form of one sub-model call, shared by the
// exec, nats and wasm engine backends.
type InferenceRequest struct {
	Op      string                   `json:"op"`
	Inputs  map[string]tensor.Tensor `json:"inputs,omitempty"`
	IDs     [][]int                  `json:"ids,omitempty"`
	Lengths []int                    `json:"lengths,omitempty"`
}

type InferenceResponse struct {
	Outputs map[string]tensor.Tensor `json:"outputs,omitempty"`
	Error   string                   `json:"error,omitempty"`
}
