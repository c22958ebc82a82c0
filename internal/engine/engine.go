package engine

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/tensor"
)

// Engine executes the five transducer sub-models. Implementations must
// return freshly allocated tensors; callers never mutate them.
type Engine interface {
	ExtractFeatures(ctx context.Context, samples []float32) (tensor.Tensor, error)
	ComputeDelta(ctx context.Context, features tensor.Tensor) (tensor.Tensor, error)
	EncodeAudio(ctx context.Context, window, state tensor.Tensor) (frame, next tensor.Tensor, err error)
	EncodeText(ctx context.Context, ids [][]int, lengths []int, state tensor.Tensor) (output, next tensor.Tensor, err error)
	Joint(ctx context.Context, audioFrame, textOutput tensor.Tensor) (logits, logProbs tensor.Tensor, err error)
	Close() error
}

// Tensor names used on the wire, matching the exported graph nodes.
const (
	InSamples        = "samples"
	OutFeatures      = "feats"
	InRawFeatures    = "raw_feats"
	OutDeltaFeatures = "delta_feats"
	InAudio          = "a_inputs"
	InAudioState     = "a_inputs_states"
	OutAudio         = "a_outputs"
	OutAudioState    = "a_states"
	InTextState      = "t_inputs_states"
	OutText          = "t_outputs"
	OutTextState     = "t_states"
	InJointAudio     = "a_logits"
	InJointText      = "t_logits"
	OutJointLogits   = "joint_logits"
	OutJointLogProbs = "joint_log_probs"
)

// transport carries one encoded sub-model call to a backend.
type transport interface {
	roundTrip(ctx context.Context, req protocol.InferenceRequest) (protocol.InferenceResponse, error)
	close() error
}

// wireEngine adapts a transport to the Engine interface.
type wireEngine struct {
	t transport
}

func (w *wireEngine) call(ctx context.Context, req protocol.InferenceRequest, outputs ...string) ([]tensor.Tensor, error) {
	resp, err := w.t.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s: backend error: %s", req.Op, resp.Error)
	}
	result := make([]tensor.Tensor, len(outputs))
	for i, name := range outputs {
		t, ok := resp.Outputs[name]
		if !ok {
			return nil, fmt.Errorf("%s: missing output %q", req.Op, name)
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%s: output %q: %w", req.Op, name, err)
		}
		result[i] = t
	}
	return result, nil
}

func (w *wireEngine) ExtractFeatures(ctx context.Context, samples []float32) (tensor.Tensor, error) {
	out, err := w.call(ctx, protocol.InferenceRequest{
		Op:     protocol.OpExtractFeatures,
		Inputs: map[string]tensor.Tensor{InSamples: {Shape: []int{len(samples)}, Data: samples}},
	}, OutFeatures)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return out[0], nil
}

func (w *wireEngine) ComputeDelta(ctx context.Context, features tensor.Tensor) (tensor.Tensor, error) {
	out, err := w.call(ctx, protocol.InferenceRequest{
		Op:     protocol.OpComputeDelta,
		Inputs: map[string]tensor.Tensor{InRawFeatures: features},
	}, OutDeltaFeatures)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return out[0], nil
}

func (w *wireEngine) EncodeAudio(ctx context.Context, window, state tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	out, err := w.call(ctx, protocol.InferenceRequest{
		Op:     protocol.OpEncodeAudio,
		Inputs: map[string]tensor.Tensor{InAudio: window, InAudioState: state},
	}, OutAudio, OutAudioState)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	return out[0], out[1], nil
}

func (w *wireEngine) EncodeText(ctx context.Context, ids [][]int, lengths []int, state tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	out, err := w.call(ctx, protocol.InferenceRequest{
		Op:      protocol.OpEncodeText,
		Inputs:  map[string]tensor.Tensor{InTextState: state},
		IDs:     ids,
		Lengths: lengths,
	}, OutText, OutTextState)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	return out[0], out[1], nil
}

func (w *wireEngine) Joint(ctx context.Context, audioFrame, textOutput tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	out, err := w.call(ctx, protocol.InferenceRequest{
		Op:     protocol.OpJoint,
		Inputs: map[string]tensor.Tensor{InJointAudio: audioFrame, InJointText: textOutput},
	}, OutJointLogits, OutJointLogProbs)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	return out[0], out[1], nil
}

func (w *wireEngine) Close() error {
	return w.t.close()
}

// Dispatch executes a decoded request against a local engine. It is the
// server half of the wire protocol.
func Dispatch(ctx context.Context, e Engine, req protocol.InferenceRequest) protocol.InferenceResponse {
	outputs, err := dispatch(ctx, e, req)
	if err != nil {
		return protocol.InferenceResponse{Error: err.Error()}
	}
	return protocol.InferenceResponse{Outputs: outputs}
}

func dispatch(ctx context.Context, e Engine, req protocol.InferenceRequest) (map[string]tensor.Tensor, error) {
	in := func(name string) (tensor.Tensor, error) {
		t, ok := req.Inputs[name]
		if !ok {
			return tensor.Tensor{}, fmt.Errorf("%s: missing input %q", req.Op, name)
		}
		return t, t.Validate()
	}
	switch req.Op {
	case protocol.OpExtractFeatures:
		samples, err := in(InSamples)
		if err != nil {
			return nil, err
		}
		feats, err := e.ExtractFeatures(ctx, samples.Data)
		if err != nil {
			return nil, err
		}
		return map[string]tensor.Tensor{OutFeatures: feats}, nil
	case protocol.OpComputeDelta:
		raw, err := in(InRawFeatures)
		if err != nil {
			return nil, err
		}
		delta, err := e.ComputeDelta(ctx, raw)
		if err != nil {
			return nil, err
		}
		return map[string]tensor.Tensor{OutDeltaFeatures: delta}, nil
	case protocol.OpEncodeAudio:
		window, err := in(InAudio)
		if err != nil {
			return nil, err
		}
		state, err := in(InAudioState)
		if err != nil {
			return nil, err
		}
		frame, next, err := e.EncodeAudio(ctx, window, state)
		if err != nil {
			return nil, err
		}
		return map[string]tensor.Tensor{OutAudio: frame, OutAudioState: next}, nil
	case protocol.OpEncodeText:
		state, err := in(InTextState)
		if err != nil {
			return nil, err
		}
		out, next, err := e.EncodeText(ctx, req.IDs, req.Lengths, state)
		if err != nil {
			return nil, err
		}
		return map[string]tensor.Tensor{OutText: out, OutTextState: next}, nil
	case protocol.OpJoint:
		a, err := in(InJointAudio)
		if err != nil {
			return nil, err
		}
		t, err := in(InJointText)
		if err != nil {
			return nil, err
		}
		logits, logProbs, err := e.Joint(ctx, a, t)
		if err != nil {
			return nil, err
		}
		return map[string]tensor.Tensor{OutJointLogits: logits, OutJointLogProbs: logProbs}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", req.Op)
	}
}
