package transducer

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/tensor"
)

const (
	// WindowSize is the number of delta-feature frames the audio encoder
	// consumes per step.
	WindowSize = 15
	// StepSize is how far the window advances after each step.
	StepSize = 3
)

// extend appends the features of samples to history and recomputes deltas
// over the whole result. Deltas depend on neighbouring frames, so computing
// them on the new chunk alone would disagree at the seam.
func (d *Decoder) extend(ctx context.Context, history tensor.Tensor, samples []float32) (feats, delta tensor.Tensor, err error) {
	chunk, err := d.engine.ExtractFeatures(ctx, samples)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, inferenceError(protocol.OpExtractFeatures, err)
	}
	feats, err = tensor.ConcatFrames(history, chunk)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, inferenceError(protocol.OpExtractFeatures, fmt.Errorf("%w: %v", ErrShapeMismatch, err))
	}
	if feats.Frames() == 0 {
		return feats, tensor.Tensor{}, nil
	}
	delta, err = d.engine.ComputeDelta(ctx, feats)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, inferenceError(protocol.OpComputeDelta, err)
	}
	return feats, delta, nil
}

// encodeWindow runs one audio encoder step. A missing state is replaced by
// zeros of the model's state shape.
func (d *Decoder) encodeWindow(ctx context.Context, delta tensor.Tensor, start int, state tensor.Tensor) (frame, next tensor.Tensor, err error) {
	window, err := delta.SliceFrames(start, start+WindowSize)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	if state.IsZero() {
		state = tensor.Zeros(d.hp.AudioStateShape()...)
	}
	frame, next, err = d.engine.EncodeAudio(ctx, window, state)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, inferenceError(protocol.OpEncodeAudio, err)
	}
	if want := d.hp.AudioStateShape(); !tensor.SameShape(next.Shape, want) {
		return tensor.Tensor{}, tensor.Tensor{}, inferenceError(protocol.OpEncodeAudio,
			fmt.Errorf("%w: audio state %v, want %v", ErrShapeMismatch, next.Shape, want))
	}
	return frame, next, nil
}

// encodeSymbol feeds one symbol through the text encoder.
func (d *Decoder) encodeSymbol(ctx context.Context, symbol int, state tensor.Tensor) (out, next tensor.Tensor, err error) {
	if state.IsZero() {
		state = tensor.Zeros(d.hp.TextStateShape()...)
	}
	out, next, err = d.engine.EncodeText(ctx, [][]int{{symbol}}, []int{1}, state)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, inferenceError(protocol.OpEncodeText, err)
	}
	if want := d.hp.TextStateShape(); !tensor.SameShape(next.Shape, want) {
		return tensor.Tensor{}, tensor.Tensor{}, inferenceError(protocol.OpEncodeText,
			fmt.Errorf("%w: text state %v, want %v", ErrShapeMismatch, next.Shape, want))
	}
	return out, next, nil
}

// joint returns the log-probability distribution over the vocabulary.
func (d *Decoder) joint(ctx context.Context, frame, textOut tensor.Tensor) (tensor.Tensor, error) {
	_, logProbs, err := d.engine.Joint(ctx, frame, textOut)
	if err != nil {
		return tensor.Tensor{}, inferenceError(protocol.OpJoint, err)
	}
	if n := logProbs.Len(); n <= d.hp.NullID || n <= d.hp.EOSID {
		return tensor.Tensor{}, inferenceError(protocol.OpJoint,
			fmt.Errorf("%w: %d log probabilities do not cover reserved ids", ErrShapeMismatch, n))
	}
	return logProbs, nil
}
