package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-stream/internal/model"
	"github.com/loqalabs/loqa-stream/internal/tensor"
)

const mockHop = 160

// mockEngine produces well-formed tensors of the right shapes and a joint
// distribution in which the null symbol always wins. It never emits text and
// exists for local development and smoke tests without a real network.
type mockEngine struct {
	hp        model.Hyperparameters
	vocabSize int
}

func NewMockEngine(hp model.Hyperparameters, vocabSize int) (Engine, error) {
	if vocabSize <= hp.NullID || vocabSize <= hp.EOSID {
		return nil, fmt.Errorf("mock vocab size %d does not cover reserved ids", vocabSize)
	}
	return &mockEngine{hp: hp, vocabSize: vocabSize}, nil
}

func (m *mockEngine) ExtractFeatures(ctx context.Context, samples []float32) (tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, err
	}
	frames := len(samples) / mockHop
	feats := tensor.Zeros(1, frames, 1, 1)
	for i := 0; i < frames; i++ {
		var energy float32
		for _, s := range samples[i*mockHop : (i+1)*mockHop] {
			energy += s * s
		}
		feats.Data[i] = energy / mockHop
	}
	return feats, nil
}

func (m *mockEngine) ComputeDelta(ctx context.Context, features tensor.Tensor) (tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, err
	}
	delta := features.Clone()
	for i := len(delta.Data) - 1; i > 0; i-- {
		delta.Data[i] -= features.Data[i-1]
	}
	return delta, nil
}

func (m *mockEngine) EncodeAudio(ctx context.Context, _ tensor.Tensor, state tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	return tensor.Zeros(1, 1, m.hp.AudioEncoderUnits), state.Clone(), nil
}

func (m *mockEngine) EncodeText(ctx context.Context, _ [][]int, _ []int, state tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	if state.IsZero() {
		state = tensor.Zeros(m.hp.TextStateShape()...)
	}
	return tensor.Zeros(1, 1, m.hp.TextEncoderUnits), state.Clone(), nil
}

func (m *mockEngine) Joint(ctx context.Context, _, _ tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	logits := tensor.Zeros(1, 1, 1, m.vocabSize)
	logProbs := tensor.Zeros(1, 1, 1, m.vocabSize)
	rest := float32(math.Log(1e-6))
	for i := range logProbs.Data {
		logProbs.Data[i] = rest
		logits.Data[i] = -10
	}
	logProbs.Data[m.hp.NullID] = float32(math.Log(1 - 1e-6*float64(m.vocabSize-1)))
	logits.Data[m.hp.NullID] = 10
	return logits, logProbs, nil
}

func (m *mockEngine) Close() error { return nil }
