package transducer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-stream/internal/codec"
	"github.com/loqalabs/loqa-stream/internal/model"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/tensor"
)

const (
	testVocab      = 16
	runawaySymbol  = 7
	noRunawayFrame = -1
)

var testHparams = model.Hyperparameters{
	AudioEncoderLayers: 1,
	AudioEncoderUnits:  2,
	TextEncoderLayers:  1,
	TextEncoderUnits:   2,
	NullID:             0,
	EOSID:              1,
}

var testPieces = []string{
	"<blank>", "</s>", "▁a", "▁b", "▁c", "▁d", "▁e", "▁f",
	"▁g", "▁h", "▁i", "▁j", "▁k", "▁l", "▁m", "▁n",
}

// fakeEngine is a deterministic stand-in for the sub-models. Every sample
// becomes one feature frame, the audio state counts encoder steps, and the
// text encoder output carries the last symbol fed in. The joint network
// follows script: on audio step n it emits script[n] in order and then null.
// With flat set it ignores the script and spreads probability evenly.
type fakeEngine struct {
	hp          model.Hyperparameters
	vocab       int
	script      map[int][]int
	alternates  int
	flat        bool
	runawayStep int
	badState    bool

	block   chan struct{}
	entered chan struct{}

	mu      sync.Mutex
	failOp  string
	calls   map[string]int
	windows []float32
}

func newFakeEngine(script map[int][]int) *fakeEngine {
	return &fakeEngine{
		hp:          testHparams,
		vocab:       testVocab,
		script:      script,
		runawayStep: noRunawayFrame,
		calls:       make(map[string]int),
	}
}

func (f *fakeEngine) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.failOp == op {
		return errors.New("backend unavailable")
	}
	return nil
}

func (f *fakeEngine) setFailure(op string) {
	f.mu.Lock()
	f.failOp = op
	f.mu.Unlock()
}

func (f *fakeEngine) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeEngine) windowSums() []float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float32(nil), f.windows...)
}

func (f *fakeEngine) ExtractFeatures(ctx context.Context, samples []float32) (tensor.Tensor, error) {
	if f.block != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.block
	}
	if err := f.record(protocol.OpExtractFeatures); err != nil {
		return tensor.Tensor{}, err
	}
	feats := tensor.Zeros(1, len(samples), 1, 1)
	copy(feats.Data, samples)
	return feats, nil
}

func (f *fakeEngine) ComputeDelta(ctx context.Context, feats tensor.Tensor) (tensor.Tensor, error) {
	if err := f.record(protocol.OpComputeDelta); err != nil {
		return tensor.Tensor{}, err
	}
	delta := feats.Clone()
	for i := len(delta.Data) - 1; i > 0; i-- {
		delta.Data[i] = feats.Data[i] - feats.Data[i-1]
	}
	return delta, nil
}

func (f *fakeEngine) EncodeAudio(ctx context.Context, window, state tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	if err := f.record(protocol.OpEncodeAudio); err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	if !tensor.SameShape(state.Shape, f.hp.AudioStateShape()) {
		return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("unexpected audio state shape %v", state.Shape)
	}
	if window.Frames() != WindowSize {
		return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("unexpected window of %d frames", window.Frames())
	}
	var sum float32
	for _, v := range window.Data {
		sum += v
	}
	f.mu.Lock()
	f.windows = append(f.windows, sum)
	f.mu.Unlock()

	step := state.Data[0]
	next := state.Clone()
	next.Data[0]++
	if f.badState {
		next = tensor.Zeros(1, 1)
	}
	return tensor.Tensor{Shape: []int{1, 1, 2}, Data: []float32{step, sum}}, next, nil
}

func (f *fakeEngine) EncodeText(ctx context.Context, ids [][]int, lengths []int, state tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	if err := f.record(protocol.OpEncodeText); err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	if len(ids) != 1 || len(lengths) != 1 || lengths[0] < 1 {
		return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("unexpected text batch %v %v", ids, lengths)
	}
	if !tensor.SameShape(state.Shape, f.hp.TextStateShape()) {
		return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("unexpected text state shape %v", state.Shape)
	}
	last := ids[0][lengths[0]-1]
	next := state.Clone()
	next.Data[0]++
	return tensor.Tensor{Shape: []int{1, 1, 1}, Data: []float32{float32(last)}}, next, nil
}

func (f *fakeEngine) Joint(ctx context.Context, frame, textOut tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	if err := f.record(protocol.OpJoint); err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	logProbs := tensor.Zeros(1, 1, 1, f.vocab)
	if f.flat {
		for i := range logProbs.Data {
			logProbs.Data[i] = float32(math.Log(0.9 / float64(f.vocab-1)))
		}
		logProbs.Data[f.hp.NullID] = float32(math.Log(0.1))
		return logProbs.Clone(), logProbs, nil
	}

	target := f.next(int(frame.Data[0]), int(textOut.Data[0]))
	for i := range logProbs.Data {
		logProbs.Data[i] = float32(math.Log(1e-6))
	}
	if target == f.hp.NullID {
		logProbs.Data[f.hp.NullID] = float32(math.Log(0.99))
	} else {
		logProbs.Data[target] = float32(math.Log(0.9))
		logProbs.Data[f.hp.NullID] = float32(math.Log(0.05))
		for a := 1; a <= f.alternates; a++ {
			if alt := target + a; alt < f.vocab {
				logProbs.Data[alt] = float32(math.Log(0.02))
			}
		}
	}
	return logProbs.Clone(), logProbs, nil
}

func (f *fakeEngine) next(step, last int) int {
	if step == f.runawayStep {
		return runawaySymbol
	}
	seq := f.script[step]
	for i, s := range seq {
		if s == last {
			if i+1 < len(seq) {
				return seq[i+1]
			}
			return f.hp.NullID
		}
	}
	if len(seq) > 0 {
		return seq[0]
	}
	return f.hp.NullID
}

func (f *fakeEngine) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestDecoder(t *testing.T, e *fakeEngine, opts Options) *Decoder {
	t.Helper()
	if opts.MaxSymbolsPerFrame == 0 {
		opts.MaxSymbolsPerFrame = 8
	}
	opts.Logger = testLogger()
	d, err := New(e, codec.NewPieceTable(testPieces), testHparams, opts)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	return d
}

// ramp returns n samples whose consecutive differences vary.
func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i * 7) % 11)
	}
	return out
}
