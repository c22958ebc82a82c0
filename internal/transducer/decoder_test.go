package transducer

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/protocol"
)

var threeFrameScript = map[int][]int{0: {2}, 2: {3, 4}, 5: {5}}

func TestProcessConsumesCompleteWindows(t *testing.T) {
	ctx := context.Background()
	f := newFakeEngine(threeFrameScript)
	d := newTestDecoder(t, f, Options{Mode: ModeGreedy})

	text, s, err := d.Process(ctx, nil, ramp(40))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if text != "a b c d" {
		t.Fatalf("unexpected text %q", text)
	}
	if s.FeatureFrames() != 40 {
		t.Fatalf("expected 40 feature frames, got %d", s.FeatureFrames())
	}
	if s.LastFrameProcessed() != 27 {
		t.Fatalf("expected next window at 27, got %d", s.LastFrameProcessed())
	}
	if got := f.callCount(protocol.OpEncodeAudio); got != 9 {
		t.Fatalf("expected 9 encoder steps, got %d", got)
	}
	if want := []int{0, 2, 3, 4, 5}; !slices.Equal(s.Symbols(), want) {
		t.Fatalf("unexpected symbols %v", s.Symbols())
	}
}

func TestChunkingDoesNotChangeResult(t *testing.T) {
	ctx := context.Background()
	samples := ramp(40)

	whole := newFakeEngine(threeFrameScript)
	wd := newTestDecoder(t, whole, Options{Mode: ModeGreedy})
	wantText, ws, err := wd.Process(ctx, nil, samples)
	if err != nil {
		t.Fatalf("process whole: %v", err)
	}

	chunked := newFakeEngine(threeFrameScript)
	cd := newTestDecoder(t, chunked, Options{Mode: ModeGreedy})
	cs, err := cd.NewSession(ctx)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	var text string
	offset := 0
	for _, n := range []int{7, 13, 1, 19} {
		text, cs, err = cd.Process(ctx, cs, samples[offset:offset+n])
		if err != nil {
			t.Fatalf("process chunk at %d: %v", offset, err)
		}
		offset += n
	}

	if text != wantText {
		t.Fatalf("chunked text %q, whole %q", text, wantText)
	}
	if !slices.Equal(cs.Symbols(), ws.Symbols()) {
		t.Fatalf("chunked symbols %v, whole %v", cs.Symbols(), ws.Symbols())
	}
	if cs.LastFrameProcessed() != ws.LastFrameProcessed() {
		t.Fatalf("chunked position %d, whole %d", cs.LastFrameProcessed(), ws.LastFrameProcessed())
	}
	if !slices.Equal(chunked.windowSums(), whole.windowSums()) {
		t.Fatalf("encoder saw different windows: %v vs %v", chunked.windowSums(), whole.windowSums())
	}
}

func TestProcessIsDeterministic(t *testing.T) {
	ctx := context.Background()
	f := newFakeEngine(threeFrameScript)
	d := newTestDecoder(t, f, Options{Mode: ModeGreedy})

	first, _, err := d.Process(ctx, nil, ramp(40))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, _, err := d.Process(ctx, nil, ramp(40))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Fatalf("fresh sessions disagree: %q vs %q", first, second)
	}
}

func TestFeatureHistoryGrowsMonotonically(t *testing.T) {
	ctx := context.Background()
	d := newTestDecoder(t, newFakeEngine(nil), Options{Mode: ModeGreedy})
	s, err := d.NewSession(ctx)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	total, last := 0, 0
	for _, n := range []int{4, 11, 16, 2, 30} {
		if _, s, err = d.Process(ctx, s, make([]float32, n)); err != nil {
			t.Fatalf("process: %v", err)
		}
		total += n
		if s.FeatureFrames() != total {
			t.Fatalf("expected %d frames, got %d", total, s.FeatureFrames())
		}
		if s.LastFrameProcessed() < last {
			t.Fatalf("position went backwards: %d -> %d", last, s.LastFrameProcessed())
		}
		if s.LastFrameProcessed() > s.FeatureFrames() {
			t.Fatalf("position %d beyond history %d", s.LastFrameProcessed(), s.FeatureFrames())
		}
		if s.LastFrameProcessed()+WindowSize <= s.FeatureFrames() {
			t.Fatalf("complete window left unconsumed at %d of %d", s.LastFrameProcessed(), s.FeatureFrames())
		}
		last = s.LastFrameProcessed()
	}
}

func TestEmptySamplesAreNoop(t *testing.T) {
	ctx := context.Background()
	f := newFakeEngine(threeFrameScript)
	d := newTestDecoder(t, f, Options{Mode: ModeGreedy})

	text, s, err := d.Process(ctx, nil, ramp(20))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	before := f.callCount(protocol.OpExtractFeatures)

	again, s2, err := d.Process(ctx, s, nil)
	if err != nil {
		t.Fatalf("empty process: %v", err)
	}
	if again != text || s2 != s {
		t.Fatalf("empty input changed result: %q vs %q", again, text)
	}
	if f.callCount(protocol.OpExtractFeatures) != before {
		t.Fatalf("empty input reached the engine")
	}
}

func TestSilenceProducesNoText(t *testing.T) {
	ctx := context.Background()
	d := newTestDecoder(t, newFakeEngine(nil), Options{Mode: ModeGreedy})

	text, s, err := d.Process(ctx, nil, make([]float32, 100))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty text, got %q", text)
	}
	if want := []int{0}; !slices.Equal(s.Symbols(), want) {
		t.Fatalf("unexpected symbols %v", s.Symbols())
	}
}

func TestShortInputDefersDecoding(t *testing.T) {
	ctx := context.Background()
	f := newFakeEngine(threeFrameScript)
	d := newTestDecoder(t, f, Options{Mode: ModeGreedy})

	text, s, err := d.Process(ctx, nil, ramp(WindowSize-1))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if text != "" || s.LastFrameProcessed() != 0 {
		t.Fatalf("unexpected state text=%q position=%d", text, s.LastFrameProcessed())
	}
	if f.callCount(protocol.OpEncodeAudio) != 0 {
		t.Fatalf("encoder ran on an incomplete window")
	}
}

func TestRunawayDecodeLeavesSessionUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFakeEngine(threeFrameScript)
	f.runawayStep = 1
	d := newTestDecoder(t, f, Options{Mode: ModeGreedy, MaxSymbolsPerFrame: 8})

	s, err := d.NewSession(ctx)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	_, s, err = d.Process(ctx, s, ramp(40))
	if !errors.Is(err, ErrRunawayDecode) {
		t.Fatalf("expected runaway error, got %v", err)
	}
	if s.FeatureFrames() != 0 || s.LastFrameProcessed() != 0 || s.Text() != "" {
		t.Fatalf("failed call mutated session: frames=%d position=%d text=%q",
			s.FeatureFrames(), s.LastFrameProcessed(), s.Text())
	}
	if want := []int{0}; !slices.Equal(s.Symbols(), want) {
		t.Fatalf("failed call mutated symbols: %v", s.Symbols())
	}

	f.runawayStep = noRunawayFrame
	text, _, err := d.Process(ctx, s, ramp(40))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if text != "a b c d" {
		t.Fatalf("unexpected retry text %q", text)
	}
}

func TestInferenceFailureLeavesSessionUnchanged(t *testing.T) {
	ctx := context.Background()
	samples := ramp(40)

	ref := newTestDecoder(t, newFakeEngine(threeFrameScript), Options{Mode: ModeGreedy})
	wantText, want, err := ref.Process(ctx, nil, samples)
	if err != nil {
		t.Fatalf("reference: %v", err)
	}

	f := newFakeEngine(threeFrameScript)
	d := newTestDecoder(t, f, Options{Mode: ModeGreedy})
	text, s, err := d.Process(ctx, nil, samples[:20])
	if err != nil {
		t.Fatalf("first half: %v", err)
	}
	if text != "a" || s.LastFrameProcessed() != 6 {
		t.Fatalf("unexpected first half text=%q position=%d", text, s.LastFrameProcessed())
	}

	f.setFailure(protocol.OpJoint)
	got, s, err := d.Process(ctx, s, samples[20:])
	var inferr *InferenceError
	if !errors.As(err, &inferr) || inferr.Op != protocol.OpJoint {
		t.Fatalf("expected joint inference error, got %v", err)
	}
	if got != "a" || s.Text() != "a" || s.FeatureFrames() != 20 || s.LastFrameProcessed() != 6 {
		t.Fatalf("failed call mutated session: text=%q frames=%d position=%d",
			s.Text(), s.FeatureFrames(), s.LastFrameProcessed())
	}

	f.setFailure("")
	text, s, err = d.Process(ctx, s, samples[20:])
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if text != wantText || !slices.Equal(s.Symbols(), want.Symbols()) {
		t.Fatalf("retry diverged: %q %v, want %q %v", text, s.Symbols(), wantText, want.Symbols())
	}
}

func TestShapeMismatchIsReported(t *testing.T) {
	f := newFakeEngine(nil)
	f.badState = true
	d := newTestDecoder(t, f, Options{Mode: ModeGreedy})

	_, s, err := d.Process(context.Background(), nil, ramp(20))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
	if s.LastFrameProcessed() != 0 {
		t.Fatalf("failed call advanced the session")
	}
}

func TestConcurrentProcessIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFakeEngine(threeFrameScript)
	d := newTestDecoder(t, f, Options{Mode: ModeGreedy})
	s, err := d.NewSession(ctx)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	f.block = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, _, err := d.Process(ctx, s, ramp(20))
		done <- err
	}()
	<-f.entered

	if _, _, err := d.Process(ctx, s, ramp(5)); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if err := d.Reset(ctx, s); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected busy error from reset, got %v", err)
	}
	close(f.block)
	if err := <-done; err != nil {
		t.Fatalf("in-flight process: %v", err)
	}
	if s.Text() != "a" {
		t.Fatalf("unexpected text after in-flight call %q", s.Text())
	}
}

func TestResetClearsHistory(t *testing.T) {
	ctx := context.Background()
	d := newTestDecoder(t, newFakeEngine(threeFrameScript), Options{Mode: ModeGreedy})

	_, s, err := d.Process(ctx, nil, ramp(40))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := d.Reset(ctx, s); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.FeatureFrames() != 0 || s.LastFrameProcessed() != 0 || s.Text() != "" {
		t.Fatalf("reset left history behind")
	}
	text, _, err := d.Process(ctx, s, ramp(40))
	if err != nil {
		t.Fatalf("process after reset: %v", err)
	}
	if text != "a b c d" {
		t.Fatalf("unexpected text after reset %q", text)
	}
}

func TestSessionFromOtherModeIsRejected(t *testing.T) {
	ctx := context.Background()
	greedy := newTestDecoder(t, newFakeEngine(nil), Options{Mode: ModeGreedy})
	beam := newTestDecoder(t, newFakeEngine(nil), Options{Mode: ModeBeam, BeamWidth: 2})

	s, err := greedy.NewSession(ctx)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := beam.Process(ctx, s, ramp(20)); !errors.Is(err, ErrModeMismatch) {
		t.Fatalf("expected mode mismatch, got %v", err)
	}
}

func TestWarmUp(t *testing.T) {
	f := newFakeEngine(nil)
	d := newTestDecoder(t, f, Options{Mode: ModeGreedy})
	if err := d.WarmUp(context.Background()); err != nil {
		t.Fatalf("warm up: %v", err)
	}
	if f.callCount(protocol.OpEncodeAudio) == 0 {
		t.Fatalf("warm up did not exercise the audio encoder")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(newFakeEngine(nil), nil, testHparams, Options{}); err == nil {
		t.Fatalf("expected error without codec")
	}
	d := newTestDecoder(t, newFakeEngine(nil), Options{Mode: ModeBeam})
	if d.beamWidth != DefaultBeamWidth {
		t.Fatalf("expected default beam width, got %d", d.beamWidth)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig(config.DecoderConfig{Mode: "beam", BeamWidth: 4, MaxSymbolsPerFrame: 32})
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Mode != ModeBeam || opts.BeamWidth != 4 || opts.MaxSymbolsPerFrame != 32 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := OptionsFromConfig(config.DecoderConfig{Mode: "viterbi", MaxSymbolsPerFrame: 1}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
