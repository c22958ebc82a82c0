package transducer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-stream/internal/codec"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/engine"
	"github.com/loqalabs/loqa-stream/internal/model"
	"github.com/loqalabs/loqa-stream/internal/tensor"
)

const (
	DefaultBeamWidth          = 10
	DefaultMaxSymbolsPerFrame = 256
	// WarmUpSamples is the length of the silent buffer pushed through a
	// throwaway session by WarmUp.
	WarmUpSamples = 4096
)

type Options struct {
	Mode               Mode
	BeamWidth          int
	MaxSymbolsPerFrame int
	Logger             *slog.Logger
}

func OptionsFromConfig(cfg config.DecoderConfig) (Options, error) {
	if err := config.ValidateDecoder(cfg); err != nil {
		return Options{}, err
	}
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Mode:               mode,
		BeamWidth:          cfg.BeamWidth,
		MaxSymbolsPerFrame: cfg.MaxSymbolsPerFrame,
	}, nil
}

// Decoder turns audio into text with a streaming transducer. It holds only
// read-only model parts and may be shared by any number of sessions.
type Decoder struct {
	engine     engine.Engine
	codec      codec.Codec
	hp         model.Hyperparameters
	mode       Mode
	beamWidth  int
	maxSymbols int
	log        *slog.Logger
	metrics    *metrics
}

func New(e engine.Engine, c codec.Codec, hp model.Hyperparameters, opts Options) (*Decoder, error) {
	if e == nil {
		return nil, errors.New("transducer: engine is required")
	}
	if c == nil {
		return nil, errors.New("transducer: codec is required")
	}
	if err := hp.Validate(); err != nil {
		return nil, fmt.Errorf("transducer: %w", err)
	}
	if opts.BeamWidth == 0 {
		opts.BeamWidth = DefaultBeamWidth
	}
	if opts.MaxSymbolsPerFrame == 0 {
		opts.MaxSymbolsPerFrame = DefaultMaxSymbolsPerFrame
	}
	if opts.BeamWidth < 1 {
		return nil, fmt.Errorf("transducer: beam width %d must be >= 1", opts.BeamWidth)
	}
	if opts.MaxSymbolsPerFrame < 1 {
		return nil, fmt.Errorf("transducer: max symbols per frame %d must be >= 1", opts.MaxSymbolsPerFrame)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		engine:     e,
		codec:      c,
		hp:         hp,
		mode:       opts.Mode,
		beamWidth:  opts.BeamWidth,
		maxSymbols: opts.MaxSymbolsPerFrame,
		log:        log.With(slog.String("component", "transducer"), slog.String("mode", opts.Mode.String())),
		metrics:    newMetrics(opts.Mode),
	}, nil
}

func (d *Decoder) Mode() Mode { return d.mode }

// NewSession returns a session with empty history. Greedy sessions are primed
// by running the text encoder on the null symbol, so this may call the engine.
func (d *Decoder) NewSession(ctx context.Context) (*Session, error) {
	st, err := d.initialState(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{mode: d.mode, st: st}, nil
}

func (d *Decoder) initialState(ctx context.Context) (sessionState, error) {
	zeroText := tensor.Zeros(d.hp.TextStateShape()...)
	switch d.mode {
	case ModeGreedy:
		out, state, err := d.encodeSymbol(ctx, d.hp.NullID, zeroText)
		if err != nil {
			return sessionState{}, fmt.Errorf("prime greedy session: %w", err)
		}
		return sessionState{greedy: &greedyState{
			symbols:   []int{d.hp.NullID},
			textOut:   out,
			textState: state,
		}}, nil
	case ModeBeam:
		return sessionState{beam: &beamState{
			candidates: []BeamCandidate{seedCandidate(d.hp.NullID, zeroText)},
		}}, nil
	default:
		return sessionState{}, fmt.Errorf("unknown decoder mode %v", d.mode)
	}
}

// Reset discards all history of s. It fails with ErrSessionBusy while a
// Process call is running on s.
func (d *Decoder) Reset(ctx context.Context, s *Session) error {
	if s.mode != d.mode {
		return ErrModeMismatch
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrSessionBusy
	}
	defer s.busy.Store(false)
	st, err := d.initialState(ctx)
	if err != nil {
		return err
	}
	s.st = st
	return nil
}

// Process appends samples to the session's audio, consumes every complete
// encoder window and returns the transcript of everything heard so far. A nil
// session starts a new one.
//
// On error the session is left exactly as it was before the call, so the
// caller may retry with the same samples. Empty samples change nothing and
// return the previous transcript.
func (d *Decoder) Process(ctx context.Context, s *Session, samples []float32) (string, *Session, error) {
	if s == nil {
		var err error
		if s, err = d.NewSession(ctx); err != nil {
			return "", nil, err
		}
	}
	if s.mode != d.mode {
		return "", s, ErrModeMismatch
	}
	if !s.busy.CompareAndSwap(false, true) {
		return "", s, ErrSessionBusy
	}
	defer s.busy.Store(false)

	if len(samples) == 0 {
		return s.st.text, s, nil
	}

	start := time.Now()
	work := s.st.clone()
	windows, symbols, err := d.run(ctx, &work, samples)
	if err == nil {
		work.text, err = d.transcript(work)
	}
	d.metrics.recordProcess(ctx, start, windows, symbols, err)
	if err != nil {
		return s.st.text, s, err
	}
	s.st = work
	return work.text, s, nil
}

func (d *Decoder) run(ctx context.Context, st *sessionState, samples []float32) (windows, symbols int, err error) {
	feats, delta, err := d.extend(ctx, st.features, samples)
	if err != nil {
		return 0, 0, err
	}
	st.features = feats

	for st.lastFrame+WindowSize <= delta.Frames() {
		if err := ctx.Err(); err != nil {
			return windows, symbols, err
		}
		frame, next, err := d.encodeWindow(ctx, delta, st.lastFrame, st.audioState)
		if err != nil {
			return windows, symbols, err
		}
		switch {
		case st.greedy != nil:
			n, err := d.greedyFrame(ctx, st.greedy, frame)
			if err != nil {
				return windows, symbols, err
			}
			symbols += n
		case st.beam != nil:
			survivors, err := d.beamFrame(ctx, st.beam.candidates, frame)
			if err != nil {
				return windows, symbols, err
			}
			st.beam.candidates = survivors
		}
		st.audioState = next
		st.lastFrame += StepSize
		windows++
	}
	return windows, symbols, nil
}

func (d *Decoder) transcript(st sessionState) (string, error) {
	var symbols []int
	switch {
	case st.greedy != nil:
		symbols = st.greedy.symbols
	case st.beam != nil:
		best, ok := bestNormalized(st.beam.candidates)
		if !ok {
			return "", nil
		}
		symbols = best.symbols
	}
	if len(symbols) <= 1 {
		return "", nil
	}
	text, err := d.codec.Decode(symbols[1:])
	if err != nil {
		return "", fmt.Errorf("decode symbols: %w", err)
	}
	return text, nil
}

// WarmUp pushes a short silent buffer through a throwaway session so the
// first real request does not pay the backend's first-call cost.
func (d *Decoder) WarmUp(ctx context.Context) error {
	start := time.Now()
	if _, _, err := d.Process(ctx, nil, make([]float32, WarmUpSamples)); err != nil {
		return fmt.Errorf("warm up decoder: %w", err)
	}
	d.log.Info("decoder warmed up", slog.Duration("elapsed", time.Since(start)))
	return nil
}
