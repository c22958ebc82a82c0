package transducer

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/loqalabs/loqa-stream/internal/tensor"
)

// Mode selects the search strategy of a session. It is fixed at creation.
type Mode int

const (
	ModeGreedy Mode = iota
	ModeBeam
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "greedy":
		return ModeGreedy, nil
	case "beam":
		return ModeBeam, nil
	default:
		return 0, fmt.Errorf("unknown decoder mode %q", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeGreedy:
		return "greedy"
	case ModeBeam:
		return "beam"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Session carries every piece of recurrent state that must survive between
// Process calls on one audio stream. A session must not be shared between
// concurrent Process calls; accessors must not be used while one is running.
type Session struct {
	mode Mode
	busy atomic.Bool
	st   sessionState
}

// sessionState is the committed state. Process works on a copy and swaps it
// in only when the whole call succeeds.
type sessionState struct {
	features   tensor.Tensor
	lastFrame  int
	audioState tensor.Tensor
	text       string

	// exactly one of these is set, according to mode
	greedy *greedyState
	beam   *beamState
}

type greedyState struct {
	symbols   []int
	textOut   tensor.Tensor
	textState tensor.Tensor
}

type beamState struct {
	candidates []BeamCandidate
}

func (st sessionState) clone() sessionState {
	out := st
	if st.greedy != nil {
		g := *st.greedy
		g.symbols = slices.Clone(st.greedy.symbols)
		out.greedy = &g
	}
	if st.beam != nil {
		out.beam = &beamState{candidates: slices.Clone(st.beam.candidates)}
	}
	return out
}

func (s *Session) Mode() Mode { return s.mode }

// FeatureFrames is the length of the accumulated feature history.
func (s *Session) FeatureFrames() int { return s.st.features.Frames() }

// LastFrameProcessed is the start of the next unconsumed window.
func (s *Session) LastFrameProcessed() int { return s.st.lastFrame }

// Text is the transcript produced by the last successful Process call.
func (s *Session) Text() string { return s.st.text }

// Symbols returns the emitted symbol ids of a greedy session, including the
// leading null id. It returns nil for beam sessions.
func (s *Session) Symbols() []int {
	if s.st.greedy == nil {
		return nil
	}
	return slices.Clone(s.st.greedy.symbols)
}

// Candidates returns the surviving hypotheses of a beam session.
func (s *Session) Candidates() []BeamCandidate {
	if s.st.beam == nil {
		return nil
	}
	return slices.Clone(s.st.beam.candidates)
}

// BeamCandidate is one hypothesis of the beam search. Candidates are values:
// extending one produces a new candidate with its own symbol slice and its
// own copy of the text encoder state.
type BeamCandidate struct {
	symbols   []int
	textState tensor.Tensor
	logProb   float64
}

func seedCandidate(nullID int, state tensor.Tensor) BeamCandidate {
	return BeamCandidate{symbols: []int{nullID}, textState: state}
}

// Symbols returns the predicted ids, starting with the null id.
func (c BeamCandidate) Symbols() []int { return slices.Clone(c.symbols) }

func (c BeamCandidate) LogProbability() float64 { return c.logProb }

// NormalizedScore is the log probability divided by the sequence length.
func (c BeamCandidate) NormalizedScore() float64 {
	return c.logProb / float64(len(c.symbols))
}

func (c BeamCandidate) last() int { return c.symbols[len(c.symbols)-1] }

func (c BeamCandidate) extend(symbol int, logProb float64, state tensor.Tensor) BeamCandidate {
	symbols := make([]int, len(c.symbols)+1)
	copy(symbols, c.symbols)
	symbols[len(c.symbols)] = symbol
	return BeamCandidate{
		symbols:   symbols,
		textState: state.Clone(),
		logProb:   c.logProb + logProb,
	}
}

// terminate keeps the hypothesis as is, scored for stopping on this frame.
func (c BeamCandidate) terminate(logProb float64) BeamCandidate {
	c.logProb += logProb
	return c
}
