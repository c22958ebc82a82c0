package transducer

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"slices"

	"github.com/loqalabs/loqa-stream/internal/tensor"
)

// pruneLogProb drops extensions whose probability is at most 1e-3.
var pruneLogProb = math.Log(1e-3)

// beamFrame advances every candidate by one audio frame and returns at most
// beamWidth survivors ordered by log probability, best first.
func (d *Decoder) beamFrame(ctx context.Context, candidates []BeamCandidate, frame tensor.Tensor) ([]BeamCandidate, error) {
	width := d.beamWidth
	prefix := slices.Clone(candidates)
	finished := make([]BeamCandidate, 0, width+1)
	loops := 0

	for len(prefix) > 0 {
		loops++
		i := bestIndex(prefix)
		y := prefix[i]
		prefix = slices.Delete(prefix, i, i+1)

		textOut, textState, err := d.encodeSymbol(ctx, y.last(), y.textState)
		if err != nil {
			return nil, err
		}
		logProbs, err := d.joint(ctx, frame, textOut)
		if err != nil {
			return nil, err
		}

		finished = append(finished, y.terminate(float64(logProbs.Data[d.hp.NullID])))
		for k, lp := range logProbs.Data {
			if k == d.hp.NullID {
				continue
			}
			if float64(lp) > pruneLogProb {
				prefix = append(prefix, y.extend(k, float64(lp), textState))
			}
		}

		if len(finished) >= width && bestScore(prefix) <= kthScore(finished, width) {
			break
		}
		if loops > width {
			d.log.Debug("beam expansion cap reached",
				slog.Int("loops", loops),
				slog.Int("open", len(prefix)),
				slog.Int("finished", len(finished)))
			break
		}
	}
	d.metrics.recordBeamLoops(ctx, loops)

	slices.SortStableFunc(finished, func(a, b BeamCandidate) int {
		return cmp.Compare(b.logProb, a.logProb)
	})
	if len(finished) > width {
		finished = finished[:width]
	}
	return finished, nil
}

// bestIndex picks the highest log probability; the earliest wins ties.
func bestIndex(cs []BeamCandidate) int {
	best := 0
	for i := range cs {
		if cs[i].logProb > cs[best].logProb {
			best = i
		}
	}
	return best
}

func bestScore(cs []BeamCandidate) float64 {
	if len(cs) == 0 {
		return math.Inf(-1)
	}
	return cs[bestIndex(cs)].logProb
}

// kthScore is the k-th highest log probability in cs. len(cs) must be >= k.
func kthScore(cs []BeamCandidate, k int) float64 {
	scores := make([]float64, len(cs))
	for i, c := range cs {
		scores[i] = c.logProb
	}
	slices.SortFunc(scores, func(a, b float64) int { return cmp.Compare(b, a) })
	return scores[k-1]
}

// bestNormalized selects the candidate whose text is reported.
func bestNormalized(cs []BeamCandidate) (BeamCandidate, bool) {
	if len(cs) == 0 {
		return BeamCandidate{}, false
	}
	best := cs[0]
	for _, c := range cs[1:] {
		if c.NormalizedScore() > best.NormalizedScore() {
			best = c
		}
	}
	return best, true
}
