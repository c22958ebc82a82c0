package transducer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-stream/internal/tensor"
)

// greedyFrame emits symbols for one audio frame until the joint network
// prefers null or end of sequence. It mutates g, which is always a working
// copy owned by the caller.
func (d *Decoder) greedyFrame(ctx context.Context, g *greedyState, frame tensor.Tensor) (int, error) {
	emitted := 0
	for {
		logProbs, err := d.joint(ctx, frame, g.textOut)
		if err != nil {
			return emitted, err
		}
		symbol := logProbs.ArgMax()
		if symbol == d.hp.NullID || symbol == d.hp.EOSID {
			return emitted, nil
		}
		if emitted >= d.maxSymbols {
			d.metrics.recordRunaway(ctx)
			d.log.Error("runaway decode",
				slog.Int("symbols", emitted),
				slog.Int("limit", d.maxSymbols),
				slog.Int("last_symbol", symbol))
			return emitted, fmt.Errorf("%w: more than %d symbols on one frame", ErrRunawayDecode, d.maxSymbols)
		}
		out, state, err := d.encodeSymbol(ctx, symbol, g.textState)
		if err != nil {
			return emitted, err
		}
		g.symbols = append(g.symbols, symbol)
		g.textOut, g.textState = out, state
		emitted++
	}
}
