package codec

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

const wordBoundary = "▁"

type pieceTable struct {
	pieces []string
}

// LoadPieceTable reads a plain vocabulary listing, one piece per line, in id
// order. Only the first tab-separated column is used, so sentencepiece
// .vocab exports load unchanged.
func LoadPieceTable(path string) (Codec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer f.Close()

	var pieces []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		piece, _, _ := strings.Cut(scanner.Text(), "\t")
		pieces = append(pieces, piece)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	if len(pieces) == 0 {
		return nil, fmt.Errorf("vocabulary %s is empty", path)
	}
	return NewPieceTable(pieces), nil
}

// NewPieceTable builds a codec from an in-memory piece list.
func NewPieceTable(pieces []string) Codec {
	return &pieceTable{pieces: append([]string(nil), pieces...)}
}

func (p *pieceTable) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(p.pieces) {
			return "", fmt.Errorf("symbol id %d outside vocabulary of %d", id, len(p.pieces))
		}
		b.WriteString(p.pieces[id])
	}
	text := strings.ReplaceAll(b.String(), wordBoundary, " ")
	return strings.TrimSpace(text), nil
}
