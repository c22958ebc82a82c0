package codec

import (
	"fmt"

	"github.com/eliben/go-sentencepiece"
	"github.com/loqalabs/loqa-stream/internal/model"
)

// Codec turns symbol ids emitted by the decoder into text.
type Codec interface {
	Decode(ids []int) (string, error)
}

type sentencePiece struct {
	proc *sentencepiece.Processor
}

// LoadSentencePiece loads a sentencepiece model (bpe.model).
func LoadSentencePiece(path string) (Codec, error) {
	proc, err := sentencepiece.NewProcessorFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("load sentencepiece model: %w", err)
	}
	return &sentencePiece{proc: proc}, nil
}

func (s *sentencePiece) Decode(ids []int) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	return s.proc.Decode(ids), nil
}

// PieceTableFile is the plain vocabulary listing looked up for kind "pieces".
const PieceTableFile = "bpe.vocab"

// ForBundle loads the vocabulary shipped in a model bundle. kind is
// sentencepiece or pieces.
func ForBundle(kind string, b model.Bundle) (Codec, error) {
	switch kind {
	case "", "sentencepiece":
		return LoadSentencePiece(b.VocabularyPath())
	case "pieces":
		return LoadPieceTable(b.Path(PieceTableFile))
	default:
		return nil, fmt.Errorf("unknown vocabulary kind %q", kind)
	}
}
