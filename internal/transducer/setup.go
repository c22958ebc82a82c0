package transducer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-stream/internal/codec"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/engine"
	"github.com/loqalabs/loqa-stream/internal/model"
	"github.com/nats-io/nats.go"
)

// Stack is a configured decoder together with the engine it owns.
type Stack struct {
	Decoder *Decoder
	Engine  engine.Engine
	Bundle  model.Bundle
}

func (s *Stack) Close() error {
	if s == nil || s.Engine == nil {
		return nil
	}
	return s.Engine.Close()
}

// FromConfig loads the model bundle and vocabulary, starts the engine
// backend and builds a decoder. conn is only used by the nats engine.
func FromConfig(ctx context.Context, cfg config.Config, conn *nats.Conn, log *slog.Logger) (*Stack, error) {
	bundle, err := model.Load(cfg.Model.ResourcesDir, cfg.Model.Name)
	if err != nil {
		return nil, err
	}
	vocab, err := codec.ForBundle(cfg.Model.Vocabulary, bundle)
	if err != nil {
		return nil, err
	}
	opts, err := OptionsFromConfig(cfg.Decoder)
	if err != nil {
		return nil, err
	}
	opts.Logger = log

	eng, err := engine.FromConfig(ctx, cfg.Engine, bundle, conn, log)
	if err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}
	dec, err := New(eng, vocab, bundle.Hyperparameters, opts)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	if cfg.Decoder.WarmUp {
		if err := dec.WarmUp(ctx); err != nil {
			_ = eng.Close()
			return nil, err
		}
	}
	log.Info("decoder ready",
		slog.String("model", bundle.Name),
		slog.String("engine", cfg.Engine.Mode),
		slog.String("decoder_mode", opts.Mode.String()))
	return &Stack{Decoder: dec, Engine: eng, Bundle: bundle}, nil
}
