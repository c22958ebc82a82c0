package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/model"
	"github.com/nats-io/nats.go"
)

// DefaultWasmModule is looked up inside the model bundle when
// engine.module_path is unset.
const DefaultWasmModule = "engine.wasm"

// FromConfig builds the configured backend, wrapped with instrumentation.
// conn is only required for mode=nats.
func FromConfig(ctx context.Context, cfg config.EngineConfig, bundle model.Bundle, conn *nats.Conn, log *slog.Logger) (Engine, error) {
	log = log.With(slog.String("component", "engine"), slog.String("mode", cfg.Mode))
	var (
		e   Engine
		err error
	)
	switch cfg.Mode {
	case "mock":
		e, err = NewMockEngine(bundle.Hyperparameters, cfg.VocabSize)
	case "exec":
		e, err = NewExecEngine(cfg.Command, log)
	case "nats":
		e, err = NewNATSEngine(conn, cfg.SubjectPrefix, time.Duration(cfg.RequestTimeoutMS)*time.Millisecond)
	case "wasm":
		path := cfg.ModulePath
		if path == "" {
			path = bundle.Path(DefaultWasmModule)
		}
		e, err = NewWasmEngine(ctx, path, log)
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(e, cfg.Mode, cfg.Trace), nil
}
