package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stream/internal/audio"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/transducer"
	"golang.org/x/sync/errgroup"
)

var version = "0.1.0-dev"

type options struct {
	configPath string
	model      string
	resources  string
	mode       string
	beamWidth  int
	chunk      int
	parallel   int
	partials   bool
	verbose    bool
}

func main() {
	var opts options
	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runCmd.StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults when empty)")
	runCmd.StringVar(&opts.model, "model", "", "Model name, overrides model.name")
	runCmd.StringVar(&opts.resources, "resources", "", "Resources directory, overrides model.resources_dir")
	runCmd.StringVar(&opts.mode, "mode", "", "Decoder mode: greedy or beam")
	runCmd.IntVar(&opts.beamWidth, "beam", 0, "Beam width for beam mode")
	runCmd.IntVar(&opts.chunk, "chunk", 0, "Samples per Process call, overrides stt.buffer_chunk_size")
	runCmd.IntVar(&opts.parallel, "parallel", 2, "Files decoded concurrently")
	runCmd.BoolVar(&opts.partials, "partials", false, "Print every changed partial transcript")
	runCmd.BoolVar(&opts.verbose, "v", false, "Log to stderr")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'run' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd.Parse(os.Args[2:])
		if runCmd.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "usage: loqa-transcribe run [flags] file.wav...")
			os.Exit(2)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := run(ctx, opts, runCmd.Args(), os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if opts.model != "" {
		cfg.Model.Name = opts.model
	}
	if opts.resources != "" {
		cfg.Model.ResourcesDir = opts.resources
	}
	if opts.mode != "" {
		cfg.Decoder.Mode = opts.mode
	}
	if opts.beamWidth > 0 {
		cfg.Decoder.BeamWidth = opts.beamWidth
	}
	if opts.chunk > 0 {
		cfg.STT.BufferChunkSize = opts.chunk
	}
	if err := config.ValidateDecoder(cfg.Decoder); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func run(ctx context.Context, opts options, files []string, out io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	var logOut io.Writer = io.Discard
	if opts.verbose {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(logOut, nil))

	stack, err := transducer.FromConfig(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.parallel, 1))
	for _, path := range files {
		g.Go(func() error {
			text, err := transcribe(ctx, stack.Decoder, path, cfg.STT.SampleRate, cfg.STT.BufferChunkSize, logger, func(partial string) {
				if opts.partials {
					printf("%s\t~ %s\n", path, partial)
				}
			})
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			printf("%s\t%s\n", path, text)
			return nil
		})
	}
	return g.Wait()
}

// transcribe feeds a WAV file through one session in fixed size chunks and
// returns the final text.
func transcribe(ctx context.Context, dec *transducer.Decoder, path string, sampleRate, chunk int, logger *slog.Logger, onPartial func(string)) (string, error) {
	clip, err := audio.LoadWAV(path)
	if err != nil {
		return "", err
	}
	if clip.SampleRate != sampleRate {
		return "", fmt.Errorf("sample rate %d Hz, model expects %d Hz", clip.SampleRate, sampleRate)
	}
	id := uuid.NewString()
	logger.Debug("transcribing",
		slog.String("session_id", id),
		slog.String("path", path),
		slog.Int("sample_rate", clip.SampleRate),
		slog.Float64("seconds", clip.Duration()))

	session, err := dec.NewSession(ctx)
	if err != nil {
		return "", err
	}
	var text string
	for _, samples := range audio.Chunks(clip.Samples, chunk) {
		next, updated, err := dec.Process(ctx, session, samples)
		if err != nil {
			return "", err
		}
		session = updated
		if next != text && next != "" {
			onPartial(next)
		}
		text = next
	}
	logger.Debug("transcribed",
		slog.String("session_id", id),
		slog.Int("frames", session.FeatureFrames()))
	return text, nil
}
