package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-stream/internal/audio"
)

func writeFixture(t *testing.T) (cfgPath string, wavs []string) {
	t.Helper()
	base := t.TempDir()
	modelDir := filepath.Join(base, "models", "tiny")
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		t.Fatal(err)
	}
	hparams := `{"audio_encoder_layers":1,"audio_encoder_units":4,"text_encoder_layers":1,"text_encoder_units":4,"vocab_null_id":0,"vocab_eos_id":1}`
	if err := os.WriteFile(filepath.Join(modelDir, "hparams.json"), []byte(hparams), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(modelDir, "bpe.vocab"), []byte("<blank>\n</s>\n▁on\n▁off\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := `
model:
  name: tiny
  resources_dir: ` + filepath.Join(base, "models") + `
  vocabulary: pieces
engine:
  mode: mock
  vocab_size: 4
decoder:
  mode: greedy
  max_symbols_per_frame: 16
  warm_up: false
event_store:
  path: ` + filepath.Join(base, "unused.db") + `
`
	cfgPath = filepath.Join(base, "loqa.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"kitchen.wav", "hall.wav"} {
		path := filepath.Join(base, name)
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		samples := make([]float32, 16000)
		for i := range samples {
			samples[i] = float32(i%200)/200 - 0.5
		}
		if err := audio.WriteWAV(f, samples, 16000); err != nil {
			t.Fatalf("write wav: %v", err)
		}
		f.Close()
		wavs = append(wavs, path)
	}
	return cfgPath, wavs
}

func TestRunPrintsOneFinalLinePerFile(t *testing.T) {
	cfgPath, wavs := writeFixture(t)
	var out bytes.Buffer
	opts := options{configPath: cfgPath, chunk: 4096, parallel: 2}
	if err := run(context.Background(), opts, wavs, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, path := range wavs {
		n := strings.Count(out.String(), path+"\t")
		if n != 1 {
			t.Fatalf("expected one line for %s, got %d in %q", path, n, out.String())
		}
	}
}

func TestRunFlagOverridesAreValidated(t *testing.T) {
	cfgPath, wavs := writeFixture(t)
	opts := options{configPath: cfgPath, mode: "viterbi"}
	if err := run(context.Background(), opts, wavs, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected invalid decoder mode to fail")
	}
}

func TestRunMissingFile(t *testing.T) {
	cfgPath, _ := writeFixture(t)
	opts := options{configPath: cfgPath}
	err := run(context.Background(), opts, []string{filepath.Join(t.TempDir(), "absent.wav")}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "absent.wav") {
		t.Fatalf("expected error naming the file, got %v", err)
	}
}

func TestRunRejectsUnexpectedSampleRate(t *testing.T) {
	cfgPath, _ := writeFixture(t)
	path := filepath.Join(t.TempDir(), "cd.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := audio.WriteWAV(f, make([]float32, 44100), 44100); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	f.Close()

	err = run(context.Background(), options{configPath: cfgPath}, []string{path}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "44100") {
		t.Fatalf("expected sample rate error, got %v", err)
	}
}
