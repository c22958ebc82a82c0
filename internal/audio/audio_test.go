package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestPCM16RoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1, -1}
	out, err := PCM16ToFloat32(Float32ToPCM16(in), 1)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1.0/pcmScale {
			t.Fatalf("sample %d: got %v want %v", i, out[i], in[i])
		}
	}
}

func TestPCM16ScalesByMaxInt16(t *testing.T) {
	out, err := PCM16ToFloat32([]byte{0xff, 0x7f}, 1)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out[0] != 1 {
		t.Fatalf("expected full scale 1, got %v", out[0])
	}
}

func TestPCM16DownmixesChannels(t *testing.T) {
	stereo := append(Float32ToPCM16([]float32{1}), Float32ToPCM16([]float32{0})...)
	out, err := PCM16ToFloat32(stereo, 2)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != 1 || math.Abs(float64(out[0])-0.5) > 1e-4 {
		t.Fatalf("unexpected downmix %v", out)
	}
}

func TestPCM16RejectsOddPayload(t *testing.T) {
	if _, err := PCM16ToFloat32([]byte{1, 2, 3}, 1); err == nil {
		t.Fatalf("expected error for misaligned payload")
	}
}

func TestChunks(t *testing.T) {
	chunks := Chunks(make([]float32, 10), 4)
	if len(chunks) != 3 || len(chunks[2]) != 2 {
		t.Fatalf("unexpected chunking %d", len(chunks))
	}
	if Chunks(nil, 4) != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) / 10))
	}
	if err := WriteWAV(f, samples, 16000); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	clip, err := LoadWAV(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if clip.SampleRate != 16000 || len(clip.Samples) != len(samples) {
		t.Fatalf("unexpected clip rate=%d len=%d", clip.SampleRate, len(clip.Samples))
	}
	if d := clip.Duration(); math.Abs(d-0.1) > 1e-9 {
		t.Fatalf("unexpected duration %v", d)
	}
	for i := range samples {
		if math.Abs(float64(clip.Samples[i]-samples[i])) > 2.0/pcmScale {
			t.Fatalf("sample %d: got %v want %v", i, clip.Samples[i], samples[i])
		}
	}
}

func TestLoadWAVRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(path, []byte("not audio at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWAV(path); err == nil {
		t.Fatalf("expected error for invalid wav")
	}
}
