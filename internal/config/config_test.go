package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Decoder.Mode != "greedy" || cfg.Decoder.BeamWidth != 10 {
		t.Fatalf("unexpected decoder defaults %+v", cfg.Decoder)
	}
	if cfg.STT.BufferChunkSize != 4096 {
		t.Fatalf("expected default chunk size 4096, got %d", cfg.STT.BufferChunkSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_RESOURCES_DIR", "/opt/models")
	t.Setenv("LOQA_MODEL_NAME", "en_8k")
	t.Setenv("LOQA_ENGINE_MODE", "nats")
	t.Setenv("LOQA_DECODER_MODE", "beam")
	t.Setenv("LOQA_DECODER_BEAM_WIDTH", "4")
	t.Setenv("LOQA_STT_BUFFER_CHUNK_SIZE", "2048")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.Model.ResourcesDir != "/opt/models" || cfg.Model.Name != "en_8k" {
		t.Fatalf("expected model overrides, got %+v", cfg.Model)
	}
	if cfg.Engine.Mode != "nats" {
		t.Fatalf("expected engine mode override")
	}
	if cfg.Decoder.Mode != "beam" || cfg.Decoder.BeamWidth != 4 {
		t.Fatalf("expected decoder overrides, got %+v", cfg.Decoder)
	}
	if cfg.STT.BufferChunkSize != 2048 {
		t.Fatalf("expected chunk size override")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := []byte("decoder:\n  mode: beam\n  beam_width: 3\nengine:\n  mode: exec\n  command: ./infer --model x\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Decoder.BeamWidth != 3 || cfg.Engine.Command != "./infer --model x" {
		t.Fatalf("unexpected config %+v %+v", cfg.Decoder, cfg.Engine)
	}
	if cfg.Decoder.MaxSymbolsPerFrame != 256 {
		t.Fatalf("expected defaults preserved for unset keys")
	}
}

func TestValidateRejectsBadDecoder(t *testing.T) {
	t.Setenv("LOQA_DECODER_MODE", "viterbi")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for unknown decoder mode")
	}
}

func TestValidateRequiresExecCommand(t *testing.T) {
	t.Setenv("LOQA_ENGINE_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error when exec command missing")
	}
}

func TestValidateRejectsServingNATSEngine(t *testing.T) {
	t.Setenv("LOQA_ENGINE_MODE", "nats")
	t.Setenv("LOQA_ENGINE_SERVE", "true")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error when re-exporting a nats engine")
	}
}

func TestNodeOverridesAndHeartbeatValidation(t *testing.T) {
	t.Setenv("LOQA_NODE_ID", "den-pi")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1000")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.ID != "den-pi" || cfg.Node.HeartbeatInterval != 1000 {
		t.Fatalf("expected node overrides, got %+v", cfg.Node)
	}

	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "500")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error when heartbeat timeout is shorter than the interval")
	}
}
