package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Model       ModelConfig      `yaml:"model"`
	Engine      EngineConfig     `yaml:"engine"`
	Decoder     DecoderConfig    `yaml:"decoder"`
	STT         STTConfig        `yaml:"stt"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"` // advertised in addition to the derived ones
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ModelConfig locates a model bundle at <resources_dir>/<name>.
type ModelConfig struct {
	Name         string `yaml:"name"`
	ResourcesDir string `yaml:"resources_dir"`
	Vocabulary   string `yaml:"vocabulary"` // sentencepiece | pieces
}

type EngineConfig struct {
	Mode             string `yaml:"mode"` // mock, exec, nats, wasm
	Command          string `yaml:"command"`
	ModulePath       string `yaml:"module_path"`
	SubjectPrefix    string `yaml:"subject_prefix"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	VocabSize        int    `yaml:"vocab_size"`
	Trace            bool   `yaml:"trace"`
	// Serve exposes the local engine on <subject_prefix>.> for remote nodes.
	Serve bool `yaml:"serve"`
}

type DecoderConfig struct {
	Mode               string `yaml:"mode"` // greedy, beam
	BeamWidth          int    `yaml:"beam_width"`
	MaxSymbolsPerFrame int    `yaml:"max_symbols_per_frame"`
	WarmUp             bool   `yaml:"warm_up"`
}

type STTConfig struct {
	Enabled         bool `yaml:"enabled"`
	SampleRate      int  `yaml:"sample_rate"`
	Channels        int  `yaml:"channels"`
	BufferChunkSize int  `yaml:"buffer_chunk_size"`
	PublishInterim  bool `yaml:"publish_interim"`
	Websocket       bool `yaml:"websocket"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-stream",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Node: NodeConfig{
			ID:                "loqa-stream-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Model: ModelConfig{
			Name:       "en_16k",
			Vocabulary: "sentencepiece",
		},
		Engine: EngineConfig{
			Mode:             "mock",
			SubjectPrefix:    "infer",
			RequestTimeoutMS: 5000,
			VocabSize:        1024,
		},
		Decoder: DecoderConfig{
			Mode:               "greedy",
			BeamWidth:          10,
			MaxSymbolsPerFrame: 256,
			WarmUp:             true,
		},
		STT: STTConfig{
			Enabled:         false,
			SampleRate:      16000,
			Channels:        1,
			BufferChunkSize: 4096,
			PublishInterim:  true,
			Websocket:       true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Model.Name, "LOQA_MODEL_NAME")
	overrideString(&cfg.Model.ResourcesDir, "LOQA_RESOURCES_DIR")
	overrideString(&cfg.Model.Vocabulary, "LOQA_MODEL_VOCABULARY")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_ENGINE_COMMAND")
	overrideString(&cfg.Engine.ModulePath, "LOQA_ENGINE_MODULE_PATH")
	overrideString(&cfg.Engine.SubjectPrefix, "LOQA_ENGINE_SUBJECT_PREFIX")
	overrideInt(&cfg.Engine.RequestTimeoutMS, "LOQA_ENGINE_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Engine.VocabSize, "LOQA_ENGINE_VOCAB_SIZE")
	overrideBool(&cfg.Engine.Trace, "LOQA_ENGINE_TRACE")
	overrideBool(&cfg.Engine.Serve, "LOQA_ENGINE_SERVE")
	overrideString(&cfg.Decoder.Mode, "LOQA_DECODER_MODE")
	overrideInt(&cfg.Decoder.BeamWidth, "LOQA_DECODER_BEAM_WIDTH")
	overrideInt(&cfg.Decoder.MaxSymbolsPerFrame, "LOQA_DECODER_MAX_SYMBOLS_PER_FRAME")
	overrideBool(&cfg.Decoder.WarmUp, "LOQA_DECODER_WARM_UP")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.BufferChunkSize, "LOQA_STT_BUFFER_CHUNK_SIZE")
	overrideBool(&cfg.STT.PublishInterim, "LOQA_STT_PUBLISH_INTERIM")
	overrideBool(&cfg.STT.Websocket, "LOQA_STT_WEBSOCKET")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Model.Name == "" {
		return errors.New("model.name must not be empty")
	}
	switch cfg.Model.Vocabulary {
	case "sentencepiece", "pieces":
	default:
		return errors.New("model.vocabulary must be one of sentencepiece|pieces")
	}
	if err := validateEngine(cfg.Engine); err != nil {
		return err
	}
	if err := ValidateDecoder(cfg.Decoder); err != nil {
		return err
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
	}
	if cfg.STT.BufferChunkSize <= 0 {
		return errors.New("stt.buffer_chunk_size must be positive")
	}
	return nil
}

func validateEngine(cfg EngineConfig) error {
	switch cfg.Mode {
	case "mock", "exec", "nats", "wasm":
	default:
		return errors.New("engine.mode must be one of mock|exec|nats|wasm")
	}
	if cfg.Mode == "exec" && cfg.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Mode == "nats" && cfg.SubjectPrefix == "" {
		return errors.New("engine.subject_prefix must be set when mode=nats")
	}
	if cfg.Mode == "mock" && cfg.VocabSize < 2 {
		return errors.New("engine.vocab_size must be >= 2 when mode=mock")
	}
	if cfg.Serve && cfg.Mode == "nats" {
		return errors.New("engine.serve cannot re-export a nats engine")
	}
	if cfg.Serve && cfg.SubjectPrefix == "" {
		return errors.New("engine.subject_prefix must be set when serve is enabled")
	}
	if cfg.RequestTimeoutMS < 0 {
		return errors.New("engine.request_timeout_ms must be >= 0")
	}
	return nil
}

// ValidateDecoder checks decoder settings; it is shared with binaries that
// build a DecoderConfig from flags.
func ValidateDecoder(cfg DecoderConfig) error {
	switch cfg.Mode {
	case "greedy", "beam":
	default:
		return errors.New("decoder.mode must be one of greedy|beam")
	}
	if cfg.Mode == "beam" && cfg.BeamWidth < 1 {
		return errors.New("decoder.beam_width must be >= 1")
	}
	if cfg.MaxSymbolsPerFrame < 1 {
		return errors.New("decoder.max_symbols_per_frame must be >= 1")
	}
	return nil
}
