package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	HyperparametersFile = "hparams.json"
	VocabularyFile      = "bpe.model"
)

// Hyperparameters describes a transducer model. It is loaded once and never
// modified.
type Hyperparameters struct {
	AudioEncoderLayers int `json:"audio_encoder_layers"`
	AudioEncoderUnits  int `json:"audio_encoder_units"`
	TextEncoderLayers  int `json:"text_encoder_layers"`
	TextEncoderUnits   int `json:"text_encoder_units"`
	NullID             int `json:"vocab_null_id"`
	EOSID              int `json:"vocab_eos_id"`
}

// AudioStateShape is the recurrent state shape of the audio encoder.
func (h Hyperparameters) AudioStateShape() []int {
	return []int{h.AudioEncoderLayers, 2, 1, h.AudioEncoderUnits}
}

// TextStateShape is the recurrent state shape of the text encoder.
func (h Hyperparameters) TextStateShape() []int {
	return []int{h.TextEncoderLayers, 2, 1, h.TextEncoderUnits}
}

func (h Hyperparameters) Validate() error {
	if h.AudioEncoderLayers <= 0 || h.AudioEncoderUnits <= 0 {
		return errors.New("audio encoder layers and units must be positive")
	}
	if h.TextEncoderLayers <= 0 || h.TextEncoderUnits <= 0 {
		return errors.New("text encoder layers and units must be positive")
	}
	if h.NullID < 0 || h.EOSID < 0 {
		return errors.New("vocab_null_id and vocab_eos_id must be >= 0")
	}
	return nil
}

// Bundle is a resolved model directory.
type Bundle struct {
	Name            string
	Dir             string
	Hyperparameters Hyperparameters
}

// VocabularyPath is the sentencepiece model shipped with the bundle.
func (b Bundle) VocabularyPath() string {
	return filepath.Join(b.Dir, VocabularyFile)
}

// Path joins name onto the bundle directory.
func (b Bundle) Path(name string) string {
	return filepath.Join(b.Dir, name)
}

// ResolveDir returns <resourcesDir>/<name>, defaulting resourcesDir to
// ~/.loqa/models.
func ResolveDir(resourcesDir, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("model name must not be empty")
	}
	base := resourcesDir
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		base = filepath.Join(home, ".loqa", "models")
	}
	return filepath.Join(base, name), nil
}

// Load resolves and validates a model bundle.
func Load(resourcesDir, name string) (Bundle, error) {
	dir, err := ResolveDir(resourcesDir, name)
	if err != nil {
		return Bundle{}, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return Bundle{}, fmt.Errorf("model %s does not exist at %s: %w", name, dir, err)
	}
	if !info.IsDir() {
		return Bundle{}, fmt.Errorf("model path %s is not a directory", dir)
	}
	hp, err := LoadHyperparameters(filepath.Join(dir, HyperparametersFile))
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Name: name, Dir: dir, Hyperparameters: hp}, nil
}

func LoadHyperparameters(path string) (Hyperparameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Hyperparameters{}, fmt.Errorf("read hyperparameters: %w", err)
	}
	var hp Hyperparameters
	if err := json.Unmarshal(data, &hp); err != nil {
		return Hyperparameters{}, fmt.Errorf("parse hyperparameters: %w", err)
	}
	if err := hp.Validate(); err != nil {
		return Hyperparameters{}, fmt.Errorf("invalid hyperparameters: %w", err)
	}
	return hp, nil
}
