package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/multierr"

	"github.com/thyrook/chessnet/internal/encoding"
	"github.com/thyrook/chessnet/internal/model"
	"github.com/thyrook/chessnet/internal/rules"
	"github.com/thyrook/chessnet/internal/shard"
)

// Config represents the application configuration
type Config struct {
	AppName   string          `json:"app_name"`
	Version   string          `json:"version"`
	Encoding  EncodingConfig  `json:"encoding"`
	Dataset   DatasetConfig   `json:"dataset"`
	Model     ModelConfig     `json:"model"`
	Training  TrainingConfig  `json:"training"`
	Interface InterfaceConfig `json:"interface"`
}

// EncodingConfig selects the rules engine and the position encoding
type EncodingConfig struct {
	Engine string `json:"engine"`
	Scheme string `json:"scheme"`
}

// DatasetConfig contains PGN ingestion and shard settings
type DatasetConfig struct {
	Path             string  `json:"path"`
	PGNPath          string  `json:"pgn_path"`
	MaxGames         int     `json:"max_games"`
	ShardSize        int     `json:"shard_size"`
	ValidateFraction float64 `json:"validate_fraction"`
	Seed             uint64  `json:"seed"`
	Shuffle          bool    `json:"shuffle"`
	SkipInvalid      bool    `json:"skip_invalid"`
	Workers          int     `json:"workers"`
	ProgressEvery    int     `json:"progress_every"`
}

// ModelConfig contains neural network settings
type ModelConfig struct {
	Hidden    []int  `json:"hidden"`
	Seed      uint64 `json:"seed"`
	ModelPath string `json:"model_path"`
}

// TrainingConfig contains optimizer and checkpoint settings
type TrainingConfig struct {
	BatchSize     int                  `json:"batch_size"`
	Epochs        int                  `json:"epochs"`
	Schedule      model.ScheduleConfig `json:"schedule"`
	GradClip      float64              `json:"grad_clip"`
	PrefetchDepth int                  `json:"prefetch_depth"`
	LogDir        string               `json:"log_dir"`
	SaveBestOnly  bool                 `json:"save_best_only"`
}

// InterfaceConfig contains logging and move suggestion settings
type InterfaceConfig struct {
	LogLevel   string `json:"log_level"`
	LogPath    string `json:"log_path"`
	TopMoves   int    `json:"top_moves"`
	Stochastic bool   `json:"stochastic"`
	SelectSeed uint64 `json:"select_seed"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		AppName: "chessnet",
		Version: "1.0.0",
		Encoding: EncodingConfig{
			Engine: string(rules.EngineNotnil),
			Scheme: encoding.V1.Name,
		},
		Dataset: DatasetConfig{
			Path:             "data/dataset",
			PGNPath:          "data/games.pgn",
			ShardSize:        shard.DefaultShardSize,
			ValidateFraction: 0.1,
			Seed:             1,
			Shuffle:          true,
			SkipInvalid:      true,
			Workers:          runtime.NumCPU(),
			ProgressEvery:    100,
		},
		Model: ModelConfig{
			Hidden:    []int{256, 256},
			Seed:      1,
			ModelPath: "data/models/pairnet.gob",
		},
		Training: TrainingConfig{
			BatchSize: 256,
			Epochs:    20,
			Schedule: model.ScheduleConfig{
				Kind:       model.ScheduleStep,
				BaseLR:     0.001,
				DecayRate:  0.5,
				DecayEvery: 5,
			},
			GradClip:      5.0,
			PrefetchDepth: 4,
			LogDir:        "logs",
			SaveBestOnly:  true,
		},
		Interface: InterfaceConfig{
			LogLevel:   "info",
			TopMoves:   5,
			SelectSeed: 1,
		},
	}
}

// Load reads and parses the configuration file. Fields missing from the
// file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to DefaultConfig if the file does
// not exist or cannot be parsed
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// Save writes the configuration to a file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error

	if !rules.Engine(c.Encoding.Engine).Valid() {
		errs = append(errs, fmt.Errorf("unknown engine %q", c.Encoding.Engine))
	}
	if _, err := encoding.LookupName(c.Encoding.Scheme); err != nil {
		errs = append(errs, err)
	}

	if c.Dataset.ShardSize <= 0 || c.Dataset.ShardSize%2 != 0 {
		errs = append(errs, fmt.Errorf("shard size must be positive and even, got %d", c.Dataset.ShardSize))
	}
	if c.Dataset.ValidateFraction < 0 || c.Dataset.ValidateFraction >= 1 {
		errs = append(errs, fmt.Errorf("validate fraction must be in [0, 1), got %v", c.Dataset.ValidateFraction))
	}
	if c.Dataset.MaxGames < 0 {
		errs = append(errs, fmt.Errorf("max games must not be negative"))
	}

	if len(c.Model.Hidden) == 0 {
		errs = append(errs, fmt.Errorf("model needs at least one hidden layer"))
	}
	for _, h := range c.Model.Hidden {
		if h <= 0 {
			errs = append(errs, fmt.Errorf("invalid hidden layer size %d", h))
		}
	}

	if c.Training.BatchSize <= 0 || c.Training.BatchSize%2 != 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive and even, got %d", c.Training.BatchSize))
	}
	if c.Training.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("epochs must be positive, got %d", c.Training.Epochs))
	}
	if _, err := model.NewLRScheduler(c.Training.Schedule); err != nil {
		errs = append(errs, err)
	}

	if c.Interface.TopMoves < 0 {
		errs = append(errs, fmt.Errorf("top moves must not be negative"))
	}

	return multierr.Combine(errs...)
}

// EnsureDirectories creates the directories the configured paths live in
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Dataset.Path, c.Training.LogDir}
	if c.Interface.LogPath != "" {
		dirs = append(dirs, filepath.Dir(c.Interface.LogPath))
	}
	if c.Model.ModelPath != "" {
		dirs = append(dirs, filepath.Dir(c.Model.ModelPath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Scheme returns the configured encoding scheme
func (c *Config) Scheme() (*encoding.Scheme, error) {
	return encoding.LookupName(c.Encoding.Scheme)
}

// NetworkConfig returns the model shape for the given graph batch size
func (c *Config) NetworkConfig(batchSize int) model.Config {
	return model.Config{
		Hidden:    append([]int(nil), c.Model.Hidden...),
		BatchSize: batchSize,
		Seed:      c.Model.Seed,
	}
}
