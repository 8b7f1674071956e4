package turnstream

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/turnstream/loopmetrics"
)

// Config holds the tunable knobs for a pipeline. All durations are in
// milliseconds in the file form to match the persisted record formats.
type Config struct {
	// Model is stamped on complete deltas.
	Model string `yaml:"model"`

	// ThresholdPreset selects the loop-metrics ceilings: "default",
	// "strict", or "relaxed".
	ThresholdPreset string `yaml:"threshold_preset"`

	// EnableLoopDetection turns on repeating-pattern checks between
	// iterations.
	EnableLoopDetection bool `yaml:"enable_loop_detection"`
	// LoopDetectionWindow is the signature window for pattern checks.
	LoopDetectionWindow int `yaml:"loop_detection_window"`

	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Recovery    RecoveryConfig    `yaml:"recovery"`

	// DuplicateDebounceMs is the rapid-resubmit window for the message
	// gate, separate from idempotency keys.
	DuplicateDebounceMs int64 `yaml:"duplicate_debounce_ms"`
}

// IdempotencyConfig bounds the submission-key tracker.
type IdempotencyConfig struct {
	WindowMs int64 `yaml:"window_ms"`
	MaxAgeMs int64 `yaml:"max_age_ms"`
	MaxSize  int   `yaml:"max_size"`
}

// RecoveryConfig bounds stream recovery.
type RecoveryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	StorageKey  string `yaml:"storage_key"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		ThresholdPreset:     "default",
		EnableLoopDetection: true,
		LoopDetectionWindow: 6,
		Idempotency: IdempotencyConfig{
			WindowMs: 5000,
			MaxAgeMs: 60_000,
			MaxSize:  100,
		},
		Recovery: RecoveryConfig{
			MaxAttempts: 3,
			StorageKey:  "stream-recovery",
		},
		DuplicateDebounceMs: 2000,
	}
}

// LoadConfig reads a yaml config file, filling unset fields from the
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.ThresholdPreset {
	case "", "default", "strict", "relaxed":
	default:
		return fmt.Errorf("unknown threshold preset %q", c.ThresholdPreset)
	}
	return nil
}

// Thresholds resolves the configured preset.
func (c Config) Thresholds() loopmetrics.Thresholds {
	switch c.ThresholdPreset {
	case "strict":
		return loopmetrics.StrictThresholds()
	case "relaxed":
		return loopmetrics.RelaxedThresholds()
	default:
		return loopmetrics.DefaultThresholds()
	}
}

// IdempotencyMaxAge returns the tracker max age as a duration.
func (c Config) IdempotencyMaxAge() time.Duration {
	return time.Duration(c.Idempotency.MaxAgeMs) * time.Millisecond
}
