// Package config provides configuration loading, validation, and defaults
// for the sentinel decision pipeline.
//
// Configuration is a frozen, immutable record: it is loaded once at
// Pipeline construction and never mutated afterward. Runtime threshold
// mutation is disallowed by policy — any "adaptation" must be an explicit,
// observable reconfiguration path (construct a new Pipeline), never silent
// mutation of a live Config.
//
// Schema version: 1.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the sentinel pipeline.
// All fields have defaults; see Defaults() for values. Field names mirror
// the configuration surface table of the decision pipeline specification.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies the host running this pipeline. It is logged at
	// startup; telemetry and ledger records do not carry it. Default: hostname.
	NodeID string `yaml:"node_id"`

	Classifier    ClassifierConfig    `yaml:"classifier"`
	Intent        IntentConfig        `yaml:"intent"`
	Safety        SafetyConfig        `yaml:"safety"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// ClassifierConfig holds ActivityClassifier thresholds.
type ClassifierConfig struct {
	// EventBufferSize is the capacity of the bounded event FIFO. Default: 100.
	EventBufferSize int `yaml:"event_buffer_size"`

	// LoopWindowSize is the capacity of the bounded output-hash FIFO. Default: 5.
	LoopWindowSize int `yaml:"loop_window_size"`

	// LoopSimilarityThreshold is the minimum duplicate-hash ratio that
	// triggers LOOPING. Default: 0.9.
	LoopSimilarityThreshold float64 `yaml:"loop_similarity_threshold"`

	// TempoCompressionRatio is the interval-shrink ratio that signals
	// RUNAWAY / rate-limit tempo compression. Default: 0.3.
	TempoCompressionRatio float64 `yaml:"tempo_compression_ratio"`

	// MinStateDurationMs is the mode hysteresis floor. Default: 10000.
	MinStateDurationMs int64 `yaml:"min_state_duration_ms"`

	// CriticalExitMultiplier extends hysteresis when leaving LOOPING/RUNAWAY.
	// Default: 3.
	CriticalExitMultiplier int64 `yaml:"critical_exit_multiplier"`

	// IntensityLowThreshold is the tokens/minute cutoff below which
	// intensity is LOW. Default: 5000.
	IntensityLowThreshold float64 `yaml:"intensity_low_threshold"`

	// IntensityHighThreshold is the tokens/minute cutoff above which
	// intensity is HIGH. Default: 30000.
	IntensityHighThreshold float64 `yaml:"intensity_high_threshold"`

	// IdleTimeoutMs is the no-event duration after which mode is IDLE.
	// Default: 30000.
	IdleTimeoutMs int64 `yaml:"idle_timeout_ms"`
}

// IntentConfig holds IntentCore decay parameters.
type IntentConfig struct {
	// TokenHistorySize bounds the recent-token-count window used for the
	// WORKING-mode confidence trend. Default: 20.
	TokenHistorySize int `yaml:"token_history_size"`

	// ConfidenceDecayRate is the per-second confidence decay applied
	// between calls. Default: 0.0001.
	ConfidenceDecayRate float64 `yaml:"confidence_decay_rate"`
}

// SafetyConfig holds SafetyGate budget, rate, cooldown, and health parameters.
type SafetyConfig struct {
	// MaxTokensPerMinute is the budget veto threshold. Default: 50000.
	MaxTokensPerMinute int `yaml:"max_tokens_per_minute"`

	// MaxToolCallsPerMinute is the rate veto threshold. Default: 60.
	MaxToolCallsPerMinute int `yaml:"max_tool_calls_per_minute"`

	// BudgetWindowMs is the rolling budget/rate window length. Default: 60000.
	BudgetWindowMs int64 `yaml:"budget_window_ms"`

	// TempoCompressionRatio mirrors the classifier's tempo check, applied
	// independently to the gate's interval history. Default: 0.3.
	TempoCompressionRatio float64 `yaml:"tempo_compression_ratio"`

	// CooldownDurationMs is the veto cooldown length. Default: 60000.
	CooldownDurationMs int64 `yaml:"cooldown_duration_ms"`

	// ConfidenceMinimum is the gate's confidence precheck floor. Default: 0.2.
	ConfidenceMinimum float64 `yaml:"confidence_minimum"`

	// SoftSuspendThreshold / HardStopThreshold are health-score cutoffs.
	// Defaults: 0.6 / 0.3.
	SoftSuspendThreshold float64 `yaml:"soft_suspend_threshold"`
	HardStopThreshold    float64 `yaml:"hard_stop_threshold"`

	// RecoveryRate / RecoveryCap govern tickRecovery. Defaults: 0.01 / 0.8.
	RecoveryRate float64 `yaml:"recovery_rate"`
	RecoveryCap  float64 `yaml:"recovery_cap"`

	// SoftAnomalySeverity / HardAnomalySeverity are health penalties.
	// Defaults: 0.02 / 0.10.
	SoftAnomalySeverity float64 `yaml:"soft_anomaly_severity"`
	HardAnomalySeverity float64 `yaml:"hard_anomaly_severity"`

	// RecoveryQuietMs is how long since the last anomaly before
	// tickRecovery resumes healing. Default: 60000.
	RecoveryQuietMs int64 `yaml:"recovery_quiet_ms"`
}

// StorageConfig holds the optional bbolt-backed telemetry ledger parameters.
type StorageConfig struct {
	// Enabled gates ledger persistence. Default: false (in-memory only).
	Enabled bool `yaml:"enabled"`

	// DBPath is the absolute path to the bbolt file.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the ledger retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds operator override parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for operator commands.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultDBPath is the default bbolt ledger location.
const DefaultDBPath = "/var/lib/sentinel/sentinel.db"

// Defaults returns a Config populated with every default named in the
// decision pipeline's configuration surface.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Classifier: ClassifierConfig{
			EventBufferSize:         100,
			LoopWindowSize:          5,
			LoopSimilarityThreshold: 0.9,
			TempoCompressionRatio:   0.3,
			MinStateDurationMs:      10_000,
			CriticalExitMultiplier:  3,
			IntensityLowThreshold:   5_000,
			IntensityHighThreshold:  30_000,
			IdleTimeoutMs:           30_000,
		},
		Intent: IntentConfig{
			TokenHistorySize:    20,
			ConfidenceDecayRate: 0.0001,
		},
		Safety: SafetyConfig{
			MaxTokensPerMinute:    50_000,
			MaxToolCallsPerMinute: 60,
			BudgetWindowMs:        60_000,
			TempoCompressionRatio: 0.3,
			CooldownDurationMs:    60_000,
			ConfidenceMinimum:     0.2,
			SoftSuspendThreshold:  0.6,
			HardStopThreshold:     0.3,
			RecoveryRate:          0.01,
			RecoveryCap:           0.8,
			SoftAnomalySeverity:   0.02,
			HardAnomalySeverity:   0.10,
			RecoveryQuietMs:       60_000,
		},
		Storage: StorageConfig{
			Enabled:       false,
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/sentinel/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}

	c := cfg.Classifier
	if c.EventBufferSize < 1 {
		errs = append(errs, fmt.Sprintf("classifier.event_buffer_size must be >= 1, got %d", c.EventBufferSize))
	}
	if c.LoopWindowSize < 1 {
		errs = append(errs, fmt.Sprintf("classifier.loop_window_size must be >= 1, got %d", c.LoopWindowSize))
	}
	if c.LoopSimilarityThreshold < 0.0 || c.LoopSimilarityThreshold > 1.0 {
		errs = append(errs, fmt.Sprintf("classifier.loop_similarity_threshold must be in [0.0, 1.0], got %f", c.LoopSimilarityThreshold))
	}
	if c.TempoCompressionRatio <= 0.0 || c.TempoCompressionRatio > 1.0 {
		errs = append(errs, fmt.Sprintf("classifier.tempo_compression_ratio must be in (0.0, 1.0], got %f", c.TempoCompressionRatio))
	}
	if c.MinStateDurationMs < 0 {
		errs = append(errs, "classifier.min_state_duration_ms must be >= 0")
	}
	if c.CriticalExitMultiplier < 1 {
		errs = append(errs, "classifier.critical_exit_multiplier must be >= 1")
	}
	if c.IntensityLowThreshold < 0 || c.IntensityHighThreshold <= c.IntensityLowThreshold {
		errs = append(errs, "classifier.intensity_high_threshold must exceed intensity_low_threshold, both >= 0")
	}

	i := cfg.Intent
	if i.TokenHistorySize < 1 {
		errs = append(errs, "intent.token_history_size must be >= 1")
	}
	if i.ConfidenceDecayRate < 0.0 {
		errs = append(errs, "intent.confidence_decay_rate must be >= 0.0")
	}

	s := cfg.Safety
	if s.MaxTokensPerMinute < 1 {
		errs = append(errs, "safety.max_tokens_per_minute must be >= 1")
	}
	if s.MaxToolCallsPerMinute < 1 {
		errs = append(errs, "safety.max_tool_calls_per_minute must be >= 1")
	}
	if s.BudgetWindowMs < 1 {
		errs = append(errs, "safety.budget_window_ms must be >= 1")
	}
	if s.TempoCompressionRatio <= 0.0 || s.TempoCompressionRatio > 1.0 {
		errs = append(errs, "safety.tempo_compression_ratio must be in (0.0, 1.0]")
	}
	if s.CooldownDurationMs < 0 {
		errs = append(errs, "safety.cooldown_duration_ms must be >= 0")
	}
	if s.ConfidenceMinimum < 0.0 || s.ConfidenceMinimum > 1.0 {
		errs = append(errs, "safety.confidence_minimum must be in [0.0, 1.0]")
	}
	if s.HardStopThreshold >= s.SoftSuspendThreshold {
		errs = append(errs, "safety.hard_stop_threshold must be strictly less than soft_suspend_threshold")
	}
	if s.RecoveryRate < 0.0 {
		errs = append(errs, "safety.recovery_rate must be >= 0.0")
	}
	if s.RecoveryCap < 0.0 || s.RecoveryCap > 1.0 {
		errs = append(errs, "safety.recovery_cap must be in [0.0, 1.0]")
	}
	if s.SoftAnomalySeverity < 0.0 || s.HardAnomalySeverity < s.SoftAnomalySeverity {
		errs = append(errs, "safety.hard_anomaly_severity must be >= soft_anomaly_severity, both >= 0.0")
	}

	if cfg.Storage.Enabled {
		if cfg.Storage.DBPath == "" {
			errs = append(errs, "storage.db_path must not be empty when storage.enabled=true")
		}
		if cfg.Storage.RetentionDays < 1 {
			errs = append(errs, "storage.retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// BudgetWindow returns the configured budget window as a time.Duration,
// a convenience for components that operate on durations rather than
// raw millisecond counts.
func (s SafetyConfig) BudgetWindow() time.Duration {
	return time.Duration(s.BudgetWindowMs) * time.Millisecond
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
