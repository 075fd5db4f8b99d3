// Package config loads runtime configuration for the fanout pipeline from
// viper, which merges CLI flags, environment variables, and defaults set
// up by the cobra commands in cmd/fanoutctl.
package config

import "github.com/spf13/viper"

// Config holds all runtime configuration for the fanout pipeline.
type Config struct {
	BackendPath string // sqlite database file path

	OptimalWindowMs int // C8 bundling window, milliseconds

	ConfidenceHighMean  float64
	ConfidenceHighMin   float64
	ConfidenceMedMean   float64
	ConfidenceMedMin    float64
	SingletonConfidence string

	RetryMaxAttempts     int
	RetryBaseDelayMs     int
	RetryMaxDelayMs      int
	RetryExpBase         float64
	RetryJitterFraction  float64

	CircuitFailureThreshold int
	CircuitRecoveryTimeoutS int
	CircuitSuccessThreshold int

	PurityThreshold  float64
	ValidationSplit  float64
	WeightMIBCS      float64
	WeightSilhouette float64
	WeightBPS        float64
	WeightSingleton  float64
	WeightGiant      float64
	WeightVariance   float64

	ExcludeProviders string
	FilterCategory   string

	AnthropicAPIKey string

	DryRun  bool
	Verbose bool
}

// Load reads configuration from viper.
func Load() Config {
	return Config{
		BackendPath: viper.GetString("backend_path"),

		OptimalWindowMs: viper.GetInt("optimal_window_ms"),

		ConfidenceHighMean:  viper.GetFloat64("confidence_high_mean"),
		ConfidenceHighMin:   viper.GetFloat64("confidence_high_min"),
		ConfidenceMedMean:   viper.GetFloat64("confidence_medium_mean"),
		ConfidenceMedMin:    viper.GetFloat64("confidence_medium_min"),
		SingletonConfidence: viper.GetString("singleton_confidence"),

		RetryMaxAttempts:    viper.GetInt("retry_max_attempts"),
		RetryBaseDelayMs:    viper.GetInt("retry_base_delay_ms"),
		RetryMaxDelayMs:     viper.GetInt("retry_max_delay_ms"),
		RetryExpBase:        viper.GetFloat64("retry_exp_base"),
		RetryJitterFraction: viper.GetFloat64("retry_jitter_fraction"),

		CircuitFailureThreshold: viper.GetInt("circuit_failure_threshold"),
		CircuitRecoveryTimeoutS: viper.GetInt("circuit_recovery_timeout_s"),
		CircuitSuccessThreshold: viper.GetInt("circuit_success_threshold"),

		PurityThreshold:  viper.GetFloat64("purity_threshold"),
		ValidationSplit:  viper.GetFloat64("validation_split"),
		WeightMIBCS:      viper.GetFloat64("weight_mibcs"),
		WeightSilhouette: viper.GetFloat64("weight_silhouette"),
		WeightBPS:        viper.GetFloat64("weight_bps"),
		WeightSingleton:  viper.GetFloat64("weight_singleton"),
		WeightGiant:      viper.GetFloat64("weight_giant"),
		WeightVariance:   viper.GetFloat64("weight_variance"),

		ExcludeProviders: viper.GetString("exclude_providers"),
		FilterCategory:   viper.GetString("filter_category"),

		AnthropicAPIKey: viper.GetString("anthropic_api_key"),

		DryRun:  viper.GetBool("dry_run"),
		Verbose: viper.GetBool("verbose"),
	}
}

// Defaults returns the baseline values applied before flags, env vars, or
// a config file are layered in by viper.
func Defaults() map[string]any {
	return map[string]any{
		"backend_path":      "fanout.db",
		"optimal_window_ms": 100,

		"confidence_high_mean":   0.7,
		"confidence_high_min":    0.5,
		"confidence_medium_mean": 0.5,
		"confidence_medium_min":  0.3,
		"singleton_confidence":   "high",

		"retry_max_attempts":    5,
		"retry_base_delay_ms":   1000,
		"retry_max_delay_ms":    60000,
		"retry_exp_base":        2.0,
		"retry_jitter_fraction": 0.1,

		"circuit_failure_threshold":  5,
		"circuit_recovery_timeout_s": 60,
		"circuit_success_threshold":  2,

		"purity_threshold":  0.3,
		"validation_split":  0.2,
		"weight_mibcs":      0.30,
		"weight_silhouette": 0.25,
		"weight_bps":        0.25,
		"weight_singleton":  0.10,
		"weight_giant":      0.05,
		"weight_variance":   0.05,

		"exclude_providers": "Microsoft",
		"filter_category":   "user_request",

		"anthropic_api_key": "",

		"dry_run": false,
		"verbose": false,
	}
}
