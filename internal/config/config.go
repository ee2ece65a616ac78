// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"strings"
)

// RunnerConfig holds the orchestrator-level settings shared by the CLI.
type RunnerConfig struct {
	StatusFile         string // per-run status file name
	ExpectedStatusLogs int    // .sta count that marks a run complete (0 = use chain default)
	ChainFile          string // optional YAML chain definition
	Resume             bool   // skip leading steps the detector already reports as successful
	CompleteOnAllSteps bool   // accept a fully successful chain below the expected status-log count
	MetricsAddr        string // listen address for /metrics, probes and /v1/runs, empty disables
	APIKey             string // bearer token for /v1/runs, empty disables auth
	LogFormat          string // "json" or "text"
	LogLevel           slog.Level
}

// LoadRunnerConfig loads orchestrator configuration from environment variables.
func LoadRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		StatusFile:         GetEnv("STATUS_FILE", "analysis_status.txt"),
		ExpectedStatusLogs: GetIntEnv("EXPECTED_STATUS_LOGS", 0),
		ChainFile:          GetEnv("CHAIN_FILE", ""),
		Resume:             GetBoolEnv("RESUME", true),
		CompleteOnAllSteps: GetBoolEnv("COMPLETE_ON_ALL_STEPS", false),
		MetricsAddr:        GetEnv("METRICS_ADDR", ""),
		APIKey:             GetSecretFile(GetEnv("API_KEY_FILE", "")),
		LogFormat:          strings.ToLower(GetEnv("LOG_FORMAT", "json")),
		LogLevel:           parseLevel(GetEnv("LOG_LEVEL", "info")),
	}
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}
