package engine

import (
	"fmt"
	"strings"
	"time"

	"jobchain/internal/config"
)

// Backends selectable with ENGINE_BACKEND.
const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

// Config holds engine configuration.
type Config struct {
	Backend       string        // "process" or "docker"
	Launcher      string        // launcher path (host path, or path inside the image)
	Image         string        // engine image for the docker backend
	ContainerUser string        // optional uid:gid for the docker backend
	Mode          string        // execution-mode flag, e.g. "int"
	ParameterFile string        // shared include every run directory must contain
	PollInterval  time.Duration // liveness poll period
	JobTimeout    time.Duration // per-job cutoff, 0 disables
}

// LoadConfigFromEnv loads engine configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Backend:       strings.ToLower(config.GetEnv("ENGINE_BACKEND", BackendProcess)),
		Launcher:      config.GetEnv("ENGINE_LAUNCHER", "abaqus"),
		Image:         config.GetEnv("ENGINE_IMAGE", ""),
		ContainerUser: config.GetEnv("ENGINE_CONTAINER_USER", ""),
		Mode:          config.GetEnv("ENGINE_MODE", DefaultMode),
		ParameterFile: config.GetEnv("PARAMETER_FILE", DefaultParameterFile),
		PollInterval:  config.GetDurationEnv("POLL_INTERVAL", DefaultPollInterval),
		JobTimeout:    config.GetDurationEnv("JOB_TIMEOUT", 24*time.Hour),
	}
}

// NewLauncher builds the launcher for the configured backend.
func NewLauncher(cfg Config) (Launcher, error) {
	switch cfg.Backend {
	case "", BackendProcess:
		return NewProcessLauncher(cfg.Launcher), nil
	case BackendDocker:
		return NewDockerLauncher(DockerConfig{
			Image:    cfg.Image,
			Launcher: cfg.Launcher,
			User:     cfg.ContainerUser,
		})
	default:
		return nil, fmt.Errorf("unknown engine backend %q (expected %s or %s)", cfg.Backend, BackendProcess, BackendDocker)
	}
}

// NewExecutorFromConfig builds the launcher and executor for cfg.
func NewExecutorFromConfig(cfg Config) (*Executor, error) {
	launcher, err := NewLauncher(cfg)
	if err != nil {
		return nil, err
	}
	return NewExecutor(ExecutorConfig{
		Launcher:      launcher,
		PollInterval:  cfg.PollInterval,
		Timeout:       cfg.JobTimeout,
		ParameterFile: cfg.ParameterFile,
		Mode:          cfg.Mode,
	})
}
