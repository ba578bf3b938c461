package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ToolConfig holds machine-local defaults that are not part of a run:
// compute settings for the in-process trainer and notification targets.
// It is resolved once at startup and threaded into construction; nothing
// reads it as ambient global state afterwards.
type ToolConfig struct {
	Trainer       TrainerDefaults     `toml:"trainer"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// TrainerDefaults holds compute settings for in-process training.
type TrainerDefaults struct {
	Workers int   `toml:"workers"`
	Seed    int64 `toml:"seed"`
}

// NotificationsConfig holds notification settings.
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// DefaultTool returns a ToolConfig with sensible defaults.
func DefaultTool() *ToolConfig {
	return &ToolConfig{
		Trainer: TrainerDefaults{
			Workers: runtime.NumCPU(),
			Seed:    1,
		},
	}
}

// LoadTool reads the tool configuration from a TOML file, falling back to
// defaults when the file does not exist.
func LoadTool(path string) (*ToolConfig, error) {
	cfg := DefaultTool()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Trainer.Workers <= 0 {
		cfg.Trainer.Workers = runtime.NumCPU()
	}
	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultToolConfigPath returns the default tool config location.
func DefaultToolConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "qcloop", "config.toml")
}
