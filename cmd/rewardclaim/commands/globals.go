package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/moltbunker/rewardclaim/internal/config"
	"github.com/moltbunker/rewardclaim/internal/logging"
)

// Global CLI flags
var (
	// ConfigPath overrides the default config location
	ConfigPath string

	// OutputFormat controls output format: "" (auto) or "json"
	OutputFormat string

	// Verbose lowers the log level to debug
	Verbose bool
)

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// configPath returns the flag value or the default location
func configPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads and validates the config. A missing file yields the
// defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogging configures the global logger. Interactive commands keep
// the log quiet so it does not interleave with prompts and spinners.
func setupLogging(cfg *config.Config, interactive bool) error {
	level := cfg.Log.Level
	if interactive {
		level = "warn"
	}
	if Verbose {
		level = "debug"
	}
	return logging.Configure(os.Stderr, level, cfg.Log.Format)
}

func jsonOutput() bool {
	return OutputFormat == "json"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version
func GetGoVersion() string {
	return runtime.Version()
}
