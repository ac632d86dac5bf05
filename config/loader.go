package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "testgen.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/testgen"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger

	// overridable for tests
	homeDir string
	workDir string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/testgen/config.yaml)
// 3. Project config (testgen.yaml in current or parent directories)
// 4. explicitPath, when non-empty (must exist)
//
// Each layer only overrides the keys it sets.
func (l *Loader) Load(explicitPath string) (*Config, error) {
	config := DefaultConfig()

	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if err := decodeFile(userConfigPath, config); err == nil {
			l.logger.Debug("Loaded user config", "path", userConfigPath)
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", "path", userConfigPath, "error", err)
		}
	}

	if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if err := decodeFile(projectConfigPath, config); err != nil {
			l.logger.Warn("Failed to load project config", "path", projectConfigPath, "error", err)
		} else {
			l.logger.Debug("Loaded project config", "path", projectConfigPath)
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if explicitPath != "" {
		if err := decodeFile(explicitPath, config); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", "path", explicitPath)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return errors.New("cannot determine home directory")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	if err := DefaultConfig().SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", "path", userConfigPath)
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home := l.homeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for testgen.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	dir := l.workDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
