package core

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// HomeDir returns $CLOUDKNOT_HOME, or ~/.cloudknot.
func HomeDir() string {
	if d := os.Getenv("CLOUDKNOT_HOME"); d != "" {
		return d
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cloudknot")
}

type homeConfig struct {
	Backend string            `json:"backend,omitempty"`
	Env     map[string]string `json:"env"`
}

func homeConfigPath() string {
	return filepath.Join(HomeDir(), "env.json")
}

// LoadHomeEnv loads the env vars saved in the home directory's env.json
// into the process environment. Env vars already set take precedence.
// Does nothing if the file does not exist.
func LoadHomeEnv(logger zerolog.Logger) {
	path := homeConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Str("path", path).Err(err).Msg("failed to read env config")
		}
		return
	}

	var cfg homeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		logger.Warn().Str("path", path).Err(err).Msg("failed to parse env config")
		return
	}
	if cfg.Backend != "" {
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		if _, ok := cfg.Env["CLOUDKNOT_BACKEND"]; !ok {
			cfg.Env["CLOUDKNOT_BACKEND"] = cfg.Backend
		}
	}

	applied := 0
	for k, v := range cfg.Env {
		if os.Getenv(k) == "" {
			os.Setenv(k, v)
			applied++
		}
	}
	logger.Debug().Str("path", path).Int("applied", applied).Msg("loaded env config")
}
