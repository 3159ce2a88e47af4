package internal

import "github.com/jcmvstard-prog/customs-kb/internal/config"

// LoadConfig loads .env and the YAML configuration. Without an explicit
// configPath a missing default file is not an error: the built-in defaults
// (with environment overrides) are used and usedDefaults is set.
func LoadConfig(configPath, envPath string) (cfg *config.Config, usedDefaults bool, err error) {
	if err := config.LoadDotEnv(envPath); err != nil {
		return nil, false, err
	}

	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		return cfg, false, err
	}

	cfg, err = config.Load()
	if err == nil {
		return cfg, false, nil
	}
	if !config.IsConfigNotFound(err) {
		return nil, false, err
	}

	cfg = &config.Config{}
	if err := cfg.Finalize(); err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}
