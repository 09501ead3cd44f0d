package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"querychat/config"
)

// ConfigService loads and persists the service configuration as a flat JSON
// file. Writes go through a temp file and rename so a crash mid-save never
// leaves a truncated config behind.
type ConfigService struct {
	mu         sync.Mutex
	logger     func(string)
	storageDir string
}

// NewConfigService creates a ConfigService. storageDir may be empty, in
// which case the user config directory is used.
func NewConfigService(storageDir string, logger func(string)) *ConfigService {
	if logger == nil {
		logger = func(string) {}
	}
	return &ConfigService{
		logger:     logger,
		storageDir: storageDir,
	}
}

// GetStorageDir returns the directory holding config and runtime data.
func (cs *ConfigService) GetStorageDir() (string, error) {
	if cs.storageDir != "" {
		return cs.storageDir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config directory: %v", err)
	}
	return filepath.Join(base, "querychat"), nil
}

// GetConfigPath returns the full path of the config file.
func (cs *ConfigService) GetConfigPath() (string, error) {
	dir, err := cs.GetStorageDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// GetConfig reads the config file, applying defaults for anything missing.
// A missing file is not an error; it yields a default config.
func (cs *ConfigService) GetConfig() (config.Config, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var cfg config.Config

	path, err := cs.GetConfigPath()
	if err != nil {
		return cfg, WrapError("ConfigService", "GetConfig", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return cfg, WrapError("ConfigService", "GetConfig", fmt.Errorf("failed to read config: %v", err))
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, WrapError("ConfigService", "GetConfig", fmt.Errorf("failed to parse config: %v", err))
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// SaveConfig writes the config atomically.
func (cs *ConfigService) SaveConfig(cfg config.Config) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	path, err := cs.GetConfigPath()
	if err != nil {
		return WrapError("ConfigService", "SaveConfig", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return WrapError("ConfigService", "SaveConfig", fmt.Errorf("failed to create config directory: %v", err))
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return WrapError("ConfigService", "SaveConfig", fmt.Errorf("failed to encode config: %v", err))
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return WrapError("ConfigService", "SaveConfig", fmt.Errorf("failed to write config: %v", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return WrapError("ConfigService", "SaveConfig", fmt.Errorf("failed to replace config: %v", err))
	}

	cs.logger("Configuration saved")
	return nil
}
