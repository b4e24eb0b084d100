// Copyright (C) 2021 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package directory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// UserConfigPathEnv if set, will load the user config from that path.
	UserConfigPathEnv = "ESPOTA_USER_CONFIG_PATH"
	// EnvPrefix is the prefix of the environment variables that override
	// settings, e.g. ESPOTA_OTA_PORT for "ota.port".
	EnvPrefix = "ESPOTA"
	// ProjectEnvFile is loaded from the working directory when present.
	ProjectEnvFile = ".env"
)

// DefaultFirmwarePath is where an ESP-IDF build of the "OTA" project puts its
// application image, relative to the project root.
func DefaultFirmwarePath() string {
	return filepath.Join("build", "OTA.bin")
}

func GetUserConfigPath() (string, error) {
	if path, ok := os.LookupEnv(UserConfigPathEnv); ok {
		return path, nil
	}

	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homedir, ".config", "espota", "config.yaml"), nil
}

// LoadProjectEnv reads the project's .env file into the environment. A
// missing file is fine, and variables already set are left untouched.
func LoadProjectEnv() error {
	if _, err := os.Stat(ProjectEnvFile); err != nil {
		return nil
	}
	if err := godotenv.Load(ProjectEnvFile); err != nil {
		return fmt.Errorf("failed to read '%s', reason: %w", ProjectEnvFile, err)
	}
	return nil
}

func GetUserConfig() (*viper.Viper, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config path: %w", err)
	}

	cfg := viper.New()
	cfg.SetConfigType("yaml")
	cfg.SetConfigFile(path)
	if _, err := os.Stat(path); err == nil {
		if err := cfg.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read user config: %w", err)
		}
	}
	return cfg, nil
}

// BindEnv lets ESPOTA_* environment variables override the settings in cfg.
// A config with env bindings must not be written back with WriteConfig.
func BindEnv(cfg *viper.Viper) {
	cfg.SetEnvPrefix(EnvPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	cfg.AutomaticEnv()
}

func WriteConfig(cfg *viper.Viper) error {
	file := cfg.ConfigFileUsed()
	dir := filepath.Dir(file)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	tmpFile := filepath.Join(filepath.Dir(file), ".config.tmp.yaml")
	if err := cfg.WriteConfigAs(tmpFile); err != nil {
		return err
	}
	defer os.Remove(tmpFile)

	return os.Rename(tmpFile, file)
}
