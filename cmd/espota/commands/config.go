// Copyright (C) 2021 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/espota/espota/cmd/espota/directory"
	"github.com/espota/espota/cmd/espota/discovery"
	"github.com/espota/espota/cmd/espota/logstream"
	"github.com/espota/espota/cmd/espota/transfer"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	OTAPortKey        = "ota.port"
	OTARetriesKey     = "ota.retries"
	OTARetryDelayKey  = "ota.retry-delay"
	OTAChunkSizeKey   = "ota.chunk-size"
	OTADialTimeoutKey = "ota.dial-timeout"
	OTAFileKey        = "ota.file"

	LogPortKey        = "log.port"
	LogDialTimeoutKey = "log.dial-timeout"
	LogReadTimeoutKey = "log.read-timeout"

	DiscoveryTimeoutKey = "discovery.timeout"
	DiscoveryServiceKey = "discovery.service"
	DiscoveryDomainKey  = "discovery.domain"
	DiscoveryBoardKey   = "discovery.board"

	// DiscoveryInterfaceKey restricts mDNS to one network interface. Empty
	// means all multicast capable interfaces.
	DiscoveryInterfaceKey = "discovery.interface"

	SerialPortKey = "serial.port"
	SerialBaudKey = "serial.baud"
)

func defaultSettings() map[string]interface{} {
	return map[string]interface{}{
		OTAPortKey:        transfer.DefaultPort,
		OTARetriesKey:     transfer.DefaultRetries,
		OTARetryDelayKey:  transfer.DefaultRetryDelay,
		OTAChunkSizeKey:   transfer.DefaultChunkSize,
		OTADialTimeoutKey: transfer.DefaultDialTimeout,
		OTAFileKey:        directory.DefaultFirmwarePath(),

		LogPortKey:        logstream.DefaultPort,
		LogDialTimeoutKey: logstream.DefaultDialTimeout,
		LogReadTimeoutKey: logstream.DefaultReadTimeout,

		DiscoveryTimeoutKey:   discovery.DefaultTimeout,
		DiscoveryServiceKey:   discovery.DefaultService,
		DiscoveryDomainKey:    discovery.DefaultDomain,
		DiscoveryBoardKey:     discovery.DefaultBoard,
		DiscoveryInterfaceKey: "",

		SerialPortKey: "",
		SerialBaudKey: 115200,
	}
}

// loadConfig returns the effective settings: flags that were set, then
// ESPOTA_* environment variables, then the user config file, then defaults.
// bindings maps setting keys to flag names.
func loadConfig(flags *pflag.FlagSet, bindings map[string]string) (*viper.Viper, error) {
	cfg, err := directory.GetUserConfig()
	if err != nil {
		return nil, err
	}
	directory.BindEnv(cfg)
	for key, value := range defaultSettings() {
		cfg.SetDefault(key, value)
	}
	for key, name := range bindings {
		flag := flags.Lookup(name)
		if flag == nil {
			return nil, fmt.Errorf("unknown flag '%s' bound to '%s'", name, key)
		}
		if err := cfg.BindPFlag(key, flag); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func transferConfig(cfg *viper.Viper) transfer.Config {
	return transfer.Config{
		ChunkSize:   cfg.GetInt(OTAChunkSizeKey),
		Retries:     cfg.GetInt(OTARetriesKey),
		RetryDelay:  cfg.GetDuration(OTARetryDelayKey),
		DialTimeout: cfg.GetDuration(OTADialTimeoutKey),
	}
}

func logConfig(cfg *viper.Viper) logstream.Config {
	return logstream.Config{
		DialTimeout: cfg.GetDuration(LogDialTimeoutKey),
		ReadTimeout: cfg.GetDuration(LogReadTimeoutKey),
	}
}

func discoveryConfig(cfg *viper.Viper) discovery.Config {
	return discovery.Config{
		Timeout: cfg.GetDuration(DiscoveryTimeoutKey),
		Board:   cfg.GetString(DiscoveryBoardKey),
	}
}

func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configure espota",
		Long: "Configure the defaults of the espota command line tool.\n\n" +
			"Settings are stored in the user config file and can be overridden\n" +
			"with environment variables, e.g. ESPOTA_OTA_PORT for 'ota.port', or\n" +
			"through a .env file in the project directory.",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List the effective settings",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(cmd.Flags(), nil)
				if err != nil {
					return err
				}
				return yaml.NewEncoder(os.Stdout).Encode(effectiveSettings(cfg))
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print the effective value of a setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key := strings.ToLower(args[0])
				if !isKnownSetting(key) {
					return unknownSettingError(key)
				}
				cfg, err := loadConfig(cmd.Flags(), nil)
				if err != nil {
					return err
				}
				fmt.Println(cfg.Get(key))
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a setting in the user config file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				key := strings.ToLower(args[0])
				if !isKnownSetting(key) {
					return unknownSettingError(key)
				}
				value, err := parseSettingValue(key, args[1])
				if err != nil {
					return err
				}
				cfg, err := directory.GetUserConfig()
				if err != nil {
					return err
				}
				cfg.Set(key, value)
				return directory.WriteConfig(cfg)
			},
		},
	)
	return cmd
}

func isKnownSetting(key string) bool {
	_, ok := defaultSettings()[key]
	return ok
}

func unknownSettingError(key string) error {
	var keys []string
	for k := range defaultSettings() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Errorf("unknown setting '%s'. Must be one of: %s", key, strings.Join(keys, ", "))
}

// parseSettingValue checks value against the type of the setting's default.
// Durations are kept in their string form, e.g. "1.5s".
func parseSettingValue(key string, value string) (interface{}, error) {
	switch defaultSettings()[key].(type) {
	case time.Duration:
		if _, err := time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("'%s' must be a duration like '1s' or '500ms', got '%s'", key, value)
		}
		return value, nil
	case int:
		var n int
		if err := yaml.Unmarshal([]byte(value), &n); err != nil {
			return nil, fmt.Errorf("'%s' must be an integer, got '%s'", key, value)
		}
		return n, nil
	default:
		return value, nil
	}
}

func effectiveSettings(cfg *viper.Viper) yaml.MapSlice {
	var keys []string
	for k := range defaultSettings() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var res yaml.MapSlice
	for _, k := range keys {
		v := cfg.Get(k)
		if d, ok := v.(time.Duration); ok {
			v = d.String()
		}
		res = append(res, yaml.MapItem{Key: k, Value: v})
	}
	return res
}
