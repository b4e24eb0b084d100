// Copyright (C) 2021 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"context"

	"github.com/espota/espota/cmd/espota/directory"
	"github.com/spf13/cobra"
)

type ctxKey string

const (
	ctxKeyInfo ctxKey = "info"
)

type Info struct {
	Version string `mapstructure:"version" yaml:"version" json:"version"`
	Date    string `mapstructure:"date" yaml:"date" json:"date"`
}

func SetInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, ctxKeyInfo, info)
}

func GetInfo(ctx context.Context) Info {
	return ctx.Value(ctxKeyInfo).(Info)
}

func EspotaCmd(isReleaseBuild bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "espota",
		Short: "Over-the-air updates and live logs for your ESP32",
		Long: "espota finds your ESP32 on the local network through its mDNS announcement and\n" +
			"either pushes a new firmware image to its OTA port or attaches to the log\n" +
			"stream it serves. Both protocols are plain TCP: the firmware is sent as raw\n" +
			"bytes, the logs arrive as newline separated text.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return directory.LoadProjectEnv()
		},
	}

	cmd.AddCommand(
		SendCmd(),
		LogCmd(),
		ScanCmd(),
		MonitorCmd(),
		ConfigCmd(),
		VersionCmd(isReleaseBuild),
	)
	return cmd
}
