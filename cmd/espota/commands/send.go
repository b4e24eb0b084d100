// Copyright (C) 2024 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"os"

	"github.com/espota/espota/cmd/espota/directory"
	"github.com/espota/espota/cmd/espota/discovery"
	"github.com/espota/espota/cmd/espota/output"
	"github.com/espota/espota/cmd/espota/transfer"
	"github.com/spf13/cobra"
)

var sendFlagKeys = map[string]string{
	OTAPortKey:          "port",
	OTAFileKey:          "file",
	OTARetriesKey:       "retries",
	OTARetryDelayKey:    "retry-delay",
	DiscoveryTimeoutKey: "discovery-timeout",
}

func SendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a firmware image to an ESP32 over the network",
		Long: "Send a firmware image to the OTA port of an ESP32.\n\n" +
			"Without --ip the device is looked up through its mDNS announcement. The\n" +
			"image is written as raw bytes; the device installs it once the connection\n" +
			"is closed and restarts on its own.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), sendFlagKeys)
			if err != nil {
				return err
			}

			ip, err := cmd.Flags().GetString("ip")
			if err != nil {
				return err
			}

			watch, err := cmd.Flags().GetBool("watch")
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			ctx := cmd.Context()
			p := output.Stdio()
			address := ip
			port := cfg.GetInt(OTAPortKey)
			if address == "" {
				device, err := findDevice(ctx, cfg, p)
				if err != nil {
					if ctx.Err() != nil {
						p.Abortf("Cancelled by the user.")
						return silentExit(cmd, exitCancelled, err)
					}
					p.Errorf("%v", err)
					return silentExit(cmd, exitFailure, err)
				}
				if device == nil {
					p.Errorf("No device found over mDNS. Pass --ip explicitly.")
					return silentExit(cmd, exitSendNoDevice, errNoDevice)
				}
				address = device.Address
				if device.Port != 0 && !cmd.Flags().Changed("port") {
					port = device.Port
				}
				p.OKf("Found device '%s' at %s:%d", device.Name, address, port)
				if info, err := device.BoardInfo(); err == nil && info.RequiresAuth() {
					p.Warnf("Device '%s' announces password protected uploads, which are not supported.", device.Name)
				}
			}

			session := &transfer.Session{
				Path:     cfg.GetString(OTAFileKey),
				Address:  address,
				Port:     port,
				Config:   transferConfig(cfg),
				Log:      p,
				Progress: output.NewProgress(os.Stdout),
			}

			if watch {
				code, err := watchAndSend(ctx, session, p)
				return silentExit(cmd, code, err)
			}

			report := session.Send(ctx)
			return silentExit(cmd, sendExitCode(report.Result), report.Err)
		},
	}

	cmd.Flags().String("ip", "", "address of the device (looked up over mDNS if not given)")
	cmd.Flags().IntP("port", "p", transfer.DefaultPort, "TCP port of the OTA server")
	cmd.Flags().StringP("file", "f", directory.DefaultFirmwarePath(), "firmware image to send")
	cmd.Flags().Int("retries", transfer.DefaultRetries, "connection retries")
	cmd.Flags().Duration("retry-delay", transfer.DefaultRetryDelay, "time to wait between connection retries")
	cmd.Flags().Duration("discovery-timeout", discovery.DefaultTimeout, "how long to listen for mDNS announcements")
	cmd.Flags().BoolP("watch", "w", false, "send the image again whenever it is rebuilt")
	return cmd
}
