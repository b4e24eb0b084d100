// Copyright (C) 2021 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/espota/espota/cmd/espota/discovery"
	"github.com/espota/espota/cmd/espota/logstream"
	"github.com/espota/espota/cmd/espota/output"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logFlagKeys = map[string]string{
	LogPortKey:          "port",
	DiscoveryTimeoutKey: "discovery-timeout",
}

func LogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Live stream logs from an ESP32",
		Long: "Connects over the network to the log port of an ESP32 and prints every\n" +
			"line it sends until the device closes the connection.\n\n" +
			"Without --ip the device is looked up through its mDNS announcement.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), logFlagKeys)
			if err != nil {
				return err
			}

			ip, err := cmd.Flags().GetString("ip")
			if err != nil {
				return err
			}

			save, err := cmd.Flags().GetString("save")
			if err != nil {
				return err
			}

			maxSize, err := cmd.Flags().GetInt("save-max-size")
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			ctx := cmd.Context()
			p := output.Stdio()
			address := ip
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
					return silentExit(cmd, exitLogNoDevice, errNoDevice)
				}
				address = device.Address
				p.OKf("Found device '%s' at %s", device.Name, address)
			}

			w, closer := logSink(os.Stdout, save, maxSize)
			defer closer.Close()

			session := &logstream.Session{
				Address: address,
				Port:    cfg.GetInt(LogPortKey),
				Config:  logConfig(cfg),
			}
			p.Infof("Connecting to %s (CTRL+C to exit)", session.Target())

			outcome, err := session.Stream(ctx, func(line string) {
				fmt.Fprintln(w, line)
			})
			switch outcome {
			case logstream.PeerClosed:
				p.Warnf("Connection closed by the device.")
			case logstream.Cancelled:
				p.Abortf("Cancelled by the user.")
				err = ctx.Err()
			default:
				p.Errorf("Could not connect or read: %v", err)
			}
			return silentExit(cmd, logExitCode(outcome), err)
		},
	}

	cmd.Flags().String("ip", "", "address of the device (looked up over mDNS if not given)")
	cmd.Flags().IntP("port", "p", logstream.DefaultPort, "TCP port of the log server")
	cmd.Flags().Duration("discovery-timeout", discovery.DefaultTimeout, "how long to listen for mDNS announcements")
	cmd.Flags().String("save", "", "also append the log lines to this file")
	cmd.Flags().Int("save-max-size", 10, "size in megabytes after which the saved log is rotated")
	return cmd
}

// logSink returns where log lines are printed. With a save path the lines
// also go to a file that is rotated after maxSize megabytes.
func logSink(out io.Writer, save string, maxSize int) (io.Writer, io.Closer) {
	if save == "" {
		return out, nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   save,
		MaxSize:    maxSize,
		MaxBackups: 3,
	}
	return io.MultiWriter(out, rotator), rotator
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
