// Copyright (C) 2021 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/espota/espota/cmd/espota/logstream"
	"github.com/espota/espota/cmd/espota/output"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
)

var monitorFlagKeys = map[string]string{
	SerialPortKey: "port",
	SerialBaudKey: "baud",
}

const serialReadTimeout = 500 * time.Millisecond

func MonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Monitor the serial output of an ESP32",
		Long: "Prints the log lines an ESP32 writes to its serial port. Useful before the\n" +
			"device has joined the network and 'espota log' can reach it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), monitorFlagKeys)
			if err != nil {
				return err
			}

			all, err := cmd.Flags().GetBool("all")
			if err != nil {
				return err
			}

			attach, err := cmd.Flags().GetBool("attach")
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			p := output.Stdio()
			port, err := serialPortFor(cfg.GetString(SerialPortKey), all, p)
			if err != nil {
				return err
			}

			p.Infof("Starting serial monitor of port '%s' (CTRL+C to exit) ...", port)
			dev, err := serialOpen(port, &serial.Mode{
				BaudRate: cfg.GetInt(SerialBaudKey),
			})
			if err != nil {
				return err
			}
			defer dev.Close()

			if !attach {
				dev.Reboot()
			}

			ctx := cmd.Context()
			stop := context.AfterFunc(ctx, func() {
				dev.Close()
			})
			defer stop()

			outcome, err := logstream.Pump(ctx, dev, serialReadTimeout, func(line string) {
				fmt.Fprintln(os.Stdout, line)
			})
			switch outcome {
			case logstream.Cancelled:
				p.Abortf("Cancelled by the user.")
				return silentExit(cmd, exitCancelled, ctx.Err())
			case logstream.PeerClosed:
				p.Warnf("Serial port '%s' was closed.", port)
				return nil
			default:
				return fmt.Errorf("failed to read from '%s', reason: %w", port, err)
			}
		},
	}

	cmd.Flags().StringP("port", "p", "", "serial port to monitor")
	cmd.Flags().Bool("all", false, "if set, will show all available ports when picking one")
	cmd.Flags().BoolP("attach", "a", false, "attach to the serial output without rebooting it")
	cmd.Flags().Uint("baud", 115200, "the baud rate for serial monitoring")
	return cmd
}

func serialOpen(port string, mode *serial.Mode) (*serialPort, error) {
	dev, err := serial.Open(port, mode)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("the port '%s' was not found", port)
	}
	if err != nil {
		return nil, err
	}

	return &serialPort{dev}, err
}

type serialPort struct {
	serial.Port
}

// SetReadDeadline maps a deadline onto the port's read timeout. A timed out
// read returns no bytes and no error, which logstream.Pump retries.
func (s *serialPort) SetReadDeadline(t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		d = time.Millisecond
	}
	return s.Port.SetReadTimeout(d)
}

func (s *serialPort) Reboot() {
	s.SetDTR(false)
	s.SetRTS(true)
	time.Sleep(100 * time.Millisecond)
	s.SetRTS(false)
}
