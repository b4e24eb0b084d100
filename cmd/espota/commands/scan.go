// Copyright (C) 2021 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/espota/espota/cmd/espota/discovery"
	"github.com/espota/espota/cmd/espota/output"
	"github.com/spf13/cobra"
)

var scanFlagKeys = map[string]string{
	DiscoveryTimeoutKey: "timeout",
	DiscoveryServiceKey: "service",
	DiscoveryBoardKey:   "board",
}

func ScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for ESP32 devices",
		Long: "Scan for devices by listening for their mDNS announcements.\n" +
			"To reach a device, you need to be on the same network as the device.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), scanFlagKeys)
			if err != nil {
				return err
			}

			format, err := cmd.Flags().GetString("output")
			if err != nil {
				return err
			}

			var enc output.Encoder
			if format != "" {
				if enc, err = output.NewEncoder(format, os.Stdout); err != nil {
					return err
				}
			}
			cmd.SilenceUsage = true

			ctx := cmd.Context()
			p := output.Stdio()
			if enc != nil {
				// Keep stdout parseable.
				p = output.New(os.Stderr, os.Stderr)
			} else {
				p.Infof("Scanning for %s ...", cfg.GetString(DiscoveryServiceKey))
			}
			src, err := discoverySource(cfg)
			if err != nil {
				return err
			}
			candidates, err := discovery.Scan(ctx, src, discoveryConfig(cfg), p)
			if err != nil {
				return err
			}

			if enc != nil {
				if candidates == nil {
					candidates = discovery.Candidates{}
				}
				return enc.Encode(candidates)
			}

			if len(candidates) == 0 {
				return fmt.Errorf("didn't find any devices")
			}
			preferred := discovery.Prefer(candidates, cfg.GetString(DiscoveryBoardKey))
			for _, c := range candidates {
				marker := " "
				if c.Name == preferred.Name {
					marker = "*"
				}
				note := ""
				if info, err := c.BoardInfo(); err == nil && info.RequiresAuth() {
					note = " (password protected)"
				}
				fmt.Printf("%s %s%s%s\n", marker, c, formatProperties(c.Properties), note)
			}
			return nil
		},
	}

	cmd.Flags().DurationP("timeout", "t", discovery.DefaultTimeout, "how long to scan")
	cmd.Flags().String("service", discovery.DefaultService, "mDNS service type to scan for")
	cmd.Flags().String("board", discovery.DefaultBoard, "preferred value of the 'board' property")
	cmd.Flags().StringP("output", "o", "", "list the devices as 'short', 'json' or 'yaml'")
	return cmd
}

func formatProperties(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}
	var parts []string
	for k, v := range props {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return " [" + strings.Join(parts, " ") + "]"
}
