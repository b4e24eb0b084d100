// Copyright (C) 2024 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"context"
	"fmt"
	"net"

	"github.com/espota/espota/cmd/espota/discovery"
	"github.com/espota/espota/cmd/espota/output"
	"github.com/spf13/viper"
)

func discoverySource(cfg *viper.Viper) (discovery.Source, error) {
	src := discovery.NewZeroconfSource(cfg.GetString(DiscoveryServiceKey), cfg.GetString(DiscoveryDomainKey))
	if name := cfg.GetString(DiscoveryInterfaceKey); name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("failed to use network interface '%s' for discovery, reason: %w", name, err)
		}
		src.Interfaces = []net.Interface{*iface}
	}
	return src, nil
}

// findDevice listens for announcements for the configured window. It
// returns nil when no device announced itself.
func findDevice(ctx context.Context, cfg *viper.Viper, p *output.Printer) (*discovery.Candidate, error) {
	src, err := discoverySource(cfg)
	if err != nil {
		return nil, err
	}
	p.Infof("Looking for an ESP32 over mDNS (%s) ...", cfg.GetString(DiscoveryServiceKey))
	return discovery.Resolve(ctx, src, discoveryConfig(cfg), p)
}
