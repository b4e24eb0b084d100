// Copyright (C) 2024 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"
)

// ZeroconfSource browses for an mDNS service type.
type ZeroconfSource struct {
	Service    string
	Domain     string
	Interfaces []net.Interface
}

func NewZeroconfSource(service, domain string) *ZeroconfSource {
	return &ZeroconfSource{
		Service: service,
		Domain:  domain,
	}
}

func (z *ZeroconfSource) Announcements(ctx context.Context) (<-chan Announcement, error) {
	var opts []zeroconf.ClientOption
	if len(z.Interfaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(z.Interfaces))
	}
	resolver, err := zeroconf.NewResolver(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// The resolver closes entries and its sockets once ctx is done.
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, z.Service, z.Domain, entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	res := make(chan Announcement)
	go func() {
		defer close(res)
		for entry := range entries {
			if entry == nil {
				continue
			}
			select {
			case res <- announcementFromEntry(entry):
			case <-ctx.Done():
				// Keep draining so the resolver can shut down.
			}
		}
	}()
	return res, nil
}

func announcementFromEntry(entry *zeroconf.ServiceEntry) Announcement {
	var addrs []net.IP
	addrs = append(addrs, entry.AddrIPv4...)
	addrs = append(addrs, entry.AddrIPv6...)
	return Announcement{
		Name:       entry.Instance,
		Addresses:  addrs,
		Port:       entry.Port,
		Properties: parseTXT(entry.Text),
	}
}

// parseTXT turns "key=value" TXT strings into a map. A key without '=' maps
// to the empty string.
func parseTXT(records []string) map[string]string {
	res := map[string]string{}
	for _, r := range records {
		if r == "" {
			continue
		}
		key, value, _ := strings.Cut(r, "=")
		res[key] = value
	}
	return res
}
