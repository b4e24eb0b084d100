// Copyright (C) 2024 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

// Package discovery finds devices by listening to service announcements on
// the local network for a fixed window.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/espota/espota/cmd/espota/output"
)

const (
	DefaultService = "_arduino._tcp"
	DefaultDomain  = "local."
	DefaultBoard   = "esp32"
	DefaultTimeout = 3 * time.Second

	// BoardProperty is the announcement property compared against Config.Board.
	BoardProperty = "board"
)

// ErrUnavailable is returned by a Source that cannot start listening at all.
var ErrUnavailable = errors.New("service discovery is unavailable")

// Announcement is one service record seen during the discovery window.
type Announcement struct {
	Name       string
	Addresses  []net.IP
	Port       int
	Properties map[string]string
}

// Candidate is a device the caller can connect to.
type Candidate struct {
	Name       string            `json:"name" yaml:"name"`
	Address    string            `json:"address" yaml:"address"`
	Port       int               `json:"port" yaml:"port"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s (address: %s)", c.Name, c.HostPort())
}

func (c Candidate) Short() string {
	return c.HostPort()
}

func (c Candidate) HostPort() string {
	return net.JoinHostPort(c.Address, fmt.Sprint(c.Port))
}

// Source yields the announcements observed until ctx is done. The returned
// channel is closed once the source has shut down.
type Source interface {
	Announcements(ctx context.Context) (<-chan Announcement, error)
}

type Config struct {
	Timeout time.Duration
	// Board is the preferred value of the board property.
	Board string
}

func DefaultConfig() Config {
	return Config{
		Timeout: DefaultTimeout,
		Board:   DefaultBoard,
	}
}

// Candidates is a list of candidates in the order their names were first seen.
type Candidates []Candidate

func (cs Candidates) Elements() []output.Short {
	var res []output.Short
	for _, c := range cs {
		res = append(res, c)
	}
	return res
}

// Scan listens for the whole cfg.Timeout window, even when a device shows up
// right away, and returns one candidate per announced name. A later
// announcement for a name replaces the earlier one.
//
// A source that cannot start is reported once as a warning and yields no
// candidates. The only error returned is the cancellation of ctx.
func Scan(ctx context.Context, src Source, cfg Config, log output.Logger) (Candidates, error) {
	window, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	announcements, err := src.Announcements(window)
	if err != nil {
		log.Warnf("Could not start service discovery: %v", err)
		return nil, ctx.Err()
	}

	var order []string
	found := map[string]Candidate{}
looping:
	for {
		select {
		case a, ok := <-announcements:
			if !ok {
				// The source may stop early; the window still runs to its end.
				announcements = nil
				continue
			}
			c, err := candidateFrom(a)
			if err != nil {
				continue
			}
			if _, ok := found[a.Name]; !ok {
				order = append(order, a.Name)
			}
			found[a.Name] = c
		case <-window.Done():
			break looping
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := make(Candidates, 0, len(order))
	for _, name := range order {
		res = append(res, found[name])
	}
	return res, nil
}

// Resolve scans for cfg.Timeout and picks one candidate. It returns nil,
// without an error, when nothing usable was announced.
func Resolve(ctx context.Context, src Source, cfg Config, log output.Logger) (*Candidate, error) {
	candidates, err := Scan(ctx, src, cfg, log)
	if err != nil {
		return nil, err
	}
	return Prefer(candidates, cfg.Board), nil
}

// Prefer returns the first candidate whose board property equals board, or
// else the first candidate.
func Prefer(candidates Candidates, board string) *Candidate {
	if len(candidates) == 0 {
		return nil
	}
	for _, c := range candidates {
		if c.Properties[BoardProperty] == board {
			res := c
			return &res
		}
	}
	res := candidates[0]
	return &res
}

func candidateFrom(a Announcement) (Candidate, error) {
	ip, err := pickIPv4(a.Addresses)
	if err != nil {
		return Candidate{}, fmt.Errorf("announcement '%s': %w", a.Name, err)
	}
	if a.Port < 0 || a.Port > 65535 {
		return Candidate{}, fmt.Errorf("announcement '%s': invalid port %d", a.Name, a.Port)
	}
	props := make(map[string]string, len(a.Properties))
	for k, v := range a.Properties {
		props[k] = v
	}
	return Candidate{
		Name:       a.Name,
		Address:    ip.String(),
		Port:       a.Port,
		Properties: props,
	}, nil
}

// pickIPv4 prefers a real IPv4 address. Without one, the leading four bytes of
// the first address are read as IPv4.
func pickIPv4(addrs []net.IP) (net.IP, error) {
	for _, addr := range addrs {
		if v4 := addr.To4(); v4 != nil {
			return v4, nil
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses")
	}
	first := addrs[0]
	if len(first) < net.IPv4len {
		return nil, fmt.Errorf("malformed address %v", []byte(first))
	}
	return net.IPv4(first[0], first[1], first[2], first[3]).To4(), nil
}
