// Copyright (C) 2024 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/espota/espota/cmd/espota/output"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	announcements []Announcement
	err           error
}

func (f *fakeSource) Announcements(ctx context.Context) (<-chan Announcement, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan Announcement)
	go func() {
		defer close(ch)
		for _, a := range f.announcements {
			select {
			case ch <- a:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func testConfig() Config {
	return Config{
		Timeout: 50 * time.Millisecond,
		Board:   DefaultBoard,
	}
}

func announcement(name string, ip string, board string) Announcement {
	props := map[string]string{}
	if board != "" {
		props[BoardProperty] = board
	}
	return Announcement{
		Name:       name,
		Addresses:  []net.IP{net.ParseIP(ip)},
		Port:       3232,
		Properties: props,
	}
}

func TestResolvePrefersBoard(t *testing.T) {
	esp := announcement("esp", "192.168.1.20", "esp32")
	other := announcement("other", "192.168.1.30", "uno")

	tests := []struct {
		name          string
		announcements []Announcement
	}{
		{name: "matching first", announcements: []Announcement{esp, other}},
		{name: "matching last", announcements: []Announcement{other, esp}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var buf bytes.Buffer
			src := &fakeSource{announcements: test.announcements}
			res, err := Resolve(context.Background(), src, testConfig(), output.Plain(&buf, &buf))
			require.NoError(t, err)
			require.NotNil(t, res)
			assert.Equal(t, "esp", res.Name)
			assert.Equal(t, "192.168.1.20", res.Address)
			assert.Equal(t, 3232, res.Port)
		})
	}
}

func TestResolveWithoutPreferredBoard(t *testing.T) {
	var buf bytes.Buffer
	src := &fakeSource{announcements: []Announcement{
		announcement("first", "10.0.0.1", ""),
		announcement("second", "10.0.0.2", "uno"),
	}}
	res, err := Resolve(context.Background(), src, testConfig(), output.Plain(&buf, &buf))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "first", res.Name)
}

func TestResolveNothingAnnounced(t *testing.T) {
	var buf bytes.Buffer
	res, err := Resolve(context.Background(), &fakeSource{}, testConfig(), output.Plain(&buf, &buf))
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, buf.String())
}

func TestResolveUnavailable(t *testing.T) {
	var buf bytes.Buffer
	src := &fakeSource{err: fmt.Errorf("%w: no multicast interface", ErrUnavailable)}
	res, err := Resolve(context.Background(), src, testConfig(), output.Plain(&buf, &buf))
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.Contains(t, buf.String(), "[WARN]")
	assert.Contains(t, buf.String(), "no multicast interface")
}

func TestScanLastSeenWins(t *testing.T) {
	var buf bytes.Buffer
	src := &fakeSource{announcements: []Announcement{
		announcement("a", "10.0.0.1", ""),
		announcement("b", "10.0.0.2", ""),
		announcement("a", "10.0.0.3", "esp32"),
	}}
	res, err := Scan(context.Background(), src, testConfig(), output.Plain(&buf, &buf))
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "a", res[0].Name)
	assert.Equal(t, "10.0.0.3", res[0].Address)
	assert.Equal(t, "esp32", res[0].Properties[BoardProperty])
	assert.Equal(t, "b", res[1].Name)
}

func TestScanSkipsUnusableAnnouncement(t *testing.T) {
	var buf bytes.Buffer
	src := &fakeSource{announcements: []Announcement{
		{Name: "broken", Port: 3232},
		{Name: "bad-port", Addresses: []net.IP{net.ParseIP("10.0.0.9")}, Port: 70000},
		announcement("good", "10.0.0.4", ""),
	}}
	res, err := Scan(context.Background(), src, testConfig(), output.Plain(&buf, &buf))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "good", res[0].Name)
}

func TestScanWaitsForWholeWindow(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig()
	cfg.Timeout = 150 * time.Millisecond
	src := &fakeSource{announcements: []Announcement{announcement("esp", "10.0.0.1", "esp32")}}

	start := time.Now()
	res, err := Scan(context.Background(), src, cfg, output.Plain(&buf, &buf))
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.GreaterOrEqual(t, time.Since(start), cfg.Timeout)
}

func TestScanCancelled(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeSource{announcements: []Announcement{announcement("esp", "10.0.0.1", "esp32")}}
	res, err := Scan(ctx, src, testConfig(), output.Plain(&buf, &buf))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func Test_pickIPv4(t *testing.T) {
	tests := []struct {
		name  string
		addrs []net.IP
		want  string
	}{
		{name: "ipv4", addrs: []net.IP{net.ParseIP("192.168.4.1")}, want: "192.168.4.1"},
		{name: "ipv4 after ipv6", addrs: []net.IP{net.ParseIP("fe80::1"), net.IPv4(10, 1, 2, 3).To4()}, want: "10.1.2.3"},
		{name: "ipv6 only", addrs: []net.IP{net.ParseIP("fe80::1")}, want: "254.128.0.0"},
		{name: "none"},
		{name: "short", addrs: []net.IP{{1, 2}}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ip, err := pickIPv4(test.addrs)
			if test.want == "" {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.want, ip.String())
		})
	}
}

func Test_parseTXT(t *testing.T) {
	props := parseTXT([]string{"board=esp32", "tcp_check=no", "auth_upload", "", "ssh_upload=a=b"})
	assert.Equal(t, map[string]string{
		"board":       "esp32",
		"tcp_check":   "no",
		"auth_upload": "",
		"ssh_upload":  "a=b",
	}, props)
}

func TestPreferEmpty(t *testing.T) {
	assert.Nil(t, Prefer(nil, DefaultBoard))
}
