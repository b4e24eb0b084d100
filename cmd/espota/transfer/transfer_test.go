// Copyright (C) 2024 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/espota/espota/cmd/espota/output"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProgress struct {
	total    int64
	started  bool
	finished bool
	updates  []int64
}

func (p *recordingProgress) Start(total int64) {
	p.started = true
	p.total = total
}

func (p *recordingProgress) Update(sent int64) {
	p.updates = append(p.updates, sent)
}

func (p *recordingProgress) Finish() {
	p.finished = true
}

// countingDialer fails the first failures attempts, then dials for real.
type countingDialer struct {
	failures int
	calls    int
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls++
	if d.failures < 0 || d.calls <= d.failures {
		return nil, errors.New("connection refused")
	}
	var inner net.Dialer
	return inner.DialContext(ctx, network, address)
}

type pipeDialer struct {
	conn net.Conn
}

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.conn, nil
}

func writeFirmware(t *testing.T, size int) (string, []byte) {
	t.Helper()
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i * 7)
	}
	path := filepath.Join(t.TempDir(), "firmware.bin")
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path, content
}

// listen accepts one connection and delivers everything read until EOF.
func listen(t *testing.T) (int, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(received)
			return
		}
		defer conn.Close()
		b, _ := io.ReadAll(conn)
		received <- b
	}()
	return ln.Addr().(*net.TCPAddr).Port, received
}

func testConfig() Config {
	return Config{
		ChunkSize:   DefaultChunkSize,
		Retries:     2,
		RetryDelay:  time.Millisecond,
		DialTimeout: time.Second,
	}
}

func TestSendChunks(t *testing.T) {
	tests := []struct {
		size    int
		updates []int64
	}{
		{size: 10000, updates: []int64{4096, 8192, 10000}},
		{size: 1, updates: []int64{1}},
		{size: 4095, updates: []int64{4095}},
		{size: 4096, updates: []int64{4096}},
		{size: 4097, updates: []int64{4096, 4097}},
		{size: 12288, updates: []int64{4096, 8192, 12288}},
		{size: 0},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("%d bytes", test.size), func(t *testing.T) {
			path, content := writeFirmware(t, test.size)
			port, received := listen(t)
			progress := &recordingProgress{}
			var buf bytes.Buffer
			s := &Session{
				Path:     path,
				Address:  "127.0.0.1",
				Port:     port,
				Config:   testConfig(),
				Log:      output.Plain(&buf, &buf),
				Progress: progress,
			}

			report := s.Send(context.Background())
			require.Equal(t, Success, report.Result, buf.String())
			assert.NoError(t, report.Err)
			assert.Equal(t, int64(test.size), report.Total)
			assert.Equal(t, int64(test.size), report.Sent)
			assert.Equal(t, len(test.updates), report.Chunks)
			assert.Equal(t, test.updates, progress.updates)
			assert.Equal(t, int64(test.size), progress.total)
			assert.True(t, progress.started)
			assert.True(t, progress.finished)
			assert.Equal(t, 1, report.Attempts)

			// The server only sees EOF after the half-close.
			select {
			case got := <-received:
				assert.Equal(t, content, got)
			case <-time.After(5 * time.Second):
				t.Fatal("server never saw the end of the file")
			}
			assert.Contains(t, buf.String(), "[OK]")
		})
	}
}

func TestSendFileNotFound(t *testing.T) {
	dialer := &countingDialer{}
	var buf bytes.Buffer
	for _, path := range []string{filepath.Join(t.TempDir(), "missing.bin"), t.TempDir()} {
		s := &Session{
			Path:    path,
			Address: "127.0.0.1",
			Port:    DefaultPort,
			Config:  testConfig(),
			Dialer:  dialer,
			Log:     output.Plain(&buf, &buf),
		}
		report := s.Send(context.Background())
		assert.Equal(t, FileNotFound, report.Result)
		assert.Equal(t, 0, report.Attempts)
	}
	assert.Equal(t, 0, dialer.calls)
	assert.Contains(t, buf.String(), "[ERROR]")
}

func TestSendConnectionFailed(t *testing.T) {
	path, _ := writeFirmware(t, 100)
	for _, retries := range []int{0, 1, 3} {
		dialer := &countingDialer{failures: -1}
		var buf bytes.Buffer
		cfg := testConfig()
		cfg.Retries = retries
		s := &Session{
			Path:    path,
			Address: "127.0.0.1",
			Port:    DefaultPort,
			Config:  cfg,
			Dialer:  dialer,
			Log:     output.Plain(&buf, &buf),
		}
		report := s.Send(context.Background())
		assert.Equal(t, ConnectionFailed, report.Result)
		assert.Equal(t, retries+1, report.Attempts)
		assert.Equal(t, retries+1, dialer.calls)
		assert.Equal(t, retries, strings.Count(buf.String(), "[WARN]"))
		assert.Equal(t, 1, strings.Count(buf.String(), "[ERROR]"))
		for attempt := 1; attempt <= retries; attempt++ {
			assert.Contains(t, buf.String(), fmt.Sprintf("(attempt %d/%d)", attempt, retries+1))
		}
		assert.NotContains(t, buf.String(), fmt.Sprintf("(attempt %d/", retries+1))
	}
}

func TestSendSucceedsAfterRetries(t *testing.T) {
	path, content := writeFirmware(t, 5000)
	port, received := listen(t)
	dialer := &countingDialer{failures: 2}
	var buf bytes.Buffer
	cfg := testConfig()
	cfg.Retries = 5
	s := &Session{
		Path:    path,
		Address: "127.0.0.1",
		Port:    port,
		Config:  cfg,
		Dialer:  dialer,
		Log:     output.Plain(&buf, &buf),
	}
	report := s.Send(context.Background())
	require.Equal(t, Success, report.Result)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, 3, dialer.calls)
	assert.Equal(t, content, <-received)
}

func TestSendCancelledWhileWaitingToRetry(t *testing.T) {
	path, _ := writeFirmware(t, 100)
	var buf bytes.Buffer
	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	s := &Session{
		Path:    path,
		Address: "127.0.0.1",
		Port:    DefaultPort,
		Config:  cfg,
		Dialer:  &countingDialer{failures: -1},
		Log:     output.Plain(&buf, &buf),
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	report := s.Send(ctx)
	assert.Equal(t, Cancelled, report.Result)
	assert.Equal(t, 1, report.Attempts)
	assert.Contains(t, buf.String(), "[ABORT]")
}

func TestSendCancelledWhileStreaming(t *testing.T) {
	path, _ := writeFirmware(t, 10000)
	client, server := net.Pipe()
	defer server.Close()
	var buf bytes.Buffer
	s := &Session{
		Path:    path,
		Address: "127.0.0.1",
		Port:    DefaultPort,
		Config:  testConfig(),
		Dialer:  &pipeDialer{conn: client},
		Log:     output.Plain(&buf, &buf),
	}

	// Nobody reads the server end, so the first write blocks.
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	report := s.Send(ctx)
	assert.Equal(t, Cancelled, report.Result)
	assert.Equal(t, int64(0), report.Sent)

	// The client end was closed on the way out.
	_, err := client.Write([]byte{1})
	assert.Error(t, err)
}

func TestSendFailed(t *testing.T) {
	path, _ := writeFirmware(t, 10000)
	client, server := net.Pipe()
	go func() {
		b := make([]byte, 100)
		io.ReadFull(server, b)
		server.Close()
	}()
	var buf bytes.Buffer
	s := &Session{
		Path:    path,
		Address: "127.0.0.1",
		Port:    DefaultPort,
		Config:  testConfig(),
		Dialer:  &pipeDialer{conn: client},
		Log:     output.Plain(&buf, &buf),
	}

	report := s.Send(context.Background())
	assert.Equal(t, SendFailed, report.Result)
	assert.Error(t, report.Err)
	assert.Contains(t, buf.String(), "Send failed")
}
