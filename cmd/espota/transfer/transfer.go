// Copyright (C) 2024 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

// Package transfer pushes a firmware image to a device over a bare TCP
// connection. The device reads bytes until the client closes its write side.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/espota/espota/cmd/espota/output"
)

const (
	DefaultPort        = 3232
	DefaultChunkSize   = 4096
	DefaultRetries     = 5
	DefaultRetryDelay  = 1 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

// Result is the terminal state of one transfer.
type Result int

const (
	Success Result = iota
	FileNotFound
	ConnectionFailed
	SendFailed
	Cancelled
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case FileNotFound:
		return "file not found"
	case ConnectionFailed:
		return "connection failed"
	case SendFailed:
		return "send failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	ChunkSize   int
	Retries     int
	RetryDelay  time.Duration
	DialTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:   DefaultChunkSize,
		Retries:     DefaultRetries,
		RetryDelay:  DefaultRetryDelay,
		DialTimeout: DefaultDialTimeout,
	}
}

// Session sends one file to one device.
type Session struct {
	Path    string
	Address string
	Port    int
	Config  Config

	// Dialer defaults to a plain net.Dialer.
	Dialer Dialer
	Log    output.Logger
	// Progress is optional.
	Progress output.Progress
}

// Report describes how a Session ended.
type Report struct {
	Result   Result
	Total    int64
	Sent     int64
	Chunks   int
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// Send runs the session. Exactly one Result is produced and the connection,
// if one was made, is half-closed and closed before Send returns.
func (s *Session) Send(ctx context.Context) *Report {
	report := &Report{}

	stat, err := os.Stat(s.Path)
	if err != nil || !stat.Mode().IsRegular() {
		s.Log.Errorf("File not found: %s", s.Path)
		report.Result = FileNotFound
		report.Err = fmt.Errorf("no such file: '%s'", s.Path)
		return report
	}
	report.Total = stat.Size()
	target := net.JoinHostPort(s.Address, fmt.Sprint(s.Port))
	s.Log.Infof("Sending '%s' (%s) to %s", s.Path, output.Size(report.Total), target)

	conn, err := s.connect(ctx, target, report)
	if err != nil {
		if ctx.Err() != nil {
			s.Log.Abortf("Cancelled by the user.")
			report.Result = Cancelled
		} else {
			s.Log.Errorf("Could not connect to %s after %d attempts: %v", target, report.Attempts, err)
			report.Result = ConnectionFailed
		}
		report.Err = err
		return report
	}

	err = s.stream(ctx, conn, report)
	closeConn(conn)

	switch {
	case err == nil:
		rate := output.Rate(report.Sent, report.Elapsed)
		s.Log.OKf("Transfer complete: %s in %.2fs (%s)", output.Size(report.Sent), report.Elapsed.Seconds(), rate)
		s.Log.Infof("The device should restart if the update succeeded.")
		report.Result = Success
	case ctx.Err() != nil:
		s.Log.Abortf("Cancelled by the user.")
		report.Result = Cancelled
		report.Err = ctx.Err()
	default:
		s.Log.Errorf("Send failed: %v", err)
		report.Result = SendFailed
		report.Err = err
	}
	return report
}

// connect makes Retries+1 attempts at most, waiting RetryDelay between them.
func (s *Session) connect(ctx context.Context, target string, report *Report) (net.Conn, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	attempts := s.Config.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var conn net.Conn
	dial := func() error {
		report.Attempts++
		dialCtx, cancel := context.WithTimeout(ctx, s.Config.DialTimeout)
		defer cancel()
		c, err := dialer.DialContext(dialCtx, "tcp", target)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, delay time.Duration) {
		s.Log.Warnf("Connection failed (attempt %d/%d): %v. Retrying in %s ...", report.Attempts, attempts, err, delay)
	}

	// WithMaxRetries treats zero as unlimited.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if attempts > 1 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(s.Config.RetryDelay), uint64(attempts-1))
	}
	if err := backoff.RetryNotify(dial, backoff.WithContext(policy, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

func (s *Session) stream(ctx context.Context, conn net.Conn, report *Report) error {
	// A cancelled context makes the blocked Write return.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("failed to open '%s', reason: %w", s.Path, err)
	}
	defer f.Close()

	chunkSize := s.Config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if s.Progress != nil {
		s.Progress.Start(report.Total)
		defer s.Progress.Finish()
	}

	start := time.Now()
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			// net.Conn writes the whole chunk or fails.
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
			report.Sent += int64(n)
			report.Chunks++
			if s.Progress != nil {
				s.Progress.Update(report.Sent)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read '%s', reason: %w", s.Path, err)
		}
	}
	report.Elapsed = time.Since(start)
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

// closeConn signals end of file to the device and releases the socket.
// Failures here are not reported.
func closeConn(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		cw.CloseWrite()
	}
	conn.Close()
}
