// Copyright (C) 2024 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

// Package logstream attaches to the newline delimited text log a device
// writes on a TCP port.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	DefaultPort        = 3333
	DefaultDialTimeout = 10 * time.Second
	DefaultReadTimeout = 5 * time.Second

	readSize = 4096
)

// Outcome is how a stream ended.
type Outcome int

const (
	// PeerClosed is the normal end: the device closed the connection.
	PeerClosed Outcome = iota
	ConnectFailed
	ReadFailed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case PeerClosed:
		return "peer closed"
	case ConnectFailed:
		return "connect failed"
	case ReadFailed:
		return "read failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	DialTimeout time.Duration
	// ReadTimeout bounds a single read. Hitting it only means the device had
	// nothing to say.
	ReadTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DialTimeout: DefaultDialTimeout,
		ReadTimeout: DefaultReadTimeout,
	}
}

// Session is one connection to a device's log port.
type Session struct {
	Address string
	Port    int
	Config  Config

	// Dialer defaults to a plain net.Dialer.
	Dialer Dialer
}

func (s *Session) Target() string {
	return net.JoinHostPort(s.Address, fmt.Sprint(s.Port))
}

// Stream connects and calls emit with every complete line, in arrival order
// and without its '\n', until the device disconnects or ctx is cancelled.
// The returned error is nil for PeerClosed and Cancelled.
func (s *Session) Stream(ctx context.Context, emit func(line string)) (Outcome, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.Config.DialTimeout)
	conn, err := dialer.DialContext(dialCtx, "tcp", s.Target())
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return Cancelled, nil
		}
		return ConnectFailed, err
	}
	defer conn.Close()

	// Closing the connection unblocks the pending read.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	return Pump(ctx, conn, s.Config.ReadTimeout, emit)
}

// DeadlineReader is a reader whose reads can be bounded in time.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Pump reads r until it reports io.EOF, fails, or ctx is cancelled, emitting
// complete lines as they arrive. Timed out reads are retried. The caller is
// responsible for making a cancelled ctx unblock a pending read.
func Pump(ctx context.Context, r DeadlineReader, readTimeout time.Duration, emit func(string)) (Outcome, error) {
	var lines LineBuffer
	buf := make([]byte, readSize)
	for {
		if ctx.Err() != nil {
			return Cancelled, nil
		}
		if readTimeout > 0 {
			if err := r.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
				if ctx.Err() != nil {
					return Cancelled, nil
				}
				return ReadFailed, err
			}
		}
		n, err := r.Read(buf)
		if n > 0 {
			lines.Write(buf[:n])
			lines.Drain(emit)
		}
		if err == nil {
			continue
		}
		switch {
		case ctx.Err() != nil:
			return Cancelled, nil
		case isTimeoutError(err):
			continue
		case errors.Is(err, io.EOF):
			return PeerClosed, nil
		default:
			return ReadFailed, err
		}
	}
}

func isTimeoutError(err error) bool {
	var e net.Error
	return errors.As(err, &e) && e.Timeout()
}
