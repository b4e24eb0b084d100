// Copyright (C) 2024 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/espota/espota/cmd/espota/logstream"
	"github.com/espota/espota/cmd/espota/transfer"
	"github.com/spf13/cobra"
)

const (
	exitOK = 0
	// exitFailure is also what plain command errors exit with.
	exitFailure = 1

	exitLogNoDevice     = 1
	exitLogStreamFailed = 2

	exitSendFileNotFound     = 2
	exitSendConnectionFailed = 3
	exitSendFailed           = 4
	exitSendNoDevice         = 5

	exitCancelled = 130
)

var errNoDevice = errors.New("no device found over mDNS")

// ExitError carries the process exit status of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by a command to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return exitCancelled
	}
	return exitFailure
}

// silentExit returns an ExitError for code. The cause has already been
// printed, so the command is marked silent to avoid printing it twice.
func silentExit(cmd *cobra.Command, code int, err error) error {
	if code == exitOK {
		return nil
	}
	cmd.SilenceErrors = true
	return &ExitError{Code: code, Err: err}
}

func sendExitCode(r transfer.Result) int {
	switch r {
	case transfer.Success:
		return exitOK
	case transfer.FileNotFound:
		return exitSendFileNotFound
	case transfer.ConnectionFailed:
		return exitSendConnectionFailed
	case transfer.SendFailed:
		return exitSendFailed
	case transfer.Cancelled:
		return exitCancelled
	default:
		return exitFailure
	}
}

func logExitCode(o logstream.Outcome) int {
	switch o {
	case logstream.PeerClosed:
		return exitOK
	case logstream.Cancelled:
		return exitCancelled
	default:
		return exitLogStreamFailed
	}
}
