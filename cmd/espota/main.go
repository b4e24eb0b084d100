// Copyright (C) 2021 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/espota/espota/cmd/espota/commands"
)

var version = "v0.3.0"

var buildDate = "unknown"
var buildMode = "development"

func main() {
	isReleaseBuild := buildMode == "release"

	info := commands.Info{
		Date:    buildDate,
		Version: version,
	}

	// Interrupts cancel the context; the commands close their sockets and
	// exit with the cancelled status.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = commands.SetInfo(ctx, info)
	cmd := commands.EspotaCmd(isReleaseBuild)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(commands.ExitCode(err))
	}
}
