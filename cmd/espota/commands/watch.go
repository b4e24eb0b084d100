// Copyright (C) 2021 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/espota/espota/cmd/espota/output"
	"github.com/espota/espota/cmd/espota/transfer"
	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// firmwareWatcher reports when a build replaces or rewrites the image.
// Build tools often write a new file and rename it into place, so the
// directory is watched rather than the file itself.
type firmwareWatcher struct {
	watcher *fsnotify.Watcher
	file    string
}

func newFirmwareWatcher(file string) (*firmwareWatcher, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	return &firmwareWatcher{
		watcher: w,
		file:    abs,
	}, nil
}

func (w *firmwareWatcher) Close() error {
	return w.watcher.Close()
}

func (w *firmwareWatcher) Changed(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.file {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// watchAndSend sends the image once, then again after every rebuild, and
// returns the exit code. Each send is a complete new transfer. Stopping while
// idle is not an error; stopping in the middle of a transfer exits as
// cancelled.
func watchAndSend(ctx context.Context, session *transfer.Session, p *output.Printer) (int, error) {
	send := func() bool {
		report := session.Send(ctx)
		return report.Result != transfer.Cancelled
	}

	// The first build may not have happened yet, but the directory it writes
	// to has to exist to be watched.
	if !send() {
		return exitCancelled, ctx.Err()
	}
	watcher, err := newFirmwareWatcher(session.Path)
	if err != nil {
		p.Errorf("Cannot watch '%s': %v", session.Path, err)
		if errors.Is(err, fs.ErrNotExist) {
			return exitSendFileNotFound, err
		}
		return exitFailure, err
	}
	defer watcher.Close()
	p.Infof("Watching '%s' for changes (CTRL+C to stop) ...", session.Path)

	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-watcher.watcher.Events:
			if !ok {
				return exitOK, nil
			}
			if watcher.Changed(event) {
				pending = time.After(watchDebounce)
			}
		case <-pending:
			pending = nil
			p.Infof("Firmware image changed")
			if !send() {
				return exitCancelled, ctx.Err()
			}
			p.Infof("Watching '%s' for changes (CTRL+C to stop) ...", session.Path)
		case err, ok := <-watcher.watcher.Errors:
			if !ok {
				return exitOK, nil
			}
			p.Warnf("Watch error: %v", err)
		case <-ctx.Done():
			return exitOK, nil
		}
	}
}
