// Copyright (C) 2021 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/espota/espota/cmd/espota/directory"
	"github.com/espota/espota/cmd/espota/output"
	"github.com/manifoldco/promptui"
	"go.bug.st/serial"
)

// serialPortFor returns the configured port when it is plugged in. Otherwise
// the user picks one, and the choice is saved as serial.port.
func serialPortFor(configured string, all bool, p *output.Printer) (string, error) {
	if configured != "" {
		ports, err := serial.GetPortsList()
		if err != nil {
			return "", fmt.Errorf("failed to list serial ports, reason: %w", err)
		}
		if slices.Contains(ports, configured) {
			return configured, nil
		}
		p.Warnf("Serial port '%s' is not available.", configured)
	}

	picked, err := pickPort(all)
	if err != nil {
		return "", err
	}

	cfg, err := directory.GetUserConfig()
	if err != nil {
		return "", err
	}
	cfg.Set(SerialPortKey, picked)
	if err := directory.WriteConfig(cfg); err != nil {
		return "", fmt.Errorf("failed to remember serial port '%s', reason: %w", picked, err)
	}
	return picked, nil
}

func pickPort(all bool) (string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("failed to list serial ports, reason: %w", err)
	}
	if !all {
		ports = filterPorts(runtime.GOOS, ports)
	}
	switch len(ports) {
	case 0:
		return "", fmt.Errorf("no USB serial ports detected. Is the ESP32 plugged in and its USB-to-UART driver installed? Use --all to see every port")
	case 1:
		return ports[0], nil
	}

	prompt := promptui.Select{
		Label: "Serial port of the ESP32",
		Items: ports,
		Size:  10,
	}
	_, picked, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("no serial port selected, reason: %w", err)
	}
	return picked, nil
}

// filterPorts keeps the ports that look like USB-to-UART bridges on goos.
// Other systems get every port.
func filterPorts(goos string, ports []string) []string {
	var keep func(string) bool
	switch goos {
	case "linux":
		keep = func(port string) bool {
			name := filepath.Base(port)
			return strings.HasPrefix(name, "ttyUSB") || strings.HasPrefix(name, "ttyACM")
		}
	case "darwin":
		// Every device shows up as both /dev/tty* and /dev/cu*. The call-out
		// device is the one that does not wait for carrier detect.
		callout := map[string]bool{}
		for _, port := range ports {
			if rest, ok := strings.CutPrefix(port, "/dev/cu"); ok {
				callout[rest] = true
			}
		}
		keep = func(port string) bool {
			if strings.Contains(port, "Bluetooth") {
				return false
			}
			if strings.HasPrefix(port, "/dev/cu") {
				return true
			}
			rest, ok := strings.CutPrefix(port, "/dev/tty")
			return ok && !callout[rest]
		}
	default:
		return ports
	}

	var res []string
	for _, port := range ports {
		if keep(port) {
			res = append(res, port)
		}
	}
	return res
}
