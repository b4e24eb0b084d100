// Copyright (C) 2024 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package discovery

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// BoardInfo is the typed view of the TXT properties the Arduino OTA
// responder announces. Unknown properties are ignored.
type BoardInfo struct {
	Board      string `mapstructure:"board" yaml:"board" json:"board"`
	TCPCheck   string `mapstructure:"tcp_check" yaml:"tcp_check" json:"tcp_check"`
	SSHUpload  string `mapstructure:"ssh_upload" yaml:"ssh_upload" json:"ssh_upload"`
	AuthUpload string `mapstructure:"auth_upload" yaml:"auth_upload" json:"auth_upload"`
}

// RequiresAuth reports whether the device only accepts password protected
// uploads, which a raw transfer cannot satisfy.
func (b BoardInfo) RequiresAuth() bool {
	return b.AuthUpload == "yes"
}

func (c Candidate) BoardInfo() (BoardInfo, error) {
	var info BoardInfo
	if err := mapstructure.Decode(c.Properties, &info); err != nil {
		return BoardInfo{}, fmt.Errorf("failed to decode properties of '%s', reason: %w", c.Name, err)
	}
	return info, nil
}
