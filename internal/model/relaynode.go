// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import "time"

type (
	// RelayNodeFlag is a role/quality marker on a relay node (e.g. Guard, Exit).
	RelayNodeFlag string

	// RelayNode is one known node of the overlay directory.
	RelayNode struct {
		ID          int64
		Address     string
		Port        uint16
		Fingerprint string
		Nickname    string
		Flags       []RelayNodeFlag
		CountryCode string
		ASN         string
		Bandwidth   int64
		LastSeen    time.Time
	}
)

const (
	FlagGuard  RelayNodeFlag = "Guard"
	FlagExit   RelayNodeFlag = "Exit"
	FlagFast   RelayNodeFlag = "Fast"
	FlagStable RelayNodeFlag = "Stable"
)

// HasFlag reports whether the node carries the given flag.
func (n *RelayNode) HasFlag(flag RelayNodeFlag) bool {
	for _, f := range n.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
