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

// Package config holds the pipeline's data-not-code tables (spec.md
// §9's "pattern table stability" note) and the flag-derived per-stage
// option structs.
package config

import (
	"encoding/hex"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// PatternTable carries the R4/R5 byte patterns and the relay port
	// set as data, loadable from an override file so they don't
	// require a recompile to update.
	PatternTable struct {
		// RelayPorts are the well-known overlay OR/dir ports (R2, and
		// the Scorer's unusual-shape component).
		RelayPorts []uint16 `yaml:"relay_ports"`

		// DirectoryPort is the dedicated directory-fetch port (R3).
		DirectoryPort uint16 `yaml:"directory_port"`

		// HandshakeMarker is the record-layer prefix R4 requires
		// (hex-encoded).
		HandshakeMarker []byte `yaml:"-"`
		HandshakeMarkerHex string `yaml:"handshake_marker_hex"`

		// HandshakePatternsHex are additional byte patterns R4 requires
		// at least one of, hex-encoded.
		HandshakePatternsHex []string `yaml:"handshake_patterns_hex"`
		HandshakePatterns    [][]byte `yaml:"-"`

		// ProtocolMarkers are the ASCII markers R5 must NOT see in the
		// first ObfuscationWindow bytes.
		ProtocolMarkers []string `yaml:"protocol_markers"`

		// ObfuscationMinLen is R5's minimum payload-prefix length.
		ObfuscationMinLen int `yaml:"obfuscation_min_len"`

		// ObfuscationWindow is how many leading bytes R5 inspects.
		ObfuscationWindow int `yaml:"obfuscation_window"`

		// ObfuscationMinDistinct is the minimum distinct-byte-value
		// count within ObfuscationWindow for R5 to fire.
		ObfuscationMinDistinct int `yaml:"obfuscation_min_distinct"`
	}
)

// DefaultPatternTable returns the compiled-in defaults from spec.md
// §4.3, grounded on original_source/backend/src/parser/tor_extractor.py's
// TOR_PORTS / TLS_CLIENT_HELLO / TOR_HANDSHAKE_PATTERNS / common_markers.
func DefaultPatternTable() *PatternTable {
	return &PatternTable{
		RelayPorts:           []uint16{9001, 9030, 9050, 9051, 9150},
		DirectoryPort:        9030,
		HandshakeMarker:      []byte{0x16, 0x03},
		HandshakePatterns:    [][]byte{{0x00, 0x00, 0x00}, {0x03, 0x00}},
		ProtocolMarkers:      []string{"HTTP/", "GET ", "POST ", "SSH-", "220 ", "CONNECT"},
		ObfuscationMinLen:    100,
		ObfuscationWindow:    100,
		ObfuscationMinDistinct: 50,
	}
}

// LoadPatternTable reads a YAML override from path and overlays it on
// top of the compiled-in defaults; fields absent from the file keep
// their default value. An empty path returns the defaults unchanged.
func LoadPatternTable(path string) (*PatternTable, error) {
	table := DefaultPatternTable()
	if path == "" {
		return table, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	overlay := &PatternTable{}
	if err := yaml.Unmarshal(raw, overlay); err != nil {
		return nil, err
	}

	applyOverlay(table, overlay)
	return table, nil
}

func applyOverlay(table, overlay *PatternTable) {
	if len(overlay.RelayPorts) > 0 {
		table.RelayPorts = overlay.RelayPorts
	}
	if overlay.DirectoryPort != 0 {
		table.DirectoryPort = overlay.DirectoryPort
	}
	if overlay.HandshakeMarkerHex != "" {
		table.HandshakeMarker = mustHex(overlay.HandshakeMarkerHex)
	}
	if len(overlay.HandshakePatternsHex) > 0 {
		patterns := make([][]byte, 0, len(overlay.HandshakePatternsHex))
		for _, hexPattern := range overlay.HandshakePatternsHex {
			patterns = append(patterns, mustHex(hexPattern))
		}
		table.HandshakePatterns = patterns
	}
	if len(overlay.ProtocolMarkers) > 0 {
		table.ProtocolMarkers = overlay.ProtocolMarkers
	}
	if overlay.ObfuscationMinLen != 0 {
		table.ObfuscationMinLen = overlay.ObfuscationMinLen
	}
	if overlay.ObfuscationWindow != 0 {
		table.ObfuscationWindow = overlay.ObfuscationWindow
	}
	if overlay.ObfuscationMinDistinct != 0 {
		table.ObfuscationMinDistinct = overlay.ObfuscationMinDistinct
	}
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
