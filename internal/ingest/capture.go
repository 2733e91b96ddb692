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

// Package ingest is the pipeline's first stage: it decodes packets
// from a capture source into bounded Flow accumulators and persists
// them to the Store.
package ingest

import (
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"github.com/relaywatch/relaywatch/internal/pipeline"
)

const stageName = "ingest"

// Source produces packets for an Ingestor run. Only an offline capture
// file is supported — live line-rate interface capture is an explicit
// Non-goal (spec.md §1) — trimmed down from the teacher's PcapEngine
// duality in pkg/pcap/pcap.go, which also drove a live interface.
type Source interface {
	Packets() <-chan gopacket.Packet
	Close()
}

type fileSource struct {
	f   *os.File
	src *gopacket.PacketSource
}

// OpenFile opens an offline capture file, legacy pcap or the
// next-generation pcapng framing (spec.md's Ingestor contract). Both
// formats are detected by trying the legacy reader's magic-number sniff
// first and falling back to the pcapng reader on failure; reading
// either is pure-Go via gopacket/pcapgo, so ingesting a capture file
// never requires libpcap or cgo.
func OpenFile(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pipeline.NewError(stageName, "open-file", pipeline.KindInput, err)
	}

	src, err := openPacketSource(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &fileSource{f: f, src: src}, nil
}

// openPacketSource sniffs f for the legacy pcap magic number via
// pcapgo.NewReader, which reads the file header; a capture that isn't
// legacy pcap fails that sniff, so f is rewound to the start and
// retried as pcapng.
func openPacketSource(f *os.File) (*gopacket.PacketSource, error) {
	legacy, legacyErr := pcapgo.NewReader(f)
	if legacyErr == nil {
		return gopacket.NewPacketSource(legacy, legacy.LinkType()), nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, pipeline.NewError(stageName, "open-file", pipeline.KindInput, err)
	}

	ng, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if ngErr != nil {
		return nil, pipeline.NewError(stageName, "open-file", pipeline.KindInput,
			fmt.Errorf("not a recognized pcap or pcapng capture (legacy: %v, pcapng: %v)", legacyErr, ngErr))
	}
	return gopacket.NewPacketSource(ng, ng.LinkType()), nil
}

func (s *fileSource) Packets() <-chan gopacket.Packet { return s.src.Packets() }
func (s *fileSource) Close()                          { _ = s.f.Close() }
