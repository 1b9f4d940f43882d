// Copyright 2024 the uastream Authors.  All rights reserved.
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

package uastream

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

// Descriptor structs based on the USB Audio Class specs, revisions 1.00
// (sections 4.5.2, 4.6.1.1) and 2.00 (sections 4.9.2, 4.9.3).

// descriptorSet is a sequential cursor over the raw descriptor bytes of
// one interface alternate setting. Each call to next advances past the
// returned descriptor, mirroring the layout of the configuration
// descriptor the bytes were cut from.
type descriptorSet struct {
	raw []byte
	off int
}

// next returns the next descriptor of the wanted type including its
// two-byte header, or nil when no further descriptor of that type
// exists. A malformed length prefix terminates the walk.
func (s *descriptorSet) next(descType uint8) []byte {
	for s.off < len(s.raw) {
		rest := s.raw[s.off:]
		dLen := int(rest[0])
		if dLen < 2 || dLen > len(rest) {
			return nil
		}
		s.off += dLen
		if rest[1] == descType {
			return rest[:dLen]
		}
	}
	return nil
}

// rate24 decodes a 3-byte little-endian sample rate field.
func rate24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// asGeneralDesc is the decoded class-specific AS_GENERAL interface
// descriptor. Only the fields this driver consumes are kept.
type asGeneralDesc struct {
	TerminalLink uint8
	// NrChannels is only present in the modern revision; the legacy
	// revision reports the channel count in the format-type descriptor.
	NrChannels uint8
}

const (
	uac1GeneralDescLen = 7
	uac2GeneralDescLen = 16
)

func parseASGeneral(buf []byte, v2 bool) (asGeneralDesc, error) {
	var d asGeneralDesc
	want := uac1GeneralDescLen
	if v2 {
		want = uac2GeneralDescLen
	}
	if len(buf) < want {
		return d, errors.Newf("AS_GENERAL descriptor is %d bytes, want at least %d", len(buf), want)
	}
	d.TerminalLink = buf[3]
	if v2 {
		d.NrChannels = buf[10]
	}
	return d, nil
}

// formatTypeDesc is the decoded class-specific FORMAT_TYPE interface
// descriptor for type I formats.
type formatTypeDesc struct {
	FormatType    uint8
	NrChannels    uint8 // legacy revision only
	SubframeSize  uint8
	BitResolution uint8

	// Legacy revision only: zero SamFreqType encodes one continuous
	// min..max range in Rates[0..1], a non-zero value is the number of
	// discrete rates listed in Rates.
	SamFreqType uint8
	Rates       []uint32
}

const (
	uac1FormatTypeDescLen = 8
	uac2FormatTypeDescLen = 6
)

func parseFormatType(buf []byte, v2 bool) (formatTypeDesc, error) {
	var d formatTypeDesc
	if v2 {
		if len(buf) < uac2FormatTypeDescLen {
			return d, errors.Newf("FORMAT_TYPE descriptor is %d bytes, want at least %d", len(buf), uac2FormatTypeDescLen)
		}
		d.FormatType = buf[3]
		d.SubframeSize = buf[4]
		d.BitResolution = buf[5]
		return d, nil
	}

	if len(buf) < uac1FormatTypeDescLen {
		return d, errors.Newf("FORMAT_TYPE descriptor is %d bytes, want at least %d", len(buf), uac1FormatTypeDescLen)
	}
	d.FormatType = buf[3]
	d.NrChannels = buf[4]
	d.SubframeSize = buf[5]
	d.BitResolution = buf[6]
	d.SamFreqType = buf[7]

	nRates := int(d.SamFreqType)
	if nRates == 0 {
		// continuous range, lower and upper bound
		nRates = 2
	}
	if len(buf) < uac1FormatTypeDescLen+3*nRates {
		return d, errors.Newf("FORMAT_TYPE descriptor truncated, %d rate entries don't fit in %d bytes", nRates, len(buf))
	}
	for i := 0; i < nRates; i++ {
		d.Rates = append(d.Rates, rate24(buf[uac1FormatTypeDescLen+3*i:]))
	}
	return d, nil
}

// EndpointDesc contains the information about an endpoint extracted
// from its descriptor.
type EndpointDesc struct {
	// Address is the endpoint address, including the direction bit.
	Address uint8
	// Number is the endpoint number without the direction bit.
	Number uint8
	// Direction defines whether the data is flowing in or out of the device.
	Direction EndpointDirection
	// TransferType is the endpoint transfer type.
	TransferType TransferType
	// IsoSyncType is the synchronization type for isochronous endpoints.
	IsoSyncType IsoSyncType
	// MaxPacketSize is the maximum USB packet size for one service interval.
	MaxPacketSize int
	// Interval is the raw bInterval servicing cadence selector.
	Interval uint8
}

const endpointDescLen = 7

func parseEndpointDesc(buf []byte) (EndpointDesc, error) {
	var d EndpointDesc
	if len(buf) < endpointDescLen {
		return d, errors.Newf("endpoint descriptor is %d bytes, want at least %d", len(buf), endpointDescLen)
	}
	d.Address = buf[2]
	d.Number = buf[2] & endpointNumMask
	d.Direction = EndpointDirection(buf[2] & endpointDirectionMask)
	d.TransferType = TransferType(buf[3] & transferTypeMask)
	d.IsoSyncType = IsoSyncType(buf[3] & isoSyncTypeMask)
	d.MaxPacketSize = int(binary.LittleEndian.Uint16(buf[4:6]))
	d.Interval = buf[6]
	return d, nil
}

// isFeedbackEndpoint reports whether the descriptor describes an
// isochronous feedback endpoint (transfer type and usage type bits of
// bmAttributes set to 010001b).
func isFeedbackEndpoint(buf []byte) bool {
	return len(buf) >= 4 && buf[3]&0x3f == 0x11
}
