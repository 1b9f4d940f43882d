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

package sim

import (
	"sort"

	"github.com/uaclass/uastream"
)

// DeviceNumber implements uastream.ControlGraph.
func (d *Device) DeviceNumber() int { return 1 }

// NextStreamIndex implements uastream.ControlGraph.
func (d *Device) NextStreamIndex() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.streamIndex
	d.streamIndex++
	return i
}

// TerminalType implements uastream.ControlGraph.
func (d *Device) TerminalType(terminalLink uint8) uint16 {
	return d.profile.TerminalType
}

// ClockSourceID implements uastream.ControlGraph.
func (d *Device) ClockSourceID(terminalLink uint8) uint8 {
	if !d.profile.Modern {
		return uastream.UndefinedUnitID
	}
	return clockSourceID
}

// FeatureUnitID implements uastream.ControlGraph.
func (d *Device) FeatureUnitID(terminalLink uint8) uint8 {
	if !d.profile.Volume && !d.profile.Mute {
		return uastream.UndefinedUnitID
	}
	return featureUnitID
}

// ControlSupported implements uastream.ControlGraph.
func (d *Device) ControlSupported(unitID, channel uint8, control uastream.UnitControl) bool {
	if unitID != featureUnitID {
		return false
	}
	switch control {
	case uastream.UnitControlMute:
		return d.profile.Mute && channel == 0
	case uastream.UnitControlVolume:
		return d.profile.Volume && channel >= 1 && channel <= 2
	}
	return false
}

// Add implements uastream.Registry.
func (d *Device) Add(name string, dev *uastream.StreamingDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[name] = dev
}

// Remove implements uastream.Registry.
func (d *Device) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.names, name)
}

// Devices lists the registered device names in order.
func (d *Device) Devices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.names))
	for name := range d.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns the streaming interface setting and the raw
// class-specific descriptor block the profile advertises.
func (d *Device) Descriptors() (uastream.InterfaceSetting, []byte) {
	numEndpoints := 1
	if d.profile.SyncType == uastream.IsoSyncTypeAsync {
		numEndpoints = 2
	}
	setting := uastream.InterfaceSetting{
		Number:       1,
		Alternate:    1,
		Class:        uastream.ClassAudio,
		SubClass:     uastream.SubClassAudioStreaming,
		NumEndpoints: numEndpoints,
	}
	if d.profile.Modern {
		setting.Protocol = uastream.ProtocolVersion200
	}

	var raw []byte
	if d.profile.Modern {
		raw = append(raw, modernGeneral(0x01, 2)...)
		raw = append(raw, modernFormatType()...)
	} else {
		raw = append(raw, legacyGeneral(0x01)...)
		raw = append(raw, legacyFormatType(d.profile.Rates)...)
	}

	attr := uint8(0x01)
	switch d.profile.SyncType {
	case uastream.IsoSyncTypeAsync:
		attr |= 0x04
	case uastream.IsoSyncTypeAdaptive:
		attr |= 0x08
	case uastream.IsoSyncTypeSync:
		attr |= 0x0c
	}
	raw = append(raw, endpoint(dataEndpointAddr, attr, d.maxPacketSize(), 1)...)
	if d.profile.SyncType == uastream.IsoSyncTypeAsync {
		raw = append(raw, endpoint(feedbackEndpointAddr, 0x11, 4, 1)...)
	}
	return setting, raw
}

func (d *Device) maxPacketSize() uint16 {
	var max uint32
	for _, r := range d.profile.Rates {
		if r.Max > max {
			max = r.Max
		}
	}
	frames := max / uint32(uastream.ChunkFrequency)
	return uint16((frames + 1) * uastream.FrameSize)
}

func legacyGeneral(terminalLink uint8) []byte {
	return []byte{7, 0x24, 0x01, terminalLink, 0x01, 0x01, 0x00}
}

func legacyFormatType(ranges []uastream.SampleRateRange) []byte {
	continuous := len(ranges) == 1 && ranges[0].Min != ranges[0].Max
	b := []byte{0, 0x24, 0x02, 0x01, uastream.Channels, uastream.SubframeSize, 16, 0}
	if continuous {
		b = append(b, rate24(ranges[0].Min)...)
		b = append(b, rate24(ranges[0].Max)...)
	} else {
		b[7] = uint8(len(ranges))
		for _, r := range ranges {
			b = append(b, rate24(r.Min)...)
		}
	}
	b[0] = uint8(len(b))
	return b
}

func modernGeneral(terminalLink, channels uint8) []byte {
	return []byte{16, 0x24, 0x01, terminalLink, 0x00, 0x01, 0x01, 0x00, 0x00, 0x00, channels, 0x00, 0x00, 0x00, 0x00, 0x00}
}

func modernFormatType() []byte {
	return []byte{6, 0x24, 0x02, 0x01, uastream.FrameSize / uastream.Channels, 16}
}

func endpoint(addr, attr uint8, maxPacket uint16, interval uint8) []byte {
	return []byte{9, 0x05, addr, attr, uint8(maxPacket), uint8(maxPacket >> 8), interval, 0x00, 0x00}
}

func rate24(rate uint32) []byte {
	return []byte{uint8(rate), uint8(rate >> 8), uint8(rate >> 16)}
}
