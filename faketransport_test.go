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
	"sync"
)

// controlCall records one control transfer issued to the fake host.
type controlCall struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	data        []byte
}

// fakeHost implements a fake host-controller transport. Control
// transfers are answered by the script installed in onControl (or
// acknowledged verbatim when none is installed) and recorded in
// controls. Isochronous submissions are parked in submitted; tests
// drive their completion explicitly, in any order, via complete().
type fakeHost struct {
	mu       sync.Mutex
	speed    Speed
	controls []controlCall
	// onControl, when set, scripts the response to control transfers.
	onControl func(requestType, request uint8, value, index uint16, data []byte) (int, error)
	// submitted holds iso requests in submission order.
	submitted []*IsoRequest
	// submitErr, when set, fails the next SubmitIso.
	submitErr error
}

func newFakeHost(speed Speed) *fakeHost {
	return &fakeHost{speed: speed}
}

func (f *fakeHost) Speed() Speed { return f.speed }

func (f *fakeHost) Control(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	f.mu.Lock()
	rec := controlCall{requestType, request, value, index, append([]byte(nil), data...)}
	f.controls = append(f.controls, rec)
	script := f.onControl
	f.mu.Unlock()
	if script != nil {
		return script(requestType, request, value, index, data)
	}
	return len(data), nil
}

func (f *fakeHost) SubmitIso(req *IsoRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		err := f.submitErr
		f.submitErr = nil
		return err
	}
	f.submitted = append(f.submitted, req)
	return nil
}

// pop removes and returns the oldest submitted iso request, nil when
// none is pending.
func (f *fakeHost) pop() *IsoRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitted) == 0 {
		return nil
	}
	req := f.submitted[0]
	f.submitted = f.submitted[1:]
	return req
}

// pending returns the number of iso requests not yet completed.
func (f *fakeHost) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// complete pops the oldest submitted request and reports it finished.
func (f *fakeHost) complete(n int, status TransferStatus) bool {
	req := f.pop()
	if req == nil {
		return false
	}
	req.Complete(n, status)
	return true
}

// lastControl returns the most recent control transfer, if any.
func (f *fakeHost) lastControl() (controlCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.controls) == 0 {
		return controlCall{}, false
	}
	return f.controls[len(f.controls)-1], true
}

func (f *fakeHost) controlCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.controls)
}

// fakeGraph implements the paired control device's unit graph with
// canned answers.
type fakeGraph struct {
	deviceNumber int
	streamIndex  int

	terminalType  uint16
	clockSourceID uint8
	featureUnitID uint8
	// supported maps unit/channel/control to support; missing entries
	// report unsupported.
	supported map[[2]uint8]map[UnitControl]bool
}

func (g *fakeGraph) DeviceNumber() int { return g.deviceNumber }
func (g *fakeGraph) NextStreamIndex() int {
	n := g.streamIndex
	g.streamIndex++
	return n
}
func (g *fakeGraph) TerminalType(uint8) uint16 { return g.terminalType }
func (g *fakeGraph) ClockSourceID(uint8) uint8 { return g.clockSourceID }
func (g *fakeGraph) FeatureUnitID(uint8) uint8 { return g.featureUnitID }
func (g *fakeGraph) ControlSupported(unitID, channel uint8, control UnitControl) bool {
	return g.supported[[2]uint8{unitID, channel}][control]
}

// volumeOnBothChannels marks volume as controllable on channels 1 and 2
// and mute on the master channel of the given unit.
func (g *fakeGraph) volumeOnBothChannels(unitID uint8, mute bool) {
	g.supported = map[[2]uint8]map[UnitControl]bool{
		{unitID, 0}: {UnitControlMute: mute},
		{unitID, 1}: {UnitControlVolume: true},
		{unitID, 2}: {UnitControlVolume: true},
	}
}

// fakeRegistry records Add/Remove calls.
type fakeRegistry struct {
	mu    sync.Mutex
	names map[string]*StreamingDevice
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{names: make(map[string]*StreamingDevice)}
}

func (r *fakeRegistry) Add(name string, dev *StreamingDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[name] = dev
}

func (r *fakeRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.names, name)
}

func (r *fakeRegistry) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.names[name]
	return ok
}

// Descriptor builders for the fake device's streaming interface.

func rate24Bytes(rate uint32) []byte {
	return []byte{byte(rate), byte(rate >> 8), byte(rate >> 16)}
}

func uac1General(terminalLink uint8) []byte {
	return []byte{7, descTypeCSInterface, asSubtypeGeneral, terminalLink, 1, 0x01, 0x00}
}

func uac1FormatType(channels, subframe, bits uint8, samFreqType uint8, rates ...uint32) []byte {
	d := []byte{0, descTypeCSInterface, asSubtypeFormatType, formatTypeI, channels, subframe, bits, samFreqType}
	for _, r := range rates {
		d = append(d, rate24Bytes(r)...)
	}
	d[0] = byte(len(d))
	return d
}

func uac2General(terminalLink, channels uint8) []byte {
	d := make([]byte, uac2GeneralDescLen)
	d[0] = uac2GeneralDescLen
	d[1] = descTypeCSInterface
	d[2] = asSubtypeGeneral
	d[3] = terminalLink
	d[5] = formatTypeI
	d[6] = 0x01 // PCM
	d[10] = channels
	return d
}

func uac2FormatType(subslot, bits uint8) []byte {
	return []byte{uac2FormatTypeDescLen, descTypeCSInterface, asSubtypeFormatType, formatTypeI, subslot, bits}
}

func endpointBytes(addr, attr uint8, maxPacket uint16, interval uint8) []byte {
	d := []byte{9, descTypeEndpoint, addr, attr, 0, 0, interval, 0, 0}
	binary.LittleEndian.PutUint16(d[4:6], maxPacket)
	return d
}

func concat(descs ...[]byte) []byte {
	var raw []byte
	for _, d := range descs {
		raw = append(raw, d...)
	}
	return raw
}

// Common interface settings.

func streamingSetting(v2 bool, numEndpoints int) InterfaceSetting {
	s := InterfaceSetting{
		Number:       1,
		Alternate:    1,
		Class:        ClassAudio,
		SubClass:     SubClassAudioStreaming,
		NumEndpoints: numEndpoints,
	}
	if v2 {
		s.Protocol = ProtocolVersion200
	}
	return s
}

// legacyDiscreteDescriptors is a full-speed legacy interface with two
// discrete rates and adaptive (static treatment) sync.
func legacyDiscreteDescriptors(rates ...uint32) []byte {
	return concat(
		uac1General(3),
		uac1FormatType(Channels, SubframeSize, 16, uint8(len(rates)), rates...),
		endpointBytes(0x01, 0x09, 512, 1), // iso, adaptive, OUT
	)
}

// legacyContinuousDescriptors is a legacy interface with one continuous
// rate range and no drift compensation.
func legacyContinuousDescriptors(min, max uint32) []byte {
	return concat(
		uac1General(3),
		uac1FormatType(Channels, SubframeSize, 16, 0, min, max),
		endpointBytes(0x01, 0x09, 512, 1),
	)
}

// modernAsyncDescriptors is a modern interface with an asynchronous
// data endpoint and its feedback companion.
func modernAsyncDescriptors() []byte {
	return concat(
		uac2General(3, Channels),
		uac2FormatType(SubframeSize, 16),
		endpointBytes(0x01, 0x05, 1024, 1), // iso, async, OUT
		endpointBytes(0x81, 0x11, 4, 1),    // iso feedback, IN
	)
}

// legacySynchronousDescriptors is a legacy interface whose endpoint
// uses the computed (synchronous) discipline.
func legacySynchronousDescriptors(rates ...uint32) []byte {
	return concat(
		uac1General(3),
		uac1FormatType(Channels, SubframeSize, 16, uint8(len(rates)), rates...),
		endpointBytes(0x01, 0x0d, 512, 1), // iso, synchronous, OUT
	)
}

// modernControlScript answers the modern revision's discovery control
// exchange for the given clock ranges and volume range.
func modernControlScript(ranges []SampleRateRange, volCount uint16, volMin, volMax int16) func(uint8, uint8, uint16, uint16, []byte) (int, error) {
	return func(requestType, request uint8, value, index uint16, data []byte) (int, error) {
		if requestType != requestDirIn|requestClass|requestToInterface || request != reqRange {
			return len(data), nil
		}
		switch value >> 8 {
		case csSamFreqControl:
			if len(data) == 2 {
				binary.LittleEndian.PutUint16(data, uint16(len(ranges)))
				return 2, nil
			}
			binary.LittleEndian.PutUint16(data[0:2], uint16(len(ranges)))
			for i, r := range ranges {
				entry := data[2+12*i:]
				binary.LittleEndian.PutUint32(entry, r.Min)
				binary.LittleEndian.PutUint32(entry[4:], r.Max)
				binary.LittleEndian.PutUint32(entry[8:], r.Resolution)
			}
			return len(data), nil
		case fuVolumeControl:
			binary.LittleEndian.PutUint16(data[0:2], volCount)
			binary.LittleEndian.PutUint16(data[2:4], uint16(volMin))
			binary.LittleEndian.PutUint16(data[4:6], uint16(volMax))
			return len(data), nil
		}
		return len(data), nil
	}
}

// legacyVolumeScript answers the legacy GET_MIN/GET_MAX volume queries.
func legacyVolumeScript(volMin, volMax int16) func(uint8, uint8, uint16, uint16, []byte) (int, error) {
	return func(requestType, request uint8, value, index uint16, data []byte) (int, error) {
		if requestType != requestDirIn|requestClass|requestToInterface {
			return len(data), nil
		}
		switch request {
		case reqGetMin:
			binary.LittleEndian.PutUint16(data, uint16(volMin))
		case reqGetMax:
			binary.LittleEndian.PutUint16(data, uint16(volMax))
		}
		return len(data), nil
	}
}
