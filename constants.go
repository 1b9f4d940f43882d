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

import "strconv"

// Supported stream format, fixed: stereo 16-bit signed interleaved,
// one chunk submitted per millisecond.
const (
	Channels       = 2
	SubframeSize   = 2
	FrameSize      = Channels * SubframeSize
	ChunkFrequency = 1000
)

// Capacity limits for the bounded tables collected during configuration
// and rate setup. Streaming runs in completion context, so neither table
// may grow.
const (
	MaxSampleRateRanges = 8
	MaxPacketsPerChunk  = 8
)

// Speed is the negotiated operating speed of the device's bus.
type Speed uint8

const (
	SpeedFull Speed = iota
	SpeedHigh
)

var speedDescription = map[Speed]string{
	SpeedFull: "full",
	SpeedHigh: "high",
}

func (s Speed) String() string {
	if d, ok := speedDescription[s]; ok {
		return d
	}
	return strconv.Itoa(int(s))
}

// frameRate returns the number of USB service intervals per second:
// 1 ms frames at full speed, 125 us micro-frames at high speed.
func (s Speed) frameRate() uint32 {
	if s == SpeedFull {
		return 1000
	}
	return 8000
}

// feedbackSize returns the feedback-pipe payload size in bytes:
// Q10.14 at full speed, Q16.16 at high speed.
func (s Speed) feedbackSize() int {
	if s == SpeedFull {
		return 3
	}
	return 4
}

// feedbackFracBits returns the number of fractional bits in a
// feedback-pipe sample.
func (s Speed) feedbackFracBits() uint {
	if s == SpeedFull {
		return 14
	}
	return 16
}

// EndpointDirection is the direction of data flow on an endpoint,
// encoded in bit 7 of the endpoint address.
type EndpointDirection uint8

const (
	endpointNumMask       = 0x0f
	endpointDirectionMask = 0x80

	EndpointDirectionOut EndpointDirection = 0x00
	EndpointDirectionIn  EndpointDirection = 0x80
)

var endpointDirectionDescription = map[EndpointDirection]string{
	EndpointDirectionIn:  "IN",
	EndpointDirectionOut: "OUT",
}

func (ed EndpointDirection) String() string {
	return endpointDirectionDescription[ed]
}

// TransferType is the endpoint's transfer type, encoded in the low two
// bits of bmAttributes.
type TransferType uint8

const (
	TransferTypeControl     TransferType = 0
	TransferTypeIsochronous TransferType = 1
	TransferTypeBulk        TransferType = 2
	TransferTypeInterrupt   TransferType = 3
	transferTypeMask                     = 0x03
)

var transferTypeDescription = map[TransferType]string{
	TransferTypeControl:     "control",
	TransferTypeIsochronous: "isochronous",
	TransferTypeBulk:        "bulk",
	TransferTypeInterrupt:   "interrupt",
}

func (tt TransferType) String() string {
	return transferTypeDescription[tt]
}

// IsoSyncType is the synchronization type of an isochronous endpoint,
// encoded in bits 2..3 of bmAttributes.
type IsoSyncType uint8

const (
	IsoSyncTypeNone     IsoSyncType = 0x00
	IsoSyncTypeAsync    IsoSyncType = 0x04
	IsoSyncTypeAdaptive IsoSyncType = 0x08
	IsoSyncTypeSync     IsoSyncType = 0x0c
	isoSyncTypeMask                 = 0x0c
)

var isoSyncTypeDescription = map[IsoSyncType]string{
	IsoSyncTypeNone:     "unsynchronized",
	IsoSyncTypeAsync:    "asynchronous",
	IsoSyncTypeAdaptive: "adaptive",
	IsoSyncTypeSync:     "synchronous",
}

func (ist IsoSyncType) String() string {
	return isoSyncTypeDescription[ist]
}

// SyncDiscipline selects how the next chunk size is computed. It is
// derived once from the data endpoint's synchronization type during
// configuration and never changes afterwards.
type SyncDiscipline uint8

const (
	// DisciplineStatic keeps the chunk size fixed at the nominal
	// rate*FrameSize/ChunkFrequency until the rate changes.
	DisciplineStatic SyncDiscipline = iota
	// DisciplineSynchronous distributes whole frames over the service
	// intervals of each chunk with a fractional accumulator, without
	// device feedback.
	DisciplineSynchronous
	// DisciplineAsynchronous derives the chunk size from the device's
	// explicit feedback endpoint.
	DisciplineAsynchronous
)

var syncDisciplineDescription = map[SyncDiscipline]string{
	DisciplineStatic:       "static",
	DisciplineSynchronous:  "synchronous",
	DisciplineAsynchronous: "asynchronous",
}

func (sd SyncDiscipline) String() string {
	return syncDisciplineDescription[sd]
}

// Audio interface class/subclass/protocol codes.
const (
	ClassAudio             = 0x01
	SubClassAudioControl   = 0x01
	SubClassAudioStreaming = 0x02

	// bInterfaceProtocol selecting the modern protocol revision.
	ProtocolVersion200 = 0x20
)

// Descriptor types and class-specific interface descriptor subtypes.
const (
	descTypeEndpoint    = 0x05
	descTypeCSInterface = 0x24
	descTypeCSEndpoint  = 0x25

	asSubtypeGeneral    = 0x01
	asSubtypeFormatType = 0x02

	formatTypeI = 0x01
)

// Class-specific request codes. The legacy revision uses the
// SET_/GET_ pairs, the modern revision uses CUR/RANGE.
const (
	reqSetCur = 0x01
	reqGetCur = 0x81
	reqGetMin = 0x82
	reqGetMax = 0x83

	reqCur   = 0x01
	reqRange = 0x02
)

// Control selectors.
const (
	csSamFreqControl = 0x01

	fuMuteControl   = 0x01
	fuVolumeControl = 0x02
)

// bmRequestType fields for class-specific control transfers.
const (
	requestDirIn  = 0x80
	requestDirOut = 0x00

	requestClass = 0x20

	requestToInterface = 0x01
	requestToEndpoint  = 0x02
)

// UnitControl identifies a controllable property of a control-unit
// graph node when querying the paired control device.
type UnitControl uint8

const (
	UnitControlMute UnitControl = iota
	UnitControlVolume
)

var unitControlDescription = map[UnitControl]string{
	UnitControlMute:   "mute",
	UnitControlVolume: "volume",
}

func (uc UnitControl) String() string {
	return unitControlDescription[uc]
}

// UndefinedUnitID marks an unresolved control-unit graph node. Unit ID
// zero is reserved by the audio class and never assigned to a unit.
const UndefinedUnitID = 0
