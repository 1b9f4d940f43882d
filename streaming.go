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

// Package uastream drives the streaming interface of a USB Audio Class
// device: it negotiates the class-specific descriptors of an
// isochronous audio OUT endpoint, discovers the device's capabilities
// through the paired audio-control function, and keeps the endpoint fed
// with correctly sized chunks while compensating for clock drift
// between host and device.
//
// The package does not talk to hardware itself. USB topology
// enumeration, control transfers and asynchronous isochronous
// submission are consumed through the HostController interface, and the
// control-unit graph of the paired control function through
// ControlGraph.
package uastream

import (
	"fmt"
	"sync/atomic"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const deviceNamePattern = "streamdevice%d-%d"

// InterfaceSetting describes the interface alternate setting a
// streaming endpoint is being configured from.
type InterfaceSetting struct {
	// Number is the interface number.
	Number int
	// Alternate is the alternate setting number.
	Alternate int
	// Class, SubClass and Protocol are the interface class codes. The
	// protocol code selects the audio class revision.
	Class    uint8
	SubClass uint8
	Protocol uint8
	// NumEndpoints is the endpoint count of this alternate setting.
	NumEndpoints int
}

// SampleRateRange is one supported sample-rate sub-range in Hz. Min ==
// Max encodes a single discrete rate, Min < Max a continuous sub-range
// with the given resolution. Resolution is unused in the legacy
// protocol revision.
type SampleRateRange struct {
	Min        uint32
	Max        uint32
	Resolution uint32
}

// String returns the range in the form "min-max/res" or, for a discrete
// rate, just the rate.
func (r SampleRateRange) String() string {
	if r.Min != r.Max {
		return fmt.Sprintf("%d-%d/%d", r.Min, r.Max, r.Resolution)
	}
	return fmt.Sprintf("%d", r.Min)
}

// DeviceCapabilities is the immutable capability snapshot collected
// during configuration.
type DeviceCapabilities struct {
	// TerminalType is the audio-class terminal type code of the
	// terminal this stream feeds.
	TerminalType uint16

	// SampleRateRanges holds the first NumSampleRateRanges discovered
	// sub-ranges.
	NumSampleRateRanges int
	SampleRateRanges    [MaxSampleRateRanges]SampleRateRange

	// MinVolume and MaxVolume bound the volume control in 1/256 dB
	// steps. Only meaningful with VolumeSupported.
	MinVolume int16
	MaxVolume int16

	VolumeSupported bool
	MuteSupported   bool
}

// StreamStats counts streaming activity since configuration.
type StreamStats struct {
	// Chunks and Bytes count successfully submitted data transfers.
	Chunks uint64
	Bytes  uint64
	// FeedbackUpdates counts feedback samples folded into the clock
	// synchronizer.
	FeedbackUpdates uint64
}

// StreamingDevice is a logical audio streaming output device bound to
// one isochronous data OUT endpoint. A zero StreamingDevice is not
// usable; construct one with NewStreamingDevice and call Configure
// before any other method.
type StreamingDevice struct {
	host     HostController
	graph    ControlGraph
	registry Registry
	logger   log.Logger

	// v2 is true for the modern protocol revision, detected once from
	// the interface protocol code.
	v2    bool
	speed Speed

	dataEP *Endpoint
	// syncEP is the feedback endpoint; nil unless the data endpoint
	// uses asynchronous synchronization.
	syncEP *Endpoint

	discipline SyncDiscipline

	caps          DeviceCapabilities
	clockSourceID uint8
	featureUnitID uint8
	legacyFmt     legacyFormat

	name  string
	state streamState

	chunksSubmitted atomic.Uint64
	bytesSubmitted  atomic.Uint64
	feedbackUpdates atomic.Uint64
}

// An Option configures a StreamingDevice.
type Option func(*StreamingDevice)

// WithLogger sets the logger used for configuration and discovery
// diagnostics. The default discards all output.
func WithLogger(l log.Logger) Option {
	return func(d *StreamingDevice) { d.logger = l }
}

// WithRegistry sets the device-name registry the configured endpoint
// registers itself with.
func WithRegistry(r Registry) Option {
	return func(d *StreamingDevice) { d.registry = r }
}

// NewStreamingDevice returns an unconfigured streaming device on the
// given host-controller transport, paired with the control-unit graph
// of its audio function.
func NewStreamingDevice(host HostController, graph ControlGraph, opts ...Option) *StreamingDevice {
	d := &StreamingDevice{
		host:   host,
		graph:  graph,
		logger: log.NewNopLogger(),
		speed:  host.Speed(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Configure validates the interface's class-specific and endpoint
// descriptors against the fixed stereo 16-bit output format, constructs
// the endpoint handles, discovers the device capabilities through the
// control graph and registers the device name. raw holds the descriptor
// bytes following the alternate setting's interface descriptor.
//
// A failed Configure leaves the device unusable but has no effect
// beyond the returned error; the device simply does not appear.
func (d *StreamingDevice) Configure(setting InterfaceSetting, raw []byte) error {
	if err := d.configure(setting, raw); err != nil {
		level.Warn(d.logger).Log("msg", "configuration failed", "err", err)
		return err
	}
	return nil
}

func (d *StreamingDevice) configure(setting InterfaceSetting, raw []byte) error {
	if setting.NumEndpoints < 1 {
		// no-endpoint alternate settings carry no stream
		return errors.New("interface has no endpoints")
	}
	if setting.Class != ClassAudio || setting.SubClass != SubClassAudioStreaming {
		return errors.Newf("not an audio streaming interface (class %d/%d)", setting.Class, setting.SubClass)
	}

	d.v2 = setting.Protocol == ProtocolVersion200

	descs := descriptorSet{raw: raw}

	// next only guarantees the two-byte header; descriptors too short
	// to carry a subtype cannot match
	genBuf := descs.next(descTypeCSInterface)
	for genBuf != nil && (len(genBuf) < 3 || genBuf[2] != asSubtypeGeneral) {
		genBuf = descs.next(descTypeCSInterface)
	}
	if genBuf == nil {
		return errors.New("AS_GENERAL descriptor expected")
	}
	general, err := parseASGeneral(genBuf, d.v2)
	if err != nil {
		return err
	}

	fmtBuf := descs.next(descTypeCSInterface)
	if fmtBuf == nil || len(fmtBuf) < 3 || fmtBuf[2] != asSubtypeFormatType {
		return errors.New("FORMAT_TYPE descriptor expected")
	}
	format, err := parseFormatType(fmtBuf, d.v2)
	if err != nil {
		return err
	}
	if !d.v2 {
		d.legacyFmt = legacyFormat{samFreqType: format.SamFreqType, rates: format.Rates}
	}

	epBuf := descs.next(descTypeEndpoint)
	if epBuf == nil {
		return errors.New("endpoint descriptor expected")
	}
	epDesc, err := parseEndpointDesc(epBuf)
	if err != nil {
		return err
	}
	if epDesc.TransferType != TransferTypeIsochronous || epDesc.Direction != EndpointDirectionOut {
		return errors.Newf("isochronous data output endpoint expected, got %s %s", epDesc.Direction, epDesc.TransferType)
	}
	if epDesc.Interval != 1 {
		return errors.Newf("unsupported endpoint timing (bInterval %d)", epDesc.Interval)
	}

	if err := d.checkFormat(general, format); err != nil {
		return err
	}

	if epDesc.IsoSyncType == IsoSyncTypeAsync {
		inBuf := descs.next(descTypeEndpoint)
		if inBuf == nil || !isFeedbackEndpoint(inBuf) {
			return errors.New("isochronous feedback input endpoint expected")
		}
		inDesc, err := parseEndpointDesc(inBuf)
		if err != nil {
			return err
		}
		if inDesc.Direction != EndpointDirectionIn {
			return errors.New("feedback endpoint must be an input endpoint")
		}
		d.syncEP = &Endpoint{Desc: inDesc}
	}

	switch {
	case d.syncEP != nil:
		d.discipline = DisciplineAsynchronous
	case epDesc.IsoSyncType == IsoSyncTypeSync:
		d.discipline = DisciplineSynchronous
	default:
		d.discipline = DisciplineStatic
	}

	d.dataEP = &Endpoint{Desc: epDesc}

	if err := d.discoverCapabilities(general); err != nil {
		d.dataEP = nil
		d.syncEP = nil
		return err
	}

	d.name = fmt.Sprintf(deviceNamePattern, d.graph.DeviceNumber(), d.graph.NextStreamIndex())
	if d.registry != nil {
		d.registry.Add(d.name, d)
	}
	d.logger = log.With(d.logger, "device", d.name)

	level.Info(d.logger).Log(
		"msg", "streaming endpoint configured",
		"terminal_type", fmt.Sprintf("%#x", d.caps.TerminalType),
		"sample_rates_hz", d.sampleRatesSummary(),
		"sync", d.discipline,
	)

	return nil
}

// checkFormat validates the format-type descriptor against the fixed
// output format. The two revisions spread the channel count over
// different descriptors.
func (d *StreamingDevice) checkFormat(general asGeneralDesc, format formatTypeDesc) error {
	if !d.v2 {
		if format.FormatType != formatTypeI ||
			format.NrChannels != Channels ||
			format.SubframeSize != SubframeSize ||
			format.BitResolution != SubframeSize*8 {
			return errors.Newf("invalid output format (type %d, %d channels, %d bytes, %d bits)",
				format.FormatType, format.NrChannels, format.SubframeSize, format.BitResolution)
		}
		return nil
	}
	if format.FormatType != formatTypeI ||
		format.SubframeSize != SubframeSize ||
		format.BitResolution != SubframeSize*8 ||
		general.NrChannels != Channels {
		return errors.Newf("invalid output format (type %d, %d channels, %d bytes, %d bits)",
			format.FormatType, general.NrChannels, format.SubframeSize, format.BitResolution)
	}
	return nil
}

func (d *StreamingDevice) sampleRatesSummary() string {
	var s string
	for i := 0; i < d.caps.NumSampleRateRanges; i++ {
		if i > 0 {
			s += ", "
		}
		s += d.caps.SampleRateRanges[i].String()
	}
	return s
}

// Name returns the registered device name. It is empty until Configure
// succeeds.
func (d *StreamingDevice) Name() string {
	return d.name
}

// Discipline returns the synchronization discipline selected during
// configuration.
func (d *StreamingDevice) Discipline() SyncDiscipline {
	return d.discipline
}

// ChunkSizeBytes returns the byte size the next chunk should have. The
// producer should call this before filling each chunk buffer, since the
// size moves with clock drift under the adaptive disciplines.
func (d *StreamingDevice) ChunkSizeBytes() int {
	d.state.mu.lock()
	n := d.state.chunkBytes
	d.state.mu.unlock()
	return int(n)
}

// Stats returns activity counters since configuration.
func (d *StreamingDevice) Stats() StreamStats {
	return StreamStats{
		Chunks:          d.chunksSubmitted.Load(),
		Bytes:           d.bytesSubmitted.Load(),
		FeedbackUpdates: d.feedbackUpdates.Load(),
	}
}

// Close tears the logical device down: it removes the registry name and
// drops the endpoint handles. The transport must have drained all
// outstanding transfers for the endpoints before Close is called.
func (d *StreamingDevice) Close() error {
	if d.name != "" && d.registry != nil {
		d.registry.Remove(d.name)
	}
	d.name = ""
	d.dataEP = nil
	d.syncEP = nil
	return nil
}
