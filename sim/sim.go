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

// Package sim provides a software USB Audio Class device implementing
// the uastream collaborator interfaces. It answers the class-specific
// control requests of both protocol revisions from a declarative
// profile, completes isochronous submissions from a pump goroutine and
// synthesizes feedback samples with a configurable clock skew, so the
// streaming driver can be exercised end to end without hardware.
package sim

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/uaclass/uastream"
)

var (
	_ uastream.HostController = (*Device)(nil)
	_ uastream.ControlGraph   = (*Device)(nil)
	_ uastream.Registry       = (*Device)(nil)
)

// Unit IDs of the simulated control-unit graph.
const (
	clockSourceID = 0x10
	featureUnitID = 0x20
)

// Endpoint addresses of the simulated streaming interface.
const (
	dataEndpointAddr     = 0x01
	feedbackEndpointAddr = 0x81
)

// Profile declares the simulated device's capabilities.
type Profile struct {
	// Modern selects the modern protocol revision.
	Modern bool
	// HighSpeed selects high-speed operation (125 us micro-frames).
	HighSpeed bool
	// SyncType is the data endpoint's synchronization type. Devices
	// with IsoSyncTypeAsync expose a feedback endpoint.
	SyncType uastream.IsoSyncType
	// Rates lists the supported sample-rate sub-ranges.
	Rates []uastream.SampleRateRange
	// TerminalType is the output terminal's type code.
	TerminalType uint16
	// VolumeMin and VolumeMax bound the volume control in 1/256 dB
	// steps; Volume false hides the control entirely.
	VolumeMin, VolumeMax int16
	Volume               bool
	Mute                 bool
	// DriftPPM skews the feedback rate relative to the nominal sample
	// rate, in parts per million. Positive drift makes the device
	// consume faster than nominal.
	DriftPPM int
}

// Speakers is a typical modern high-speed stereo output with an
// asynchronous feedback endpoint.
func Speakers() Profile {
	return Profile{
		Modern:       true,
		HighSpeed:    true,
		SyncType:     uastream.IsoSyncTypeAsync,
		TerminalType: 0x0301,
		Rates: []uastream.SampleRateRange{
			{Min: 44100, Max: 44100},
			{Min: 48000, Max: 48000},
			{Min: 32000, Max: 96000, Resolution: 1},
		},
		VolumeMin: -100 * 256,
		VolumeMax: 0,
		Volume:    true,
		Mute:      true,
	}
}

// Device is a simulated audio streaming device. It implements
// uastream.HostController, uastream.ControlGraph and uastream.Registry.
type Device struct {
	logger  log.Logger
	profile Profile

	mu          sync.Mutex
	rate        uint32
	volume      [2]int16
	muted       bool
	streamIndex int
	names       map[string]*uastream.StreamingDevice

	submissions chan *uastream.IsoRequest
	stop        chan struct{}
	grp         *errgroup.Group
}

// NewDevice returns a simulated device for the profile. Call Run to
// start its completion pump before submitting transfers.
func NewDevice(p Profile, logger log.Logger) *Device {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Device{
		logger:      logger,
		profile:     p,
		names:       make(map[string]*uastream.StreamingDevice),
		submissions: make(chan *uastream.IsoRequest, 64),
		stop:        make(chan struct{}),
	}
}

// Run starts the completion pump. Submitted transfers complete in
// submission order per endpoint, but the data and feedback pipes are
// independent, matching real transport behavior. Run returns
// immediately; Close waits for the pump to drain.
func (d *Device) Run(ctx context.Context) {
	grp, ctx := errgroup.WithContext(ctx)
	d.grp = grp
	grp.Go(func() error {
		for {
			select {
			case req := <-d.submissions:
				d.completeRequest(req)
			case <-ctx.Done():
				return ctx.Err()
			case <-d.stop:
				for {
					select {
					case req := <-d.submissions:
						d.completeRequest(req)
					default:
						return nil
					}
				}
			}
		}
	})
}

// Close stops the completion pump after the queue is drained.
func (d *Device) Close() error {
	close(d.stop)
	if d.grp == nil {
		return nil
	}
	err := d.grp.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Speed implements uastream.HostController.
func (d *Device) Speed() uastream.Speed {
	if d.profile.HighSpeed {
		return uastream.SpeedHigh
	}
	return uastream.SpeedFull
}

// SubmitIso implements uastream.HostController. It parks the request
// for the completion pump.
func (d *Device) SubmitIso(req *uastream.IsoRequest) error {
	select {
	case d.submissions <- req:
		return nil
	default:
		return errors.New("isochronous schedule is full")
	}
}

func (d *Device) completeRequest(req *uastream.IsoRequest) {
	if req.Endpoint.Desc.Address == feedbackEndpointAddr {
		n := len(req.Buffer)
		sample := d.feedbackSample()
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], sample)
		copy(req.Buffer, b[:n])
		req.Complete(n, uastream.TransferCompleted)
		return
	}
	total := 0
	for _, p := range req.Packets {
		total += p
	}
	req.Complete(total, uastream.TransferCompleted)
}

// feedbackSample returns the device's consumption rate in frames per
// millisecond, in the fixed-point format of the negotiated speed,
// skewed by the profile's drift.
func (d *Device) feedbackSample() uint32 {
	d.mu.Lock()
	rate := d.rate
	d.mu.Unlock()
	if rate == 0 {
		return 0
	}

	fracBits := uint(14)
	if d.profile.HighSpeed {
		fracBits = 16
	}
	skewed := uint64(rate) * uint64(1e6+d.profile.DriftPPM) / 1e6
	return uint32(skewed << fracBits / uint64(uastream.ChunkFrequency))
}

// Control implements uastream.HostController, answering the
// class-specific request tables of both protocol revisions.
func (d *Device) Control(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	selector := uint8(value >> 8)
	channel := uint8(value)

	if requestType&0x80 == 0 {
		return d.controlOut(request, selector, channel, index, data)
	}
	return d.controlIn(request, selector, channel, data)
}

func (d *Device) controlOut(request, selector, channel uint8, index uint16, data []byte) (int, error) {
	if request != 0x01 { // SET_CUR and CUR share the code
		return 0, errors.Newf("unsupported OUT request %#x", request)
	}
	switch selector {
	case 0x01: // sampling frequency or mute, disambiguated by target
		if uint8(index>>8) == featureUnitID {
			return d.setMute(data)
		}
		return d.setRate(data)
	case 0x02: // volume
		return d.setVolume(channel, data)
	}
	return 0, errors.Newf("unsupported control selector %#x", selector)
}

func (d *Device) setRate(data []byte) (int, error) {
	var rate uint32
	switch len(data) {
	case 3:
		rate = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
	case 4:
		rate = binary.LittleEndian.Uint32(data)
	default:
		return 0, errors.Newf("sample rate payload is %d bytes", len(data))
	}
	for _, r := range d.profile.Rates {
		if r.Min <= rate && rate <= r.Max {
			d.mu.Lock()
			d.rate = rate
			d.mu.Unlock()
			level.Debug(d.logger).Log("msg", "sample rate selected", "rate_hz", rate)
			return len(data), nil
		}
	}
	return 0, errors.Newf("sample rate %d Hz not supported", rate)
}

func (d *Device) setMute(data []byte) (int, error) {
	if !d.profile.Mute {
		return 0, errors.New("mute control stalled")
	}
	if len(data) != 1 {
		return 0, errors.Newf("mute payload is %d bytes", len(data))
	}
	d.mu.Lock()
	d.muted = data[0] != 0
	d.mu.Unlock()
	return 1, nil
}

func (d *Device) setVolume(channel uint8, data []byte) (int, error) {
	if !d.profile.Volume {
		return 0, errors.New("volume control stalled")
	}
	if channel < 1 || channel > 2 || len(data) != 2 {
		return 0, errors.Newf("bad volume request (channel %d, %d bytes)", channel, len(data))
	}
	d.mu.Lock()
	d.volume[channel-1] = int16(binary.LittleEndian.Uint16(data))
	d.mu.Unlock()
	return 2, nil
}

func (d *Device) controlIn(request, selector, channel uint8, data []byte) (int, error) {
	switch request {
	case 0x82: // GET_MIN
		binary.LittleEndian.PutUint16(data, uint16(d.profile.VolumeMin))
		return 2, nil
	case 0x83: // GET_MAX
		binary.LittleEndian.PutUint16(data, uint16(d.profile.VolumeMax))
		return 2, nil
	case 0x02: // RANGE
		return d.controlRange(selector, data)
	}
	return 0, errors.Newf("unsupported IN request %#x", request)
}

func (d *Device) controlRange(selector uint8, data []byte) (int, error) {
	switch selector {
	case 0x01: // sampling frequency
		if len(data) == 2 {
			binary.LittleEndian.PutUint16(data, uint16(len(d.profile.Rates)))
			return 2, nil
		}
		binary.LittleEndian.PutUint16(data[0:2], uint16(len(d.profile.Rates)))
		for i, r := range d.profile.Rates {
			entry := data[2+12*i:]
			binary.LittleEndian.PutUint32(entry, r.Min)
			binary.LittleEndian.PutUint32(entry[4:], r.Max)
			binary.LittleEndian.PutUint32(entry[8:], r.Resolution)
		}
		return len(data), nil
	case 0x02: // volume
		binary.LittleEndian.PutUint16(data[0:2], 1)
		binary.LittleEndian.PutUint16(data[2:4], uint16(d.profile.VolumeMin))
		binary.LittleEndian.PutUint16(data[4:6], uint16(d.profile.VolumeMax))
		binary.LittleEndian.PutUint16(data[6:8], 256)
		return len(data), nil
	}
	return 0, errors.Newf("unsupported RANGE selector %#x", selector)
}

// Rate returns the sample rate the device was set to.
func (d *Device) Rate() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rate
}

// Volume returns the last volume written for the channel, in 1/256 dB.
func (d *Device) Volume(channel int) int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume[channel]
}

// Muted reports the device's mute state.
func (d *Device) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}
