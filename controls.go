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
	"github.com/go-kit/log/level"
)

// discoverCapabilities fills the immutable capability snapshot: terminal
// type, the sample-rate sub-ranges, and the feature unit's volume and
// mute support. It runs exactly once, during configuration; any failed
// control transfer fails the whole configuration.
func (d *StreamingDevice) discoverCapabilities(general asGeneralDesc) error {
	if !d.v2 {
		return d.discoverLegacy(general)
	}
	return d.discoverModern(general)
}

func (d *StreamingDevice) discoverLegacy(general asGeneralDesc) error {
	d.caps.TerminalType = d.graph.TerminalType(general.TerminalLink)

	// The legacy revision lists the supported rates directly in the
	// format-type descriptor; it was stashed during negotiation.
	if err := d.legacyRates(); err != nil {
		return err
	}

	d.featureUnitID = d.graph.FeatureUnitID(general.TerminalLink)
	if d.featureUnitID != UndefinedUnitID &&
		d.graph.ControlSupported(d.featureUnitID, 1, UnitControlVolume) &&
		d.graph.ControlSupported(d.featureUnitID, 2, UnitControlVolume) {
		// volume range from the left channel only, the right is assumed equal
		var buf [2]byte
		if _, err := d.host.Control(requestDirIn|requestClass|requestToInterface,
			reqGetMin, fuVolumeControl<<8|0x01, uint16(d.featureUnitID)<<8, buf[:]); err != nil {
			return errors.Wrap(err, "cannot get volume minimum")
		}
		d.caps.MinVolume = int16(binary.LittleEndian.Uint16(buf[:]))

		if _, err := d.host.Control(requestDirIn|requestClass|requestToInterface,
			reqGetMax, fuVolumeControl<<8|0x01, uint16(d.featureUnitID)<<8, buf[:]); err != nil {
			return errors.Wrap(err, "cannot get volume maximum")
		}
		d.caps.MaxVolume = int16(binary.LittleEndian.Uint16(buf[:]))

		d.caps.VolumeSupported = true
	}

	d.discoverMute()
	return nil
}

// legacyFormat holds the rate fields of the legacy format-type
// descriptor between negotiation and discovery.
type legacyFormat struct {
	samFreqType uint8
	rates       []uint32
}

func (d *StreamingDevice) legacyRates() error {
	f := d.legacyFmt
	if f.samFreqType == 0 {
		// continuous range
		if len(f.rates) < 2 {
			return errors.New("continuous sample-rate range is missing its bounds")
		}
		d.caps.NumSampleRateRanges = 1
		d.caps.SampleRateRanges[0] = SampleRateRange{Min: f.rates[0], Max: f.rates[1]}
		return nil
	}

	n := len(f.rates)
	if n > MaxSampleRateRanges {
		n = MaxSampleRateRanges
	}
	d.caps.NumSampleRateRanges = n
	for i := 0; i < n; i++ {
		d.caps.SampleRateRanges[i] = SampleRateRange{Min: f.rates[i], Max: f.rates[i]}
	}
	return nil
}

func (d *StreamingDevice) discoverModern(general asGeneralDesc) error {
	d.caps.TerminalType = d.graph.TerminalType(general.TerminalLink)

	d.clockSourceID = d.graph.ClockSourceID(general.TerminalLink)
	if d.clockSourceID == UndefinedUnitID {
		return errors.Newf("associated clock source not found (terminal link %d)", general.TerminalLink)
	}

	// Supported sampling frequency ranges come from the clock source:
	// the sub-range count first, then the whole parameter block.
	var countBuf [2]byte
	if _, err := d.host.Control(requestDirIn|requestClass|requestToInterface,
		reqRange, csSamFreqControl<<8, uint16(d.clockSourceID)<<8, countBuf[:]); err != nil {
		return errors.Wrap(err, "cannot get number of sampling frequency subranges")
	}
	nRanges := int(binary.LittleEndian.Uint16(countBuf[:]))

	rangesBuf := make([]byte, 2+12*nRanges)
	if _, err := d.host.Control(requestDirIn|requestClass|requestToInterface,
		reqRange, csSamFreqControl<<8, uint16(d.clockSourceID)<<8, rangesBuf); err != nil {
		return errors.Wrap(err, "cannot get sampling frequency ranges")
	}

	if nRanges > MaxSampleRateRanges {
		nRanges = MaxSampleRateRanges
	}
	d.caps.NumSampleRateRanges = nRanges
	for i := 0; i < nRanges; i++ {
		entry := rangesBuf[2+12*i:]
		d.caps.SampleRateRanges[i] = SampleRateRange{
			Min:        binary.LittleEndian.Uint32(entry),
			Max:        binary.LittleEndian.Uint32(entry[4:]),
			Resolution: binary.LittleEndian.Uint32(entry[8:]),
		}
	}

	d.featureUnitID = d.graph.FeatureUnitID(general.TerminalLink)
	if d.featureUnitID != UndefinedUnitID &&
		d.graph.ControlSupported(d.featureUnitID, 1, UnitControlVolume) &&
		d.graph.ControlSupported(d.featureUnitID, 2, UnitControlVolume) {
		// combined {min,max,res} range query, left channel only
		var buf [8]byte
		if _, err := d.host.Control(requestDirIn|requestClass|requestToInterface,
			reqRange, fuVolumeControl<<8|0x01, uint16(d.featureUnitID)<<8, buf[:]); err != nil {
			return errors.Wrap(err, "cannot get volume range")
		}
		if binary.LittleEndian.Uint16(buf[:2]) == 1 {
			d.caps.MinVolume = int16(binary.LittleEndian.Uint16(buf[2:4]))
			d.caps.MaxVolume = int16(binary.LittleEndian.Uint16(buf[4:6]))
			d.caps.VolumeSupported = true
		}
	}

	d.discoverMute()
	return nil
}

func (d *StreamingDevice) discoverMute() {
	d.caps.MuteSupported = d.featureUnitID != UndefinedUnitID &&
		d.graph.ControlSupported(d.featureUnitID, 0, UnitControlMute)
}

// GetCapabilities returns the capability snapshot collected during
// configuration. The returned value is a copy; it never changes after
// Configure.
func (d *StreamingDevice) GetCapabilities() DeviceCapabilities {
	return d.caps
}

// rateSupported reports whether the rate falls inside one of the
// discovered sub-ranges: discrete entries require an exact match,
// continuous entries contain the rate between their bounds.
func (d *StreamingDevice) rateSupported(rate uint32) bool {
	for i := 0; i < d.caps.NumSampleRateRanges; i++ {
		r := d.caps.SampleRateRanges[i]
		if r.Min <= rate && rate <= r.Max {
			return true
		}
	}
	return false
}

// SetSampleRate selects the device's sample rate and installs the
// initial chunk size for it. An unsupported rate or a failed control
// transfer leaves the previous rate and chunk size untouched.
func (d *StreamingDevice) SetSampleRate(rate uint32) error {
	if d.dataEP == nil {
		return errors.New("device is not configured")
	}
	if !d.rateSupported(rate) {
		level.Warn(d.logger).Log("msg", "sample rate is not supported", "rate_hz", rate)
		return errors.Newf("sample rate %d Hz is not supported", rate)
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], rate)
	if !d.v2 {
		// legacy: 3-byte rate to the endpoint's sampling frequency control
		if _, err := d.host.Control(requestDirOut|requestClass|requestToEndpoint,
			reqSetCur, csSamFreqControl<<8, uint16(d.dataEP.Desc.Address), buf[:3]); err != nil {
			level.Debug(d.logger).Log("msg", "cannot set sample rate", "err", err)
			return errors.Wrap(err, "cannot set sample rate")
		}
	} else {
		// modern: 4-byte rate to the clock source
		if _, err := d.host.Control(requestDirOut|requestClass|requestToInterface,
			reqCur, csSamFreqControl<<8, uint16(d.clockSourceID)<<8, buf[:4]); err != nil {
			level.Debug(d.logger).Log("msg", "cannot set sample rate", "err", err)
			return errors.Wrap(err, "cannot set sample rate")
		}
	}

	d.state.setRate(rate, d.discipline, d.speed.frameRate())
	return nil
}

// SampleRate returns the active sample rate in Hz, zero before the
// first successful SetSampleRate.
func (d *StreamingDevice) SampleRate() uint32 {
	d.state.mu.lock()
	rate := d.state.sampleRate
	d.state.mu.unlock()
	return rate
}

// SetVolume sets the playback volume of one channel (0 left, 1 right)
// in whole dB. It returns false without issuing a transfer when the
// channel is out of range or the device exposes no volume control, and
// false when the control transfer fails; the two cases are not
// distinguished. Callers needing the distinction consult
// GetCapabilities first.
func (d *StreamingDevice) SetVolume(channel int, dB int) bool {
	if channel < 0 || channel > 1 {
		return false
	}
	if !d.caps.VolumeSupported {
		return false
	}

	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(int16(dB)<<8))

	// same request for both revisions
	_, err := d.host.Control(requestDirOut|requestClass|requestToInterface,
		reqSetCur, fuVolumeControl<<8|uint16(channel+1), uint16(d.featureUnitID)<<8, buf[:])
	return err == nil
}

// SetMute mutes or unmutes the stream on the feature unit's master
// channel. Like SetVolume it returns false both when mute is
// unsupported and when the transfer fails.
func (d *StreamingDevice) SetMute(enable bool) bool {
	if !d.caps.MuteSupported {
		return false
	}

	buf := [1]byte{0}
	if enable {
		buf[0] = 1
	}

	// same request for both revisions
	_, err := d.host.Control(requestDirOut|requestClass|requestToInterface,
		reqSetCur, fuMuteControl<<8|0x00, uint16(d.featureUnitID)<<8, buf[:])
	return err == nil
}
