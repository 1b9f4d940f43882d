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
	"context"
	"testing"
	"time"

	"github.com/efficientgo/core/testutil"

	"github.com/uaclass/uastream"
)

func startDevice(t *testing.T, p Profile) (*Device, *uastream.StreamingDevice) {
	t.Helper()
	sim := NewDevice(p, nil)
	sim.Run(context.Background())
	t.Cleanup(func() { testutil.Ok(t, sim.Close()) })

	dev := uastream.NewStreamingDevice(sim, sim, uastream.WithRegistry(sim))
	setting, raw := sim.Descriptors()
	testutil.Ok(t, dev.Configure(setting, raw))
	return sim, dev
}

func sendAll(t *testing.T, dev *uastream.StreamingDevice, chunks int) {
	t.Helper()
	done := make(chan struct{}, 1)
	for i := 0; i < chunks; i++ {
		buf := make([]byte, dev.ChunkSizeBytes())
		testutil.Ok(t, dev.SendChunk(buf, func() { done <- struct{}{} }))
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("chunk %d did not complete", i)
		}
	}
}

func TestModernSpeakersEndToEnd(t *testing.T) {
	sim, dev := startDevice(t, Speakers())

	testutil.Equals(t, uastream.DisciplineAsynchronous, dev.Discipline())

	caps := dev.GetCapabilities()
	testutil.Equals(t, uint16(0x0301), caps.TerminalType)
	testutil.Equals(t, 3, caps.NumSampleRateRanges)
	testutil.Assert(t, caps.VolumeSupported, "volume control missing")
	testutil.Assert(t, caps.MuteSupported, "mute control missing")

	testutil.Ok(t, dev.SetSampleRate(48000))
	testutil.Equals(t, uint32(48000), sim.Rate())

	sendAll(t, dev, 16)
	stats := dev.Stats()
	testutil.Equals(t, uint64(16), stats.Chunks)
	testutil.Assert(t, stats.FeedbackUpdates > 0, "no feedback consumed")
}

func TestFeedbackTracksDeviceClock(t *testing.T) {
	p := Speakers()
	p.DriftPPM = 50000 // device consumes 5% fast
	_, dev := startDevice(t, p)

	testutil.Ok(t, dev.SetSampleRate(48000))
	sendAll(t, dev, 64)

	// 48000 Hz at +5% is 50400 frames/s; the reported chunk size must
	// settle above the nominal 192 bytes.
	size := dev.ChunkSizeBytes()
	testutil.Assert(t, size > 192, "chunk size %d did not follow device clock", size)
	testutil.Assert(t, size <= 204, "chunk size %d overshot device clock", size)
}

func TestLegacyControls(t *testing.T) {
	p := Profile{
		SyncType:     uastream.IsoSyncTypeAdaptive,
		TerminalType: 0x0302,
		Rates: []uastream.SampleRateRange{
			{Min: 44100, Max: 44100},
			{Min: 48000, Max: 48000},
		},
		VolumeMin: -60 * 256,
		VolumeMax: 0,
		Volume:    true,
		Mute:      true,
	}
	sim, dev := startDevice(t, p)

	testutil.Equals(t, uastream.DisciplineStatic, dev.Discipline())
	caps := dev.GetCapabilities()
	testutil.Equals(t, int16(-60*256), caps.MinVolume)

	testutil.Ok(t, dev.SetSampleRate(44100))
	testutil.Equals(t, uint32(44100), sim.Rate())
	testutil.NotOk(t, dev.SetSampleRate(96000))

	testutil.Assert(t, dev.SetVolume(0, -20), "volume transfer failed")
	testutil.Equals(t, int16(-20*256), sim.Volume(0))
	testutil.Assert(t, dev.SetMute(true), "mute transfer failed")
	testutil.Assert(t, sim.Muted(), "device not muted")
}

func TestRegistryLifecycle(t *testing.T) {
	sim, dev := startDevice(t, Speakers())
	testutil.Equals(t, []string{"streamdevice1-0"}, sim.Devices())
	testutil.Ok(t, dev.Close())
	testutil.Equals(t, []string{}, sim.Devices())
}
