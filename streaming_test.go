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
	"testing"

	"github.com/efficientgo/core/testutil"
)

func TestDeviceNaming(t *testing.T) {
	t.Parallel()
	host := newFakeHost(SpeedFull)
	graph := &fakeGraph{deviceNumber: 2}
	registry := newFakeRegistry()

	first := NewStreamingDevice(host, graph, WithRegistry(registry))
	testutil.Ok(t, first.Configure(streamingSetting(false, 1), legacyDiscreteDescriptors(48000)))
	testutil.Equals(t, "streamdevice2-0", first.Name())
	testutil.Assert(t, registry.has("streamdevice2-0"), "device not registered")

	// a second stream under the same control device gets the next index
	second := NewStreamingDevice(newFakeHost(SpeedFull), graph, WithRegistry(registry))
	testutil.Ok(t, second.Configure(streamingSetting(false, 1), legacyDiscreteDescriptors(48000)))
	testutil.Equals(t, "streamdevice2-1", second.Name())

	testutil.Ok(t, first.Close())
	testutil.Assert(t, !registry.has("streamdevice2-0"), "device not removed on teardown")
	testutil.Assert(t, registry.has("streamdevice2-1"), "sibling must stay registered")
}

func TestFailedConfigureRegistersNothing(t *testing.T) {
	t.Parallel()
	host := newFakeHost(SpeedFull)
	registry := newFakeRegistry()
	dev := NewStreamingDevice(host, &fakeGraph{}, WithRegistry(registry))

	err := dev.Configure(streamingSetting(false, 1), concat(
		uac1General(3),
		uac1FormatType(1, SubframeSize, 16, 1, 48000), // mono, rejected
		endpointBytes(0x01, 0x09, 512, 1),
	))
	testutil.NotOk(t, err)
	testutil.Equals(t, "", dev.Name())
	testutil.Equals(t, 0, len(registry.names))
}

func TestSampleRatesSummary(t *testing.T) {
	t.Parallel()
	host := newFakeHost(SpeedFull)
	dev := configuredLegacy(t, host, &fakeGraph{}, legacyContinuousDescriptors(32000, 48000))
	testutil.Equals(t, "32000-48000/0", dev.sampleRatesSummary())

	dev = configuredLegacy(t, newFakeHost(SpeedFull), &fakeGraph{}, legacyDiscreteDescriptors(44100, 48000))
	testutil.Equals(t, "44100, 48000", dev.sampleRatesSummary())
}
