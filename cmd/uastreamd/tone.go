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

package main

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/uaclass/uastream"
)

// maxInFlight bounds the number of chunks submitted but not yet
// completed. Ticks that would exceed it are dropped.
const maxInFlight = 8

// toneSource generates a sine tone and feeds it to a streaming device
// one chunk per tick.
type toneSource struct {
	dev   *uastream.StreamingDevice
	hz    uint
	phase float64
}

func newToneSource(dev *uastream.StreamingDevice, hz uint) *toneSource {
	return &toneSource{dev: dev, hz: hz}
}

// stream submits chunks at the chunk frequency until the context is
// cancelled, then waits for the outstanding completions.
func (t *toneSource) stream(ctx context.Context) error {
	tick := time.NewTicker(time.Second / uastream.ChunkFrequency)
	defer tick.Stop()

	completions := make(chan struct{}, maxInFlight)
	inFlight := 0
	done := func() { completions <- struct{}{} }

	for {
		select {
		case <-ctx.Done():
			for inFlight > 0 {
				select {
				case <-completions:
					inFlight--
				case <-time.After(time.Second):
					return errors.Newf("%d chunks never completed", inFlight)
				}
			}
			return nil
		case <-tick.C:
			for reaped := true; reaped; {
				select {
				case <-completions:
					inFlight--
				default:
					reaped = false
				}
			}
			if inFlight >= maxInFlight {
				// the device fell behind; skip this tick
				continue
			}
			if err := t.dev.SendChunk(t.nextChunk(), done); err != nil {
				return errors.Wrap(err, "failed to submit chunk")
			}
			inFlight++
		}
	}
}

// nextChunk renders the next chunk of the tone at the device's current
// chunk size.
func (t *toneSource) nextChunk() []byte {
	size := t.dev.ChunkSizeBytes()
	buf := make([]byte, size)
	step := 2 * math.Pi * float64(t.hz) / float64(t.dev.SampleRate())

	for off := 0; off+uastream.FrameSize <= size; off += uastream.FrameSize {
		s := uint16(int16(0.25 * math.MaxInt16 * math.Sin(t.phase)))
		binary.LittleEndian.PutUint16(buf[off:], s)
		binary.LittleEndian.PutUint16(buf[off+uastream.SubframeSize:], s)
		t.phase += step
		if t.phase >= 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return buf
}
