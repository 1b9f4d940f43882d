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

// pendingTransfer is one in-flight chunk submission. The buffer it
// references is caller-supplied and not owned; the packet-size table is
// owned here so that the synchronizer may already recompute the shared
// table for the next chunk while this one is on the wire.
type pendingTransfer struct {
	req     IsoRequest
	packets [MaxPacketsPerChunk]int
	done    func()
}

// complete is the dispatch path for data transfers: it detaches the
// transfer and hands control back to the caller-supplied callback,
// exactly once, in transport-completion order. Transfer status is not
// surfaced here; the caller tracks success through its own bookkeeping.
func (t *pendingTransfer) complete(_ int, _ TransferStatus) {
	done := t.done
	t.done = nil
	t.req = IsoRequest{}
	if done != nil {
		done()
	}
}

// SendChunk submits one chunk of audio as an asynchronous isochronous
// OUT transfer. Under the synchronous discipline the chunk is split
// into the precomputed per-packet size table; otherwise it goes out as
// a single packet of len(p) bytes. done, if non-nil, is invoked exactly
// once after the transport reports the transfer finished, successfully
// or not.
//
// SendChunk does not block: it only constructs the transfer and hands
// it to the host controller. If the device has a feedback endpoint and
// no feedback read is outstanding, a companion feedback read is
// submitted alongside; under the synchronous discipline a successful
// submission instead recomputes the chunk size for the next call.
func (d *StreamingDevice) SendChunk(p []byte, done func()) error {
	if d.dataEP == nil {
		return errors.New("device is not configured")
	}

	t := &pendingTransfer{done: done}
	t.req.Endpoint = d.dataEP
	t.req.Buffer = p
	t.req.Complete = t.complete

	if d.discipline == DisciplineSynchronous {
		d.state.mu.lock()
		n := d.state.packetsPerChunk
		for i := 0; i < n; i++ {
			t.packets[i] = int(d.state.packetBytes[i])
		}
		d.state.mu.unlock()
		t.req.Packets = t.packets[:n]
	} else {
		t.packets[0] = len(p)
		t.req.Packets = t.packets[:1]
	}

	if err := d.host.SubmitIso(&t.req); err != nil {
		return errors.Wrap(err, "cannot submit audio transfer")
	}
	d.chunksSubmitted.Add(1)
	d.bytesSubmitted.Add(uint64(len(p)))

	if d.syncEP != nil {
		if err := d.submitFeedbackRead(); err != nil {
			return err
		}
	} else if d.discipline == DisciplineSynchronous {
		// size for the next chunk; the one just submitted is final
		d.state.updateChunkSize(d.speed.frameRate())
	}

	return nil
}

// submitFeedbackRead starts a feedback read unless one is already in
// flight. The feedbackActive flag is claimed with compare-and-swap and
// released by the feedback completion path, so at most one read is ever
// outstanding.
func (d *StreamingDevice) submitFeedbackRead() error {
	if !d.state.feedbackActive.CompareAndSwap(false, true) {
		return nil
	}

	size := d.speed.feedbackSize()
	req := &IsoRequest{
		Endpoint: d.syncEP,
		Buffer:   d.state.feedbackBuf[:size],
		Packets:  []int{size},
		Complete: d.feedbackComplete,
	}
	if err := d.host.SubmitIso(req); err != nil {
		d.state.feedbackActive.Store(false)
		return errors.Wrap(err, "cannot submit feedback read")
	}
	return nil
}

// feedbackComplete is the dispatch path for feedback reads. It never
// invokes a caller callback: it folds the fixed-point frequency sample
// into the synchronizer and clears the in-flight flag, unconditionally.
// A failed or malformed read leaves the previous chunk size unchanged.
func (d *StreamingDevice) feedbackComplete(n int, status TransferStatus) {
	defer d.state.feedbackActive.Store(false)

	if status != TransferCompleted {
		return
	}

	switch n {
	case 3:
		// Q10.14 format (full speed)
		sample := rate24(d.state.feedbackBuf[:3])
		d.state.applyFeedback(sample, 14)
	case 4:
		// Q16.16 format (high speed)
		sample := binary.LittleEndian.Uint32(d.state.feedbackBuf[:])
		d.state.applyFeedback(sample, 16)
	default:
		return
	}
	d.feedbackUpdates.Add(1)
}
