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

import "sync/atomic"

// spinLock is a busy-waiting mutual exclusion primitive. Chunk-size
// recomputation and feedback updates run in the transport's completion
// context, which may be an interrupt or polling context that must not
// park a thread, so an ordinary blocking mutex is unsuitable here.
// Critical sections under this lock are a handful of integer
// operations.
type spinLock struct {
	v atomic.Uint32
}

func (l *spinLock) lock() {
	for !l.v.CompareAndSwap(0, 1) {
	}
}

func (l *spinLock) unlock() {
	l.v.Store(0)
}

// streamState holds the mutable per-rate streaming state. It is
// created fresh by a successful SetSampleRate and torn down with the
// endpoint. The synchronization fields are written from two independent
// completion contexts and are guarded by mu; feedbackActive is managed
// separately with compare-and-swap so that at most one feedback read is
// ever outstanding.
type streamState struct {
	mu spinLock

	// sampleRate is the active sample rate in Hz.
	sampleRate uint32
	// chunkBytes is the size of the next chunk.
	chunkBytes uint32
	// packetsPerChunk and packetBytes form the per-packet size table of
	// one chunk. The table is only meaningful under the synchronous
	// discipline.
	packetsPerChunk int
	packetBytes     [MaxPacketsPerChunk]uint16
	// accu is the fractional synchronization accumulator. Under the
	// synchronous discipline it counts audio frames modulo the USB
	// frame rate; under the asynchronous discipline it accumulates raw
	// fixed-point feedback samples modulo 2^fracBits.
	accu uint32

	// feedbackActive is set while a feedback read is in flight.
	feedbackActive atomic.Bool
	// feedbackBuf receives the raw feedback sample.
	feedbackBuf [4]byte
}

// updateChunkSize recomputes the per-packet size table and the chunk
// size for the next chunk under the synchronous discipline. For every
// service interval the sample rate is accumulated and a whole number of
// audio frames is carved off, so that the long-run average of emitted
// frames equals the sample rate exactly while every packet stays
// whole-frame sized.
func (s *streamState) updateChunkSize(frameRate uint32) {
	s.mu.lock()

	s.packetsPerChunk = int(frameRate / ChunkFrequency)

	var chunkBytes uint32
	for i := 0; i < s.packetsPerChunk; i++ {
		s.accu += s.sampleRate
		frames := s.accu / frameRate
		s.accu %= frameRate

		s.packetBytes[i] = uint16(frames * FrameSize)
		chunkBytes += frames * FrameSize
	}

	s.chunkBytes = chunkBytes

	s.mu.unlock()
}

// applyFeedback folds one raw feedback sample into the accumulator and
// derives the next chunk size from the whole part. The sample is the
// device's frames-per-USB-frame rate in Q10.14 (full speed) or Q16.16
// (high speed) fixed point; the fractional residue is carried over to
// the next update.
func (s *streamState) applyFeedback(sample uint32, fracBits uint) {
	s.mu.lock()

	s.accu += sample
	s.chunkBytes = (s.accu >> fracBits) * FrameSize
	s.accu &= 1<<fracBits - 1

	s.mu.unlock()
}

// setRate installs a new sample rate and the initial chunk size for it.
// The synchronous discipline computes the initial per-packet table; the
// static and asynchronous disciplines start from the nominal size, the
// latter refined as feedback arrives.
func (s *streamState) setRate(rate uint32, discipline SyncDiscipline, frameRate uint32) {
	s.mu.lock()
	s.sampleRate = rate
	s.accu = 0
	s.mu.unlock()

	if discipline == DisciplineSynchronous {
		s.updateChunkSize(frameRate)
	} else {
		s.mu.lock()
		s.chunkBytes = rate * FrameSize / ChunkFrequency
		s.mu.unlock()
	}
}
