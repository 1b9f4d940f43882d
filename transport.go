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

import "fmt"

// TransferStatus contains the status of a transfer as reported by the
// host controller.
type TransferStatus uint8

const (
	// TransferCompleted indicates a completed transfer.
	TransferCompleted TransferStatus = iota
	// TransferError indicates a transfer that failed.
	TransferError
	// TransferTimedOut indicates a transfer that timed out.
	TransferTimedOut
	// TransferCancelled indicates a cancelled transfer.
	TransferCancelled
	// TransferStall indicates a transfer stopped due to an endpoint halt.
	TransferStall
	// TransferNoDevice indicates a transfer not completed due to device disconnect.
	TransferNoDevice
)

var transferStatusDescription = map[TransferStatus]string{
	TransferCompleted: "transfer completed without errors",
	TransferError:     "transfer failed",
	TransferTimedOut:  "transfer timed out",
	TransferCancelled: "transfer was cancelled",
	TransferStall:     "endpoint stalled",
	TransferNoDevice:  "device was disconnected",
}

// String returns a human-readable transfer status.
func (ts TransferStatus) String() string {
	return transferStatusDescription[ts]
}

// Error implements the error interface.
func (ts TransferStatus) Error() string {
	return "uastream: " + ts.String()
}

// Endpoint is a handle to a configured endpoint, constructed during
// interface configuration and referenced by every transfer submitted
// for it.
type Endpoint struct {
	// Desc holds the endpoint descriptor information.
	Desc EndpointDesc
}

// String returns a human-readable description of the endpoint.
func (e *Endpoint) String() string {
	return fmt.Sprintf("ep #%d %s %s", e.Desc.Number, e.Desc.Direction, e.Desc.TransferType)
}

// IsoRequest is one asynchronous isochronous request handed to the host
// controller. The buffer is caller-supplied and not copied; it must
// stay untouched until Complete is invoked. Packets lists the size of
// each isochronous packet within the buffer; their sum is the total
// transfer size.
type IsoRequest struct {
	// Endpoint is the target endpoint.
	Endpoint *Endpoint
	// Buffer holds the data to send (OUT) or receive into (IN).
	Buffer []byte
	// Packets is the per-service-interval packet size list.
	Packets []int
	// Complete is invoked by the host controller exactly once, from its
	// completion context, with the number of bytes transferred and the
	// transfer status.
	Complete func(n int, status TransferStatus)
}

// HostController is the transport collaborator: a host-controller stack
// providing synchronous control transfers and asynchronous isochronous
// submission. Control blocks the caller until the transfer completes or
// the transport's own timeout policy gives up. SubmitIso only queues the
// request; completion is reported through IsoRequest.Complete, possibly
// from interrupt or polling context.
type HostController interface {
	Control(requestType, request uint8, value, index uint16, data []byte) (int, error)
	SubmitIso(req *IsoRequest) error
	Speed() Speed
}

// ControlGraph is the paired audio-control device collaborator. It
// resolves terminal, clock-source and feature-unit linkage from the
// control-unit graph of the function this streaming interface belongs
// to. Unresolved unit queries return UndefinedUnitID.
type ControlGraph interface {
	// DeviceNumber is the index of the parent control device.
	DeviceNumber() int
	// NextStreamIndex returns the next per-control-device sub-stream
	// counter value, incrementing it.
	NextStreamIndex() int
	TerminalType(terminalLink uint8) uint16
	ClockSourceID(terminalLink uint8) uint8
	FeatureUnitID(terminalLink uint8) uint8
	ControlSupported(unitID, channel uint8, control UnitControl) bool
}

// Registry is the device-name registry collaborator. A configured
// streaming endpoint registers itself under its device name and removes
// the name on teardown.
type Registry interface {
	Add(name string, dev *StreamingDevice)
	Remove(name string)
}
