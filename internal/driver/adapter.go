// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package driver defines the minimal, language-neutral wrapper over the
// biometric library consumed by internal/device (spec.md §4.2). The real
// libfprint is an external collaborator (spec.md §1); this package only
// pins down the contract and the result-code vocabulary a conforming
// Adapter implementation must use.
package driver

import "github.com/freedesktop-fprint/fprintd/internal/finger"

// VerifyResult is one of the stable verify-result codes emitted as
// strings on the wire (spec.md §3).
type VerifyResult string

const (
	VerifyMatch             VerifyResult = "verify-match"
	VerifyNoMatch           VerifyResult = "verify-no-match"
	VerifyRetryScan         VerifyResult = "verify-retry-scan"
	VerifySwipeTooShort     VerifyResult = "verify-swipe-too-short"
	VerifyFingerNotCentered VerifyResult = "verify-finger-not-centered"
	VerifyRemoveAndRetry    VerifyResult = "verify-remove-and-retry"
	VerifyUnknownError      VerifyResult = "verify-unknown-error"
)

// Terminal reports whether this result ends the verify/identify action
// (spec.md §3 "Terminal code").
func (r VerifyResult) Terminal() bool {
	return r == VerifyMatch || r == VerifyNoMatch || r == VerifyUnknownError
}

// EnrollResult is one of the stable enroll-result codes.
type EnrollResult string

const (
	EnrollCompleted         EnrollResult = "enroll-completed"
	EnrollFailed            EnrollResult = "enroll-failed"
	EnrollStagePassed       EnrollResult = "enroll-stage-passed"
	EnrollRetryScan         EnrollResult = "enroll-retry-scan"
	EnrollSwipeTooShort     EnrollResult = "enroll-swipe-too-short"
	EnrollFingerNotCentered EnrollResult = "enroll-finger-not-centered"
	EnrollRemoveAndRetry    EnrollResult = "enroll-remove-and-retry"
	EnrollUnknownError      EnrollResult = "enroll-unknown-error"
)

// Terminal reports whether this result ends the enroll action.
func (r EnrollResult) Terminal() bool {
	return r == EnrollCompleted || r == EnrollFailed || r == EnrollUnknownError
}

// ScanType is press (static contact) or swipe (movement-over-sensor); it
// affects user-facing prompt phrasing only, never state-machine semantics.
type ScanType string

const (
	ScanTypePress ScanType = "press"
	ScanTypeSwipe ScanType = "swipe"
)

// DeviceDescriptor is the immutable identity of one discovered hardware
// device (spec.md §3 "Device record").
type DeviceDescriptor struct {
	DriverID   uint16
	DeviceType uint32
	DriverName string
	Name       string
	ScanType   ScanType
}

// Handle is an opaque, driver-owned open device handle. Device treats it
// as opaque and only ever passes it back to the Adapter that produced it.
type Handle interface{}

// Template is an opaque binary blob produced by the driver during a
// successful enroll, and consumed again on verify/identify.
type Template []byte

// EnrollCallback is invoked for every status update of an in-progress
// enroll. template is non-nil only when result is EnrollCompleted.
type EnrollCallback func(result EnrollResult, template Template)

// VerifyCallback is invoked for every status update of an in-progress
// verify. matchedIndex is only meaningful (>=0) for identify, naming
// which gallery entry matched.
type VerifyCallback func(result VerifyResult, matchedIndex int)

// StopCallback signals that a previously started async action (open,
// close, enroll, verify, identify) has fully stopped. Adapter
// implementations MUST eventually call it exactly once per *_stop call,
// even when nothing was running, so Device can always reach Idle
// (spec.md §7 "the Device MUST end in Idle regardless of driver
// behavior").
type StopCallback func()

// Adapter is the driver-neutral interface internal/device programs
// against. All *_start/*_stop/open/close calls are asynchronous: they
// return immediately and invoke their callback later, on the Loop the
// Adapter was constructed with.
type Adapter interface {
	DiscoverDevices() ([]DeviceDescriptor, error)

	Open(desc DeviceDescriptor, onOpen func(h Handle, err error))
	Close(h Handle, onClosed StopCallback)

	SupportsIdentify(h Handle) bool
	EnrollStages(h Handle) int

	// SupportsTemplate reports whether tmpl is a format this driver can
	// consume, the same load-time check the original
	// fp_dev_supports_print_data made before handing a deserialized
	// template back to a caller. It needs no open Handle: format
	// compatibility is a property of the driver, not of one claimed
	// device instance.
	SupportsTemplate(tmpl Template) bool

	AsyncEnrollStart(h Handle, target finger.Finger, cb EnrollCallback) error
	AsyncEnrollStop(h Handle, onStopped StopCallback)

	AsyncVerifyStart(h Handle, tmpl Template, cb VerifyCallback) error
	AsyncVerifyStop(h Handle, onStopped StopCallback)

	AsyncIdentifyStart(h Handle, gallery []Template, cb VerifyCallback) error
	AsyncIdentifyStop(h Handle, onStopped StopCallback)
}
