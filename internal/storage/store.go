// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the pluggable key->blob template store
// (spec.md §4.1) that internal/device consults on Verify(*) and on
// successful enroll.
package storage

import (
	"errors"

	"github.com/freedesktop-fprint/fprintd/internal/driver"
	"github.com/freedesktop-fprint/fprintd/internal/finger"
)

// ErrNotFound is returned by Load when no template exists for the given
// key.
var ErrNotFound = errors.New("storage: template not found")

// ErrFormatMismatch is returned by Load when the stored blob's
// driver-id/device-type does not match what the current driver accepts.
var ErrFormatMismatch = errors.New("storage: template format mismatch")

// ErrInvalidUsername is returned when username would cross the
// <base>/<username> boundary (spec.md §4.1).
var ErrInvalidUsername = errors.New("storage: invalid username")

// Key identifies one stored template.
type Key struct {
	Username   string
	DriverID   uint16
	DeviceType uint32
	Finger     finger.Finger
}

// Store is the single pluggable backend interface; only one binding is
// active process-wide, selected at startup from fprintd.conf.
type Store interface {
	// Save writes tmpl for key, creating missing parents as needed.
	// Overwrite-in-place is acceptable; atomicity is best-effort.
	Save(key Key, tmpl driver.Template) error

	// Load reads the template for key. It returns ErrNotFound if absent.
	// If adapter is non-nil and its SupportsTemplate rejects the stored
	// blob, Load returns ErrFormatMismatch instead of the template — the
	// same check fp_dev_supports_print_data made on a deserialized
	// print-data blob before handing it back to a caller. Passing a nil
	// adapter skips the check.
	Load(key Key, adapter driver.Adapter) (driver.Template, error)

	// Delete removes the template for key. A missing entry is not an
	// error (best-effort).
	Delete(key Key) error

	// Discover returns the fingers with a stored template for (username,
	// driverID, deviceType), ascending by Finger.Code(). The ordering is
	// load-bearing: internal/device's auto-verify policy picks "the first
	// discovered finger" and needs that to mean the same thing on every
	// call, not whatever order a map happened to range over.
	Discover(username string, driverID uint16, deviceType uint32) ([]finger.Finger, error)
}
