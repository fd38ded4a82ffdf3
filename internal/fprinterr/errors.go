// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package fprinterr defines the abstract error taxonomy of spec.md §7 and
// how it maps onto the net.reactivated.Fprint.Error.* wire names of §6.
package fprinterr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one abstract error kind, independent of any transport.
type Kind int

const (
	// Internal covers an unexpected driver or storage failure.
	Internal Kind = iota
	ClaimDevice
	AlreadyInUse
	NoEnrolledPrints
	NoActionInProgress
	InvalidFingername
	PermissionDenied
	NoSuchDevice
)

var kindNames = map[Kind]string{
	Internal:           "Internal",
	ClaimDevice:        "ClaimDevice",
	AlreadyInUse:       "AlreadyInUse",
	NoEnrolledPrints:   "NoEnrolledPrints",
	NoActionInProgress: "NoActionInProgress",
	InvalidFingername:  "InvalidFingername",
	PermissionDenied:   "PermissionDenied",
	NoSuchDevice:       "NoSuchDevice",
}

// busErrorPrefix is prepended to the Kind name to build the wire-level
// D-Bus error name.
const busErrorPrefix = "net.reactivated.Fprint.Error."

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Internal"
}

// BusName returns the wire-level net.reactivated.Fprint.Error.* name.
func (k Kind) BusName() string {
	return busErrorPrefix + k.String()
}

// Error is a Kind paired with a wrapped cause. It satisfies the standard
// error interface and exposes the cause through Unwrap.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/As to see the original cause.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error around cause, wrapping it with errors.Wrap so a
// stack trace is captured the way the teacher wraps storage/driver
// failures with github.com/pkg/errors.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.Wrap(cause, message)}
}

// KindOf extracts the Kind carried by err, defaulting to Internal for any
// error that didn't originate from this package (an unexpected driver or
// storage failure, per spec.md §7).
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}
