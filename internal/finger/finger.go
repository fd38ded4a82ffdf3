// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package finger defines the ten enumerated finger identifiers plus the
// Any verify-selector sentinel, and the stable wire/on-disk encodings for
// each, per the canonical table (spec.md §3; the two fingertable literals
// in the original PAM module are missing a comma and concatenate one
// entry — this table is authoritative).
package finger

import "fmt"

// Finger identifies one of the ten enrollable fingers, or Any.
type Finger int

const (
	LeftThumb Finger = iota + 1
	LeftIndex
	LeftMiddle
	LeftRing
	LeftLittle
	RightThumb
	RightIndex
	RightMiddle
	RightRing
	RightLittle
	// Any is a verify-selector sentinel; it is never a valid EnrollStart
	// target and never named in a Claim or a template path.
	Any
)

var names = map[Finger]string{
	LeftThumb:    "left-thumb",
	LeftIndex:    "left-index-finger",
	LeftMiddle:   "left-middle-finger",
	LeftRing:     "left-ring-finger",
	LeftLittle:   "left-little-finger",
	RightThumb:   "right-thumb",
	RightIndex:   "right-index-finger",
	RightMiddle:  "right-middle-finger",
	RightRing:    "right-ring-finger",
	RightLittle:  "right-little-finger",
	Any:          "any",
}

var byName = func() map[string]Finger {
	m := make(map[string]Finger, len(names))
	for f, n := range names {
		m[n] = f
	}
	return m
}()

// String returns the stable lowercase kebab wire form.
func (f Finger) String() string {
	if n, ok := names[f]; ok {
		return n
	}
	return fmt.Sprintf("finger(%d)", int(f))
}

// Enrollable reports whether f names one of the ten real fingers (i.e. is
// not Any and not out of range).
func (f Finger) Enrollable() bool {
	return f >= LeftThumb && f <= RightLittle
}

// Code returns the single hex digit (1..A) used as the on-disk template
// filename. It panics if f is not Enrollable(); callers must check first.
func (f Finger) Code() byte {
	if !f.Enrollable() {
		panic("finger: Code called on non-enrollable finger")
	}
	const hexDigits = "123456789A"
	return hexDigits[int(f)-1]
}

// Parse resolves the wire-form name to a Finger. Empty string and "any"
// both resolve to Any, matching the VerifyStart auto-selection rule in
// spec.md §4.5. ok is false for any other unrecognized name.
func Parse(name string) (f Finger, ok bool) {
	if name == "" {
		return Any, true
	}
	f, ok = byName[name]
	return f, ok
}

// FromCode resolves a single on-disk hex digit back to its Finger. ok is
// false for any byte other than '1'..'9' or 'A'/'a'.
func FromCode(code byte) (f Finger, ok bool) {
	switch {
	case code >= '1' && code <= '9':
		return Finger(code-'1') + LeftThumb, true
	case code == 'A' || code == 'a':
		return RightLittle, true
	default:
		return 0, false
	}
}
