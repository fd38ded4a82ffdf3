// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package simdriver implements driver.Adapter against an in-memory
// "virtual sensor" rather than real USB hardware. It stands in for the
// biometric library the way the teacher's example/device-system
// (SystemDriver) stood in for a hardware backend, and drives an
// enroll/verify loop in the same shape as original_source/examples/demo.c.
//
// Every scan outcome is driven by a pluggable Script so tests can force
// retries, swipe-too-short, and unknown-error paths without touching real
// hardware.
package simdriver

import (
	"fmt"
	"strings"

	"github.com/freedesktop-fprint/fprintd/internal/driver"
	"github.com/freedesktop-fprint/fprintd/internal/eventloop"
	"github.com/freedesktop-fprint/fprintd/internal/finger"
)

// templatePrefix tags every template this driver produces, so
// SupportsTemplate can tell its own blobs apart from another driver's.
const templatePrefix = "sim-template:"

// Script controls how the simulated sensor responds to a scan. New
// replaces a Script with EnrollStages == 0 and an empty VerifyOutcome by
// DefaultScript.
type Script struct {
	// EnrollStages is the number of stages a full enroll requires before
	// EnrollCompleted.
	EnrollStages int
	// EnrollSequence, if non-empty, is replayed in order for each stage of
	// an enroll instead of always succeeding; the final element must be
	// a terminal result.
	EnrollSequence []driver.EnrollResult
	// VerifyOutcome is returned for a 1:1 verify.
	VerifyOutcome driver.VerifyResult
	// IdentifyMatchIndex selects which gallery entry AsyncIdentifyStart
	// reports as matched; -1 means VerifyNoMatch.
	IdentifyMatchIndex int
	// SupportsIdentify controls Adapter.SupportsIdentify.
	SupportsIdentify bool
}

// DefaultScript succeeds on the first scan and supports identify.
func DefaultScript() Script {
	return Script{
		EnrollStages:       3,
		VerifyOutcome:      driver.VerifyMatch,
		IdentifyMatchIndex: 0,
		SupportsIdentify:   true,
	}
}

// handle is the per-device state Open hands back. Each open device gets its
// own stop flags: one Adapter can back several devices sharing the same
// loop, and a stop on one device's handle must never touch another's
// in-flight action.
type handle struct {
	desc   driver.DeviceDescriptor
	script Script

	enrollStopped   bool
	verifyStopped   bool
	identifyStopped bool
}

// Adapter is a driver.Adapter backed entirely by in-process state, posted
// onto loop the way a real libfprint callback would be. Construct one per
// simulated device, or share it across several descriptors the way
// DiscoverDevices can report more than one.
type Adapter struct {
	loop    *eventloop.Loop
	descs   []driver.DeviceDescriptor
	scripts map[string]Script // keyed by DeviceDescriptor.Name
}

// New builds a simulator Adapter that reports descs on DiscoverDevices,
// using script for every device (or DefaultScript() if script is the zero
// value's EnrollStages == 0 and VerifyOutcome == "").
func New(loop *eventloop.Loop, descs []driver.DeviceDescriptor, script Script) *Adapter {
	if script.EnrollStages == 0 && script.VerifyOutcome == "" {
		script = DefaultScript()
	}
	scripts := make(map[string]Script, len(descs))
	for _, d := range descs {
		scripts[d.Name] = script
	}
	return &Adapter{loop: loop, descs: descs, scripts: scripts}
}

func (a *Adapter) DiscoverDevices() ([]driver.DeviceDescriptor, error) {
	return a.descs, nil
}

func (a *Adapter) Open(desc driver.DeviceDescriptor, onOpen func(h driver.Handle, err error)) {
	script, ok := a.scripts[desc.Name]
	if !ok {
		script = DefaultScript()
	}
	h := &handle{desc: desc, script: script, enrollStopped: true, verifyStopped: true, identifyStopped: true}
	a.loop.Post(func() { onOpen(h, nil) })
}

func (a *Adapter) Close(h driver.Handle, onClosed driver.StopCallback) {
	a.loop.Post(func() { onClosed() })
}

func (a *Adapter) SupportsIdentify(h driver.Handle) bool {
	hd := h.(*handle)
	return hd.script.SupportsIdentify
}

func (a *Adapter) EnrollStages(h driver.Handle) int {
	hd := h.(*handle)
	if hd.script.EnrollStages == 0 {
		return 1
	}
	return hd.script.EnrollStages
}

// SupportsTemplate reports whether tmpl carries this driver's tag. It needs
// no Handle: format compatibility is a property of the driver, not of one
// claimed device instance.
func (a *Adapter) SupportsTemplate(tmpl driver.Template) bool {
	return strings.HasPrefix(string(tmpl), templatePrefix)
}

func (a *Adapter) AsyncEnrollStart(h driver.Handle, target finger.Finger, cb driver.EnrollCallback) error {
	hd := h.(*handle)
	hd.enrollStopped = false

	sequence := hd.script.EnrollSequence
	if len(sequence) == 0 {
		stages := a.EnrollStages(h)
		for i := 0; i < stages-1; i++ {
			sequence = append(sequence, driver.EnrollStagePassed)
		}
		sequence = append(sequence, driver.EnrollCompleted)
	}

	a.loop.Post(func() {
		for _, result := range sequence {
			if hd.enrollStopped {
				return
			}
			var tmpl driver.Template
			if result == driver.EnrollCompleted {
				tmpl = driver.Template(fmt.Sprintf("%s%s:%s", templatePrefix, hd.desc.Name, target))
			}
			cb(result, tmpl)
			if result.Terminal() {
				return
			}
		}
	})
	return nil
}

func (a *Adapter) AsyncEnrollStop(h driver.Handle, onStopped driver.StopCallback) {
	hd := h.(*handle)
	hd.enrollStopped = true
	a.loop.Post(func() { onStopped() })
}

func (a *Adapter) AsyncVerifyStart(h driver.Handle, tmpl driver.Template, cb driver.VerifyCallback) error {
	hd := h.(*handle)
	hd.verifyStopped = false
	outcome := hd.script.VerifyOutcome
	if outcome == "" {
		outcome = driver.VerifyMatch
	}
	a.loop.Post(func() {
		if hd.verifyStopped {
			return
		}
		cb(outcome, -1)
	})
	return nil
}

func (a *Adapter) AsyncVerifyStop(h driver.Handle, onStopped driver.StopCallback) {
	hd := h.(*handle)
	hd.verifyStopped = true
	a.loop.Post(func() { onStopped() })
}

func (a *Adapter) AsyncIdentifyStart(h driver.Handle, gallery []driver.Template, cb driver.VerifyCallback) error {
	hd := h.(*handle)
	hd.identifyStopped = false
	idx := hd.script.IdentifyMatchIndex
	a.loop.Post(func() {
		if hd.identifyStopped {
			return
		}
		if idx < 0 || idx >= len(gallery) {
			cb(driver.VerifyNoMatch, -1)
			return
		}
		cb(driver.VerifyMatch, idx)
	})
	return nil
}

func (a *Adapter) AsyncIdentifyStop(h driver.Handle, onStopped driver.StopCallback) {
	hd := h.(*handle)
	hd.identifyStopped = true
	a.loop.Post(func() { onStopped() })
}

// SetScript overrides the script used for a given device name, for tests
// that need per-device behavior (e.g. one device that never matches).
func (a *Adapter) SetScript(deviceName string, script Script) {
	a.scripts[deviceName] = script
}
