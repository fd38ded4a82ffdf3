// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package device implements the per-device claim lifecycle and
// enroll/verify/identify state machine of spec.md §4.5 — the core of the
// core. A Device is constructed with an eventloop.Loop, a driver.Adapter,
// a storage.Store, an authz.Gate, and a logging.Client; it holds no
// package-level state, matching DESIGN NOTES §9's "no hidden globals".
//
// Every exported method marshals its state-touching work onto the Loop
// via loop.Call, so the struct fields below are safe to mutate without
// their own mutex: only one goroutine (the Loop's) ever runs a closure
// that touches them.
package device

import (
	"github.com/freedesktop-fprint/fprintd/internal/authz"
	"github.com/freedesktop-fprint/fprintd/internal/driver"
	"github.com/freedesktop-fprint/fprintd/internal/eventloop"
	"github.com/freedesktop-fprint/fprintd/internal/finger"
	"github.com/freedesktop-fprint/fprintd/internal/fprinterr"
	"github.com/freedesktop-fprint/fprintd/internal/logging"
	"github.com/freedesktop-fprint/fprintd/internal/storage"
)

// State is one node of the per-device state machine (spec.md §4.5).
type State int

const (
	StateIdle State = iota
	StateOpening
	StateClaimed
	StateVerifying
	StateIdentifying
	StateEnrolling
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateClaimed:
		return "claimed"
	case StateVerifying:
		return "verifying"
	case StateIdentifying:
		return "identifying"
	case StateEnrolling:
		return "enrolling"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// SignalSink receives the one-way notifications a Device emits. The bus
// layer implements this to turn them into D-Bus signals and
// property-change notifications; tests can supply a recording stub.
type SignalSink interface {
	VerifyStatus(deviceID int, code string, done bool)
	VerifyFingerSelected(deviceID int, name string)
	EnrollStatus(deviceID int, code string, done bool)
	PropertyChanged(deviceID int, name string, value interface{})
}

// NopSink discards every signal; useful in tests that don't assert on
// signal traffic.
type NopSink struct{}

func (NopSink) VerifyStatus(int, string, bool)          {}
func (NopSink) VerifyFingerSelected(int, string)        {}
func (NopSink) EnrollStatus(int, string, bool)          {}
func (NopSink) PropertyChanged(int, string, interface{}) {}

// Registry resolves this Device's subscriber-watches back through the
// Manager without the Device ever holding a pointer to it, breaking the
// Device<->Manager reference cycle per DESIGN NOTES §9.
type Registry interface {
	NotifySubscriberChange(deviceID int, sender string, subscribed bool)
}

// NopRegistry is a Registry that tracks nothing, for standalone tests.
type NopRegistry struct{}

func (NopRegistry) NotifySubscriberChange(int, string, bool) {}

// Device is one published fingerprint-reader object (spec.md §3 "Device
// record").
type Device struct {
	id       int
	desc     driver.DeviceDescriptor
	adapter  driver.Adapter
	loop     *eventloop.Loop
	store    storage.Store
	gate     *authz.Gate
	log      logging.Client
	registry Registry
	sink     SignalSink

	// Everything below is touched only from closures run on loop.
	state           State
	handle          driver.Handle
	openingSender   string
	pendingRelease  bool
	ownerSender     string
	ownerUsername   string
	actionDone      bool
	targetFinger    finger.Finger
	pendingTemplate driver.Template
	pendingGallery  []driver.Template
	numEnrollStages int
	subscribers     map[string]bool
}

// New constructs a Device in StateIdle for desc, identified by id (a
// monotonic integer the Manager assigns at construction). sink and
// registry default to no-ops when nil.
func New(id int, desc driver.DeviceDescriptor, adapter driver.Adapter, loop *eventloop.Loop, store storage.Store, gate *authz.Gate, log logging.Client, registry Registry, sink SignalSink) *Device {
	if registry == nil {
		registry = NopRegistry{}
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Device{
		id:              id,
		desc:            desc,
		adapter:         adapter,
		loop:            loop,
		store:           store,
		gate:            gate,
		log:             log.WithFields(map[string]interface{}{"device": id, "driver": desc.DriverName}),
		registry:        registry,
		sink:            sink,
		numEnrollStages: -1,
		subscribers:     map[string]bool{},
	}
}

// ID returns the monotonic device id used in its object path.
func (d *Device) ID() int { return d.id }

// Name is the driver's long name; immutable for the Device's lifetime.
func (d *Device) Name() string { return d.desc.Name }

// ScanType is "press" or "swipe"; immutable for the Device's lifetime.
func (d *Device) ScanType() string { return string(d.desc.ScanType) }

// NumEnrollStages is -1 until the device has been opened at least once.
func (d *Device) NumEnrollStages() int {
	v, _ := d.loop.Call(func() (interface{}, error) { return d.numEnrollStages, nil })
	return v.(int)
}

// InUse reports whether at least one client is currently a subscriber.
func (d *Device) InUse() bool {
	v, _ := d.loop.Call(func() (interface{}, error) { return len(d.subscribers) > 0, nil })
	return v.(bool)
}

// Claim establishes an exclusive lease on behalf of requestedUsername (or
// the caller's own account, per AuthzGate.ResolveUsername). It blocks
// until the driver handle has actually opened — the only way Open
// reports success or failure is its callback, so there is no synchronous
// short-circuit here (spec.md §5 "suspension points").
func (d *Device) Claim(sender, requestedUsername string) error {
	username, err := d.gate.ResolveUsername(sender, requestedUsername)
	if err != nil {
		return err
	}
	if err := d.gate.CheckAny(sender, authz.ActionVerify, authz.ActionEnroll); err != nil {
		return err
	}
	d.trackSubscriber(sender)

	_, err = d.loop.Call(func() (interface{}, error) {
		if d.state != StateIdle {
			return nil, fprinterr.New(fprinterr.AlreadyInUse, "device is already claimed")
		}
		d.state = StateOpening
		d.openingSender = sender
		d.pendingRelease = false
		return nil, nil
	})
	if err != nil {
		return err
	}

	resultCh := make(chan error, 1)
	d.adapter.Open(d.desc, func(h driver.Handle, openErr error) {
		d.onOpenResult(h, openErr, sender, username, resultCh)
	})
	return <-resultCh
}

// onOpenResult runs on the Loop goroutine (Open's callback is always
// posted there by a conforming Adapter).
func (d *Device) onOpenResult(h driver.Handle, openErr error, sender, username string, resultCh chan error) {
	if openErr != nil {
		d.state = StateIdle
		d.openingSender = ""
		resultCh <- fprinterr.Wrap(fprinterr.Internal, openErr, "opening device")
		return
	}
	d.handle = h
	d.numEnrollStages = d.adapter.EnrollStages(h)
	d.sink.PropertyChanged(d.id, "num-enroll-stages", d.numEnrollStages)
	d.openingSender = ""

	if d.pendingRelease {
		// Release arrived while still Opening (spec.md §9's flagged bug):
		// finish the open, then immediately close instead of leaving the
		// device falsely Claimed.
		d.pendingRelease = false
		d.closeHandle(func() {})
		resultCh <- fprinterr.New(fprinterr.ClaimDevice, "claim was released before open completed")
		return
	}

	d.state = StateClaimed
	d.ownerSender = sender
	d.ownerUsername = username
	resultCh <- nil
}

// Release ends the caller's claim, stopping any in-progress action and
// closing the driver handle first.
func (d *Device) Release(sender string) error {
	d.trackSubscriber(sender)

	resultCh := make(chan error, 1)
	deferred := false
	_, err := d.loop.Call(func() (interface{}, error) {
		switch {
		case d.state == StateOpening && d.openingSender == sender:
			d.pendingRelease = true
			return nil, nil
		case d.ownerSender != "" && d.ownerSender == sender:
			deferred = true
			d.beginClose(func() { resultCh <- nil })
			return nil, nil
		case d.ownerSender != "" && d.ownerSender != sender:
			return nil, fprinterr.New(fprinterr.AlreadyInUse, "device is claimed by another caller")
		default:
			return nil, fprinterr.New(fprinterr.ClaimDevice, "caller holds no claim on this device")
		}
	})
	if err != nil {
		return err
	}
	if deferred {
		return <-resultCh
	}
	return nil
}

// HandleDisconnect is invoked by the Manager when a bus sender's
// connection is observed gone (NameOwnerChanged with an empty new
// owner). It is fire-and-forget from the bus layer's point of view; the
// synchronous stop-then-close sequence is internal to the Loop.
func (d *Device) HandleDisconnect(sender string) {
	d.loop.Post(func() {
		d.removeSubscriberLocked(sender)
		if d.state == StateOpening && d.openingSender == sender {
			d.pendingRelease = true
			return
		}
		if d.ownerSender != "" && d.ownerSender == sender {
			d.beginClose(func() {})
		}
	})
}

// beginClose clears ownership immediately (so a concurrent Release or a
// second disconnect notification can't race a second close onto the same
// handle), stops whatever action is running, then closes the handle.
func (d *Device) beginClose(done func()) {
	d.ownerSender = ""
	d.ownerUsername = ""
	d.stopCurrentAction(func() {
		d.closeHandle(done)
	})
}

func (d *Device) stopCurrentAction(done func()) {
	switch d.state {
	case StateVerifying:
		d.actionDone = true
		d.adapter.AsyncVerifyStop(d.handle, func() {
			d.freeVerifyResources()
			d.state = StateClaimed
			done()
		})
	case StateIdentifying:
		d.actionDone = true
		d.adapter.AsyncIdentifyStop(d.handle, func() {
			d.freeVerifyResources()
			d.state = StateClaimed
			done()
		})
	case StateEnrolling:
		d.actionDone = true
		d.adapter.AsyncEnrollStop(d.handle, func() {
			d.targetFinger = 0
			d.state = StateClaimed
			done()
		})
	default:
		done()
	}
}

func (d *Device) closeHandle(done func()) {
	d.state = StateClosing
	h := d.handle
	d.adapter.Close(h, func() {
		d.handle = nil
		d.numEnrollStages = -1
		d.sink.PropertyChanged(d.id, "num-enroll-stages", -1)
		d.state = StateIdle
		done()
	})
}

func (d *Device) freeVerifyResources() {
	d.pendingTemplate = nil
	d.pendingGallery = nil
}

// requireOwnedClaimed enforces "claimed by caller, no action in
// progress", the shared precondition of VerifyStart and EnrollStart.
func (d *Device) requireOwnedClaimed(sender string) error {
	if d.ownerSender == "" || d.ownerSender != sender {
		return fprinterr.New(fprinterr.ClaimDevice, "caller holds no claim on this device")
	}
	if d.state != StateClaimed {
		return fprinterr.New(fprinterr.AlreadyInUse, "an action is already in progress")
	}
	return nil
}

// VerifyStart begins a verify (1:1) or identify (1:N) action, per the
// finger-selection policy of spec.md §4.5, reproduced here exactly:
//
//  1. Parse finger-name; "any" and "" mean auto. An unknown name is
//     coerced to auto (VerifyStart never rejects a fingername).
//  2. If not auto, always load that one template and run a 1:1 verify,
//     regardless of whether the driver can identify.
//  3. If auto, discover enrolled fingers; empty is NoEnrolledPrints.
//     When the driver supports identify, load every discovered template
//     into a gallery (dropping load failures silently) and identify;
//     otherwise load the first discovered finger and verify.
func (d *Device) VerifyStart(sender, fingerName string) error {
	if err := d.gate.Check(sender, authz.ActionVerify); err != nil {
		return err
	}
	d.trackSubscriber(sender)

	_, err := d.loop.Call(func() (interface{}, error) {
		if err := d.requireOwnedClaimed(sender); err != nil {
			return nil, err
		}
		return nil, d.startVerifyLocked(fingerName)
	})
	return err
}

func (d *Device) startVerifyLocked(fingerName string) error {
	target, ok := finger.Parse(fingerName)
	if !ok {
		target = finger.Any
	}

	if target != finger.Any {
		tmpl, err := d.store.Load(d.keyFor(target), d.adapter)
		if err != nil {
			return fprinterr.New(fprinterr.NoEnrolledPrints, "no enrolled print for requested finger")
		}
		return d.beginVerify(target, tmpl)
	}

	discovered, err := d.store.Discover(d.ownerUsername, d.desc.DriverID, d.desc.DeviceType)
	if err != nil {
		return fprinterr.Wrap(fprinterr.Internal, err, "discovering enrolled fingers")
	}
	if len(discovered) == 0 {
		return fprinterr.New(fprinterr.NoEnrolledPrints, "no enrolled prints")
	}

	if d.adapter.SupportsIdentify(d.handle) {
		gallery := make([]driver.Template, 0, len(discovered))
		for _, f := range discovered {
			tmpl, loadErr := d.store.Load(d.keyFor(f), d.adapter)
			if loadErr != nil {
				continue
			}
			gallery = append(gallery, tmpl)
		}
		if len(gallery) == 0 {
			return fprinterr.New(fprinterr.NoEnrolledPrints, "no usable enrolled prints")
		}
		return d.beginIdentify(gallery)
	}

	first := discovered[0]
	tmpl, err := d.store.Load(d.keyFor(first), d.adapter)
	if err != nil {
		return fprinterr.New(fprinterr.NoEnrolledPrints, "no enrolled prints")
	}
	return d.beginVerify(first, tmpl)
}

func (d *Device) keyFor(f finger.Finger) storage.Key {
	return storage.Key{Username: d.ownerUsername, DriverID: d.desc.DriverID, DeviceType: d.desc.DeviceType, Finger: f}
}

func (d *Device) beginVerify(target finger.Finger, tmpl driver.Template) error {
	d.state = StateVerifying
	d.actionDone = false
	d.pendingTemplate = tmpl
	d.sink.VerifyFingerSelected(d.id, target.String())
	if err := d.adapter.AsyncVerifyStart(d.handle, tmpl, d.onVerifyResult); err != nil {
		d.state = StateClaimed
		d.pendingTemplate = nil
		return fprinterr.Wrap(fprinterr.Internal, err, "starting verify")
	}
	return nil
}

func (d *Device) beginIdentify(gallery []driver.Template) error {
	d.state = StateIdentifying
	d.actionDone = false
	d.pendingGallery = gallery
	d.sink.VerifyFingerSelected(d.id, finger.Any.String())
	if err := d.adapter.AsyncIdentifyStart(d.handle, gallery, d.onVerifyResult); err != nil {
		d.state = StateClaimed
		d.pendingGallery = nil
		return fprinterr.Wrap(fprinterr.Internal, err, "starting identify")
	}
	return nil
}

// onVerifyResult is the VerifyCallback bound to this Device. It runs on
// the Loop goroutine.
func (d *Device) onVerifyResult(result driver.VerifyResult, _ int) {
	if d.actionDone {
		return // late callback after done=true; spec.md §5 "no-late-signals"
	}
	done := result.Terminal()
	d.sink.VerifyStatus(d.id, string(result), done)
	if done {
		d.actionDone = true
		d.freeVerifyResources()
		d.state = StateClaimed
	}
}

// VerifyStop cancels an in-progress verify or identify. Like Claim,
// Release and Open/Close, the only signal that the driver has actually
// stopped is the adapter's callback, so the reply is deferred until then
// (spec.md §5).
func (d *Device) VerifyStop(sender string) error {
	d.trackSubscriber(sender)

	resultCh := make(chan error, 1)
	deferred := false
	_, err := d.loop.Call(func() (interface{}, error) {
		if d.ownerSender == "" || d.ownerSender != sender {
			return nil, fprinterr.New(fprinterr.ClaimDevice, "caller holds no claim on this device")
		}
		if d.state != StateVerifying && d.state != StateIdentifying {
			return nil, fprinterr.New(fprinterr.NoActionInProgress, "no verify or identify in progress")
		}
		deferred = true
		d.actionDone = true
		onStopped := func() {
			d.freeVerifyResources()
			d.state = StateClaimed
			resultCh <- nil
		}
		if d.state == StateVerifying {
			d.adapter.AsyncVerifyStop(d.handle, onStopped)
		} else {
			d.adapter.AsyncIdentifyStop(d.handle, onStopped)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	if deferred {
		return <-resultCh
	}
	return nil
}

// EnrollStart begins enrolling fingerName, which must name one of the
// ten real fingers (never "any"/empty).
func (d *Device) EnrollStart(sender, fingerName string) error {
	if err := d.gate.Check(sender, authz.ActionEnroll); err != nil {
		return err
	}
	target, ok := finger.Parse(fingerName)
	if !ok || !target.Enrollable() {
		return fprinterr.New(fprinterr.InvalidFingername, "finger name must name one enrollable finger")
	}
	d.trackSubscriber(sender)

	_, err := d.loop.Call(func() (interface{}, error) {
		if err := d.requireOwnedClaimed(sender); err != nil {
			return nil, err
		}
		d.state = StateEnrolling
		d.actionDone = false
		d.targetFinger = target
		username := d.ownerUsername
		if startErr := d.adapter.AsyncEnrollStart(d.handle, target, func(result driver.EnrollResult, tmpl driver.Template) {
			d.onEnrollResult(result, tmpl, username)
		}); startErr != nil {
			d.state = StateClaimed
			d.targetFinger = 0
			return nil, fprinterr.Wrap(fprinterr.Internal, startErr, "starting enroll")
		}
		return nil, nil
	})
	return err
}

// onEnrollResult is the EnrollCallback bound to this Device, capturing
// the username the enroll was started for (ownerUsername may no longer
// be current by the time a late callback arrives). It runs on the Loop
// goroutine.
func (d *Device) onEnrollResult(result driver.EnrollResult, tmpl driver.Template, username string) {
	if d.actionDone {
		return
	}
	done := result.Terminal()
	final := result
	if done && result == driver.EnrollCompleted {
		key := storage.Key{Username: username, DriverID: d.desc.DriverID, DeviceType: d.desc.DeviceType, Finger: d.targetFinger}
		if err := d.store.Save(key, tmpl); err != nil {
			d.log.WithField("finger", d.targetFinger.String()).Warn("saving enrolled template failed")
			final = driver.EnrollFailed
		}
	}
	d.sink.EnrollStatus(d.id, string(final), done)
	if done {
		d.actionDone = true
		d.targetFinger = 0
		d.state = StateClaimed
	}
}

// EnrollStop cancels an in-progress enroll; deferred the same way as
// VerifyStop.
func (d *Device) EnrollStop(sender string) error {
	d.trackSubscriber(sender)

	resultCh := make(chan error, 1)
	deferred := false
	_, err := d.loop.Call(func() (interface{}, error) {
		if d.ownerSender == "" || d.ownerSender != sender {
			return nil, fprinterr.New(fprinterr.ClaimDevice, "caller holds no claim on this device")
		}
		if d.state != StateEnrolling {
			return nil, fprinterr.New(fprinterr.NoActionInProgress, "no enroll in progress")
		}
		deferred = true
		d.actionDone = true
		d.adapter.AsyncEnrollStop(d.handle, func() {
			d.targetFinger = 0
			d.state = StateClaimed
			resultCh <- nil
		})
		return nil, nil
	})
	if err != nil {
		return err
	}
	if deferred {
		return <-resultCh
	}
	return nil
}

// ListEnrolledFingers returns the wire-form names of every enrolled
// finger for username (or the caller's own account).
func (d *Device) ListEnrolledFingers(sender, requestedUsername string) ([]string, error) {
	username, err := d.gate.ResolveUsername(sender, requestedUsername)
	if err != nil {
		return nil, err
	}
	if err := d.gate.Check(sender, authz.ActionVerify); err != nil {
		return nil, err
	}
	d.trackSubscriber(sender)

	v, err := d.loop.Call(func() (interface{}, error) {
		found, err := d.store.Discover(username, d.desc.DriverID, d.desc.DeviceType)
		if err != nil {
			return nil, fprinterr.Wrap(fprinterr.Internal, err, "discovering enrolled fingers")
		}
		if len(found) == 0 {
			return nil, fprinterr.New(fprinterr.NoEnrolledPrints, "no enrolled prints")
		}
		names := make([]string, len(found))
		for i, f := range found {
			names[i] = f.String()
		}
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// DeleteEnrolledFingers removes every enrolled template for username
// across all ten finger slots. Best-effort: a single finger's delete
// failure is logged, not returned (spec.md §9 preserves this).
func (d *Device) DeleteEnrolledFingers(sender, requestedUsername string) error {
	username, err := d.gate.ResolveUsername(sender, requestedUsername)
	if err != nil {
		return err
	}
	if err := d.gate.Check(sender, authz.ActionEnroll); err != nil {
		return err
	}
	d.trackSubscriber(sender)

	_, err = d.loop.Call(func() (interface{}, error) {
		for f := finger.LeftThumb; f <= finger.RightLittle; f++ {
			key := storage.Key{Username: username, DriverID: d.desc.DriverID, DeviceType: d.desc.DeviceType, Finger: f}
			if delErr := d.store.Delete(key); delErr != nil {
				d.log.WithField("finger", f.String()).Warn("deleting enrolled template failed")
			}
		}
		return nil, nil
	})
	return err
}

func (d *Device) trackSubscriber(sender string) {
	d.loop.Call(func() (interface{}, error) {
		d.addSubscriberLocked(sender)
		return nil, nil
	})
}

func (d *Device) addSubscriberLocked(sender string) {
	if d.subscribers[sender] {
		return
	}
	wasInUse := len(d.subscribers) > 0
	d.subscribers[sender] = true
	d.registry.NotifySubscriberChange(d.id, sender, true)
	if !wasInUse {
		d.sink.PropertyChanged(d.id, "in-use", true)
	}
}

func (d *Device) removeSubscriberLocked(sender string) {
	if !d.subscribers[sender] {
		return
	}
	delete(d.subscribers, sender)
	d.registry.NotifySubscriberChange(d.id, sender, false)
	if len(d.subscribers) == 0 {
		d.sink.PropertyChanged(d.id, "in-use", false)
	}
}
