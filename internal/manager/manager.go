// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package manager implements the process-wide registry of spec.md §4.6:
// startup construction and discovery, and idle-timeout shutdown. Bus
// publication of the registered devices is done by internal/bus. It also breaks the Device<->subscriber-watch reference cycle
// flagged in spec.md §9 by being the only thing that holds Devices by
// pointer; a Device only ever knows the bus sender it is tracking, never
// the Manager.
package manager

import (
	"sort"
	"sync"
	"time"

	"github.com/freedesktop-fprint/fprintd/internal/authz"
	"github.com/freedesktop-fprint/fprintd/internal/device"
	"github.com/freedesktop-fprint/fprintd/internal/driver"
	"github.com/freedesktop-fprint/fprintd/internal/eventloop"
	"github.com/freedesktop-fprint/fprintd/internal/fprinterr"
	"github.com/freedesktop-fprint/fprintd/internal/logging"
)

const idleTimeout = 30 * time.Second

// IdleTimer abstracts the 30-second idle-shutdown timer so tests don't
// have to wait on a real clock; production wires this to eventloop.Loop.
type IdleTimer interface {
	Arm(onExpire func())
	Cancel()
}

// loopIdleTimer is the production IdleTimer, backed by the daemon's
// reactor timer primitive (spec.md §4.3's add_timer/cancel_timer).
type loopIdleTimer struct {
	loop    *eventloop.Loop
	timeout time.Duration

	mu sync.Mutex
	id eventloop.TimerID
	on bool
}

func newLoopIdleTimer(loop *eventloop.Loop, timeout time.Duration) *loopIdleTimer {
	return &loopIdleTimer{loop: loop, timeout: timeout}
}

func (t *loopIdleTimer) Arm(onExpire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.on {
		return
	}
	t.on = true
	t.id = t.loop.AddTimer(t.timeout, func() {
		t.mu.Lock()
		t.on = false
		t.mu.Unlock()
		onExpire()
	})
}

func (t *loopIdleTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.on {
		return
	}
	t.on = false
	t.loop.CancelTimer(t.id)
}

// Manager is the Manager of spec.md §4.6.
type Manager struct {
	loop    *eventloop.Loop
	adapter driver.Adapter
	gate    *authz.Gate
	log     logging.Client
	timer   IdleTimer
	onExit  func()

	noTimeout bool

	mu               sync.Mutex
	devices          []*device.Device
	byID             map[int]*device.Device
	senderDevices    map[string]map[int]bool
	deviceSenders    map[int]map[string]bool
	inUseDeviceCount int
}

// New constructs an empty Manager. Call Discover to enumerate devices and
// begin serving. gate is the shared AuthzGate every constructed Device is
// given; Manager forgets a sender's cached identity from it on disconnect,
// since the Gate has no way to learn that on its own. onExit is called
// once, on the Loop goroutine, when the idle timer expires; cmd/fprintd
// wires it to a channel close that makes the daemon return with status 0.
func New(loop *eventloop.Loop, adapter driver.Adapter, gate *authz.Gate, log logging.Client, noTimeout bool, onExit func()) *Manager {
	m := &Manager{
		loop:          loop,
		adapter:       adapter,
		gate:          gate,
		log:           log,
		noTimeout:     noTimeout,
		onExit:        onExit,
		byID:          map[int]*device.Device{},
		senderDevices: map[string]map[int]bool{},
		deviceSenders: map[int]map[string]bool{},
	}
	m.timer = newLoopIdleTimer(loop, idleTimeout)
	return m
}

// deviceFactory builds one Device per discovered descriptor; production
// passes device.New bound to shared storage/authz/logging dependencies.
// Tests can substitute a factory that records calls.
type deviceFactory func(id int, desc driver.DeviceDescriptor, registry device.Registry, sink device.SignalSink) *device.Device

// Discover enumerates devices via the adapter and constructs one Device
// per descriptor, in discovery order, assigning monotonic ids starting
// at 0. It must be called once, before any bus publication.
func (m *Manager) Discover(newDevice deviceFactory, sink device.SignalSink) error {
	descs, err := m.adapter.DiscoverDevices()
	if err != nil {
		return fprinterr.Wrap(fprinterr.Internal, err, "discovering devices")
	}

	m.mu.Lock()
	for i, desc := range descs {
		d := newDevice(i, desc, m, sink)
		m.devices = append(m.devices, d)
		m.byID[i] = d
	}
	m.mu.Unlock()

	// Scenario 6 (spec.md §8): a daemon that starts and never has a
	// device claimed still must exit after 30s, not only after an
	// in-use -> not-in-use transition that never happens.
	m.reevaluateIdle(0)
	return nil
}

// GetDevices returns the object-path suffix (device id) of every
// registered device, in discovery order.
func (m *Manager) GetDevices() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, len(m.devices))
	for i, d := range m.devices {
		ids[i] = d.ID()
	}
	sort.Ints(ids)
	return ids
}

// GetDefaultDevice returns the first registered device, or
// NoSuchDevice if the registry is empty.
func (m *Manager) GetDefaultDevice() (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.devices) == 0 {
		return nil, fprinterr.New(fprinterr.NoSuchDevice, "no fingerprint devices registered")
	}
	return m.devices[0], nil
}

// Device looks up a published device by id.
func (m *Manager) Device(id int) (*device.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	return d, ok
}

// NotifySubscriberChange implements device.Registry. Devices call this
// synchronously from their own Loop goroutine on every subscriber
// add/remove, so this must never call back into a Device (that would
// deadlock the Loop.Call it is already running inside of); Manager
// mirrors the device's subscriber set itself instead of re-querying it.
func (m *Manager) NotifySubscriberChange(deviceID int, sender string, subscribed bool) {
	m.mu.Lock()

	set, ok := m.senderDevices[sender]
	if subscribed {
		if !ok {
			set = map[int]bool{}
			m.senderDevices[sender] = set
		}
		set[deviceID] = true
	} else if ok {
		delete(set, deviceID)
		if len(set) == 0 {
			delete(m.senderDevices, sender)
		}
	}

	devSet, ok := m.deviceSenders[deviceID]
	wasInUse := ok && len(devSet) > 0
	if subscribed {
		if !ok {
			devSet = map[string]bool{}
			m.deviceSenders[deviceID] = devSet
		}
		devSet[sender] = true
	} else if ok {
		delete(devSet, sender)
	}
	nowInUse := len(devSet) > 0

	if wasInUse != nowInUse {
		if nowInUse {
			m.inUseDeviceCount++
		} else {
			m.inUseDeviceCount--
		}
	}
	total := m.inUseDeviceCount
	m.mu.Unlock()

	m.reevaluateIdle(total)
}

// reevaluateIdle arms or cancels the 30-second idle timer on any
// zero<->nonzero transition of the process-wide in-use device count, per
// spec.md §4.6.
func (m *Manager) reevaluateIdle(totalInUse int) {
	if totalInUse == 0 {
		if !m.noTimeout {
			m.timer.Arm(func() {
				m.log.Info("idle timeout reached, shutting down")
				if m.onExit != nil {
					m.onExit()
				}
			})
		}
		return
	}
	m.timer.Cancel()
}

// HandleDisconnect is called by the bus layer when it observes a
// sender's connection disappear (NameOwnerChanged, empty new owner). It
// forwards to every device that sender was subscribed to, then drops the
// sender's cached uid/username from the AuthzGate.
func (m *Manager) HandleDisconnect(sender string) {
	m.mu.Lock()
	set := m.senderDevices[sender]
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	devices := make([]*device.Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := m.byID[id]; ok {
			devices = append(devices, d)
		}
	}
	m.mu.Unlock()

	for _, d := range devices {
		d.HandleDisconnect(sender)
	}
	m.gate.Forget(sender)
}

