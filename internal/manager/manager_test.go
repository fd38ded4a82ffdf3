// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedesktop-fprint/fprintd/internal/authz"
	"github.com/freedesktop-fprint/fprintd/internal/device"
	"github.com/freedesktop-fprint/fprintd/internal/driver"
	"github.com/freedesktop-fprint/fprintd/internal/driver/simdriver"
	"github.com/freedesktop-fprint/fprintd/internal/eventloop"
	"github.com/freedesktop-fprint/fprintd/internal/logging"
	"github.com/freedesktop-fprint/fprintd/internal/storage/file"
)

type allowAllPolicy struct{}

func (allowAllPolicy) Check(authz.Caller, authz.Action) (bool, error) { return true, nil }

type fixedResolver string

func (f fixedResolver) Resolve(sender string) (uint32, string, error) {
	return 1000, string(f), nil
}

func permissiveGate() *authz.Gate {
	return authz.New(allowAllPolicy{}, fixedResolver("caller-account"))
}

// fakeTimer is a manually-triggered IdleTimer, so tests never wait on a
// real 30-second clock.
type fakeTimer struct {
	armed    bool
	onExpire func()
}

func (f *fakeTimer) Arm(onExpire func()) {
	if f.armed {
		return
	}
	f.armed = true
	f.onExpire = onExpire
}

func (f *fakeTimer) Cancel() {
	f.armed = false
	f.onExpire = nil
}

func (f *fakeTimer) fire() {
	if f.armed && f.onExpire != nil {
		cb := f.onExpire
		f.armed = false
		cb()
	}
}

func twoDeviceAdapter(loop *eventloop.Loop) *simdriver.Adapter {
	descs := []driver.DeviceDescriptor{
		{DriverID: 1, DeviceType: 1, DriverName: "sim", Name: "reader-a", ScanType: driver.ScanTypePress},
		{DriverID: 1, DeviceType: 2, DriverName: "sim", Name: "reader-b", ScanType: driver.ScanTypeSwipe},
	}
	return simdriver.New(loop, descs, simdriver.DefaultScript())
}

func newTestManager(t *testing.T, noTimeout bool) (*Manager, *eventloop.Loop, *fakeTimer) {
	t.Helper()
	loop := eventloop.New(nil)
	t.Cleanup(loop.Close)

	adapter := twoDeviceAdapter(loop)
	gate := permissiveGate()
	log := logging.New(io.Discard, "test", "error")

	m := New(loop, adapter, gate, log, noTimeout, nil)
	timer := &fakeTimer{}
	m.timer = timer

	store := file.New(t.TempDir())
	err := m.Discover(func(id int, desc driver.DeviceDescriptor, registry device.Registry, sink device.SignalSink) *device.Device {
		return device.New(id, desc, adapter, loop, store, gate, log, registry, sink)
	}, device.NopSink{})
	require.NoError(t, err)

	return m, loop, timer
}

func TestDiscoverAssignsMonotonicIDs(t *testing.T) {
	m, _, _ := newTestManager(t, false)
	assert.Equal(t, []int{0, 1}, m.GetDevices())
}

func TestGetDefaultDeviceReturnsFirstDiscovered(t *testing.T) {
	m, _, _ := newTestManager(t, false)
	d, err := m.GetDefaultDevice()
	require.NoError(t, err)
	assert.Equal(t, 0, d.ID())
}

func TestGetDefaultDeviceFailsWithNoDevices(t *testing.T) {
	loop := eventloop.New(nil)
	t.Cleanup(loop.Close)
	m := New(loop, simdriver.New(loop, nil, simdriver.DefaultScript()), permissiveGate(), logging.New(io.Discard, "test", "error"), false, nil)
	_, err := m.GetDefaultDevice()
	assert.Error(t, err)
}

// In-use tracks whether a bus sender is subscribed to a device (spec.md
// §8 "in-use accounting"), not whether it currently holds the claim:
// Release keeps the caller's subscription, so the idle timer only arms
// once the sender's bus connection itself goes away.

func TestIdleTimerArmedAtStartupWithNothingClaimed(t *testing.T) {
	_, _, timer := newTestManager(t, false)
	assert.True(t, timer.armed)
}

func TestIdleTimerCanceledWhileClaimedAndRearmedOnDisconnect(t *testing.T) {
	m, loop, timer := newTestManager(t, false)
	d, ok := m.Device(0)
	require.True(t, ok)

	require.NoError(t, d.Claim(":1.1", "alice"))
	assert.False(t, timer.armed)

	require.NoError(t, d.Release(":1.1"))
	assert.False(t, timer.armed, "Release keeps the subscription; the connection is still in use")

	d.HandleDisconnect(":1.1")
	_, err := loop.Call(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	assert.True(t, timer.armed)
}

func TestIdleTimerStaysCanceledWhileAnotherDeviceInUse(t *testing.T) {
	m, loop, timer := newTestManager(t, false)
	d0, _ := m.Device(0)
	d1, _ := m.Device(1)

	require.NoError(t, d0.Claim(":1.1", "alice"))
	require.NoError(t, d1.Claim(":1.2", "bob"))
	assert.False(t, timer.armed)

	d0.HandleDisconnect(":1.1")
	_, err := loop.Call(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	assert.False(t, timer.armed, "device 1 is still in use")

	d1.HandleDisconnect(":1.2")
	_, err = loop.Call(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	assert.True(t, timer.armed)
}

func TestNoTimeoutSuppressesArming(t *testing.T) {
	_, _, timer := newTestManager(t, true)
	assert.False(t, timer.armed)
}

func TestIdleTimerFiresOnExit(t *testing.T) {
	loop := eventloop.New(nil)
	t.Cleanup(loop.Close)
	adapter := twoDeviceAdapter(loop)
	gate := permissiveGate()
	log := logging.New(io.Discard, "test", "error")

	exited := make(chan struct{}, 1)
	m := New(loop, adapter, gate, log, false, func() { exited <- struct{}{} })
	timer := &fakeTimer{}
	m.timer = timer

	store := file.New(t.TempDir())
	require.NoError(t, m.Discover(func(id int, desc driver.DeviceDescriptor, registry device.Registry, sink device.SignalSink) *device.Device {
		return device.New(id, desc, adapter, loop, store, gate, log, registry, sink)
	}, device.NopSink{}))

	require.True(t, timer.armed, "timer arms at startup per scenario 6 (idle shutdown)")

	timer.fire()
	select {
	case <-exited:
	default:
		t.Fatal("expected onExit to run")
	}
}

func TestHandleDisconnectForcesRelease(t *testing.T) {
	m, loop, _ := newTestManager(t, false)
	d, _ := m.Device(0)

	require.NoError(t, d.Claim(":1.1", "alice"))
	m.HandleDisconnect(":1.1")

	_, err := loop.Call(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	_, err = loop.Call(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)

	require.NoError(t, d.Claim(":1.2", "bob"))
}
