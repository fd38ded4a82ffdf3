// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"strconv"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/google/uuid"

	"github.com/freedesktop-fprint/fprintd/internal/device"
	"github.com/freedesktop-fprint/fprintd/internal/logging"
)

func DevicePath(id int) dbus.ObjectPath {
	return dbus.ObjectPath(DevicePathPrefix + strconv.Itoa(id))
}

// busSink is the single device.SignalSink shared by every exported
// Device. It is handed to manager.Manager.Discover before any device
// object is exported, so exportDevice registers each device's
// *prop.Properties into it as the object tree is built.
type busSink struct {
	conn *dbus.Conn
	log  logging.Client

	mu    sync.Mutex
	props map[int]*prop.Properties
}

func newBusSink(conn *dbus.Conn, log logging.Client) *busSink {
	return &busSink{conn: conn, log: log, props: map[int]*prop.Properties{}}
}

func (s *busSink) register(id int, p *prop.Properties) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props[id] = p
}

func (s *busSink) VerifyStatus(deviceID int, code string, done bool) {
	s.emit(deviceID, "VerifyStatus", code, done)
}

func (s *busSink) VerifyFingerSelected(deviceID int, name string) {
	s.emit(deviceID, "VerifyFingerSelected", name)
}

func (s *busSink) EnrollStatus(deviceID int, code string, done bool) {
	s.emit(deviceID, "EnrollStatus", code, done)
}

// PropertyChanged pushes a property update onto the bus through
// SetMust, which returns no error, so nothing is logged here (unlike
// emit): a client that misses the change can still read the current
// value via GetAll.
func (s *busSink) PropertyChanged(deviceID int, name string, value interface{}) {
	s.mu.Lock()
	p := s.props[deviceID]
	s.mu.Unlock()
	if p == nil {
		return
	}
	p.SetMust(DeviceInterface, name, value)
}

func (s *busSink) emit(deviceID int, signal string, args ...interface{}) {
	if err := s.conn.Emit(DevicePath(deviceID), DeviceInterface+"."+signal, args...); err != nil {
		s.log.WithField("device", deviceID).WithField("signal", signal).Warn("failed to emit signal")
	}
}

// exportDevice publishes one Device object on the bus at
// /net/reactivated/Fprint/Device/<id>, wiring its properties into sink so
// sink.PropertyChanged reaches a live *prop.Properties.
func exportDevice(conn *dbus.Conn, d *device.Device, sink *busSink, log logging.Client) error {
	path := DevicePath(d.ID())

	intro := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: DeviceInterface,
				Methods: []introspect.Method{
					{Name: "Claim", Args: []introspect.Arg{
						{Name: "username", Type: "s", Direction: "in"},
					}},
					{Name: "Release"},
					{Name: "VerifyStart", Args: []introspect.Arg{
						{Name: "finger_name", Type: "s", Direction: "in"},
					}},
					{Name: "VerifyStop"},
					{Name: "EnrollStart", Args: []introspect.Arg{
						{Name: "finger_name", Type: "s", Direction: "in"},
					}},
					{Name: "EnrollStop"},
					{Name: "ListEnrolledFingers", Args: []introspect.Arg{
						{Name: "username", Type: "s", Direction: "in"},
						{Name: "fingers", Type: "as", Direction: "out"},
					}},
					{Name: "DeleteEnrolledFingers", Args: []introspect.Arg{
						{Name: "username", Type: "s", Direction: "in"},
					}},
				},
				Signals: []introspect.Signal{
					{Name: "VerifyStatus", Args: []introspect.Arg{
						{Name: "result", Type: "s"},
						{Name: "done", Type: "b"},
					}},
					{Name: "VerifyFingerSelected", Args: []introspect.Arg{
						{Name: "finger_name", Type: "s"},
					}},
					{Name: "EnrollStatus", Args: []introspect.Arg{
						{Name: "result", Type: "s"},
						{Name: "done", Type: "b"},
					}},
				},
				Properties: []introspect.Property{
					{Name: "name", Type: "s", Access: "read"},
					{Name: "num-enroll-stages", Type: "i", Access: "read"},
					{Name: "scan-type", Type: "s", Access: "read"},
					{Name: "in-use", Type: "b", Access: "read"},
				},
			},
		},
	}

	if err := conn.Export(intro, path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return err
	}
	if err := conn.Export(&deviceObject{d: d, log: log.WithField("device", d.ID())}, path, DeviceInterface); err != nil {
		return err
	}

	spec := map[string]map[string]*prop.Prop{
		DeviceInterface: {
			"name":              {Value: d.Name(), Writable: false, Emit: prop.EmitTrue},
			"num-enroll-stages": {Value: d.NumEnrollStages(), Writable: false, Emit: prop.EmitTrue},
			"scan-type":         {Value: d.ScanType(), Writable: false, Emit: prop.EmitTrue},
			"in-use":            {Value: d.InUse(), Writable: false, Emit: prop.EmitTrue},
		},
	}
	props, err := prop.Export(conn, path, spec)
	if err != nil {
		return err
	}
	sink.register(d.ID(), props)
	return nil
}

// deviceObject is exported at a device's object path as DeviceInterface.
// Every method takes the caller's unique bus name as its final argument,
// which the core uses to resolve identity and check policy (spec.md
// §4.4); deviceObject itself holds no authorization logic.
type deviceObject struct {
	d   *device.Device
	log logging.Client
}

// call logs a correlation id for one incoming method call, so a slow or
// misbehaving async driver callback can be traced back to the request
// that started it across the log lines the Device and driver packages
// emit in between.
func (o *deviceObject) call(method string) logging.Client {
	return o.log.WithField("method", method).WithField("correlation_id", uuid.New().String())
}

func (o *deviceObject) Claim(username string, sender dbus.Sender) *dbus.Error {
	o.call("Claim").Debug("claim requested")
	return toDBusError(o.d.Claim(string(sender), username))
}

func (o *deviceObject) Release(sender dbus.Sender) *dbus.Error {
	o.call("Release").Debug("release requested")
	return toDBusError(o.d.Release(string(sender)))
}

func (o *deviceObject) VerifyStart(fingerName string, sender dbus.Sender) *dbus.Error {
	o.call("VerifyStart").Debug("verify requested")
	return toDBusError(o.d.VerifyStart(string(sender), fingerName))
}

func (o *deviceObject) VerifyStop(sender dbus.Sender) *dbus.Error {
	o.call("VerifyStop").Debug("verify-stop requested")
	return toDBusError(o.d.VerifyStop(string(sender)))
}

func (o *deviceObject) EnrollStart(fingerName string, sender dbus.Sender) *dbus.Error {
	o.call("EnrollStart").Debug("enroll requested")
	return toDBusError(o.d.EnrollStart(string(sender), fingerName))
}

func (o *deviceObject) EnrollStop(sender dbus.Sender) *dbus.Error {
	o.call("EnrollStop").Debug("enroll-stop requested")
	return toDBusError(o.d.EnrollStop(string(sender)))
}

func (o *deviceObject) ListEnrolledFingers(username string, sender dbus.Sender) ([]string, *dbus.Error) {
	o.call("ListEnrolledFingers").Debug("list requested")
	fingers, err := o.d.ListEnrolledFingers(string(sender), username)
	if err != nil {
		return nil, toDBusError(err)
	}
	return fingers, nil
}

func (o *deviceObject) DeleteEnrolledFingers(username string, sender dbus.Sender) *dbus.Error {
	o.call("DeleteEnrolledFingers").Debug("delete requested")
	return toDBusError(o.d.DeleteEnrolledFingers(string(sender), username))
}
