// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package bus is the thin adapter between godbus/dbus/v5 and the
// manager.Manager / device.Device core (spec.md §6). Every exported
// method call is re-expressible as "marshal this D-Bus call into the
// core, marshal the result back" — no state lives here beyond the D-Bus
// plumbing itself.
package bus

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/freedesktop-fprint/fprintd/internal/fprinterr"
	"github.com/freedesktop-fprint/fprintd/internal/logging"
	"github.com/freedesktop-fprint/fprintd/internal/manager"
)

const (
	// BusName is the well-known name the daemon acquires at startup.
	BusName = "net.reactivated.Fprint"

	ManagerPath      = dbus.ObjectPath("/net/reactivated/Fprint/Manager")
	ManagerInterface = "net.reactivated.Fprint.Manager"

	DevicePathPrefix = "/net/reactivated/Fprint/Device/"
	DeviceInterface  = "net.reactivated.Fprint.Device"

	dbusDaemonService = "org.freedesktop.DBus"
)

// Server owns the D-Bus connection and exports the Manager/Device object
// tree on top of it.
type Server struct {
	conn *dbus.Conn
	mgr  *manager.Manager
	log  logging.Client
	sink *busSink

	sigCh chan *dbus.Signal
	done  chan struct{}
}

// NewServer wraps an already-connected dbus.Conn. Sink returns the
// device.SignalSink that must be passed to manager.Manager.Discover
// before Start is called, so every constructed Device already has
// somewhere to send its signals and property changes once exported.
func NewServer(conn *dbus.Conn, mgr *manager.Manager, log logging.Client) *Server {
	return &Server{conn: conn, mgr: mgr, log: log, sink: newBusSink(conn, log), done: make(chan struct{})}
}

// Sink returns the device.SignalSink backing every Device this server
// will export.
func (s *Server) Sink() *busSink {
	return s.sink
}

// Start exports the Manager object and every already-discovered Device,
// acquires BusName as primary owner (fatal on failure, per spec.md §4.6
// step 4), and starts watching NameOwnerChanged so a caller's dropped
// connection reaches manager.Manager.HandleDisconnect.
func (s *Server) Start() error {
	if err := s.exportManager(); err != nil {
		return err
	}
	for _, id := range s.mgr.GetDevices() {
		d, ok := s.mgr.Device(id)
		if !ok {
			continue
		}
		if err := exportDevice(s.conn, d, s.sink, s.log); err != nil {
			return fprinterr.Wrap(fprinterr.Internal, err, "exporting device object")
		}
	}

	reply, err := s.conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fprinterr.Wrap(fprinterr.Internal, err, "requesting bus name")
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fprinterr.New(fprinterr.Internal, "could not become primary owner of "+BusName)
	}

	return s.watchDisconnects()
}

func (s *Server) exportManager() error {
	intro := &introspect.Node{
		Name: string(ManagerPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: ManagerInterface,
				Methods: []introspect.Method{
					{
						Name: "GetDevices",
						Args: []introspect.Arg{{Name: "devices", Type: "ao", Direction: "out"}},
					},
					{
						Name: "GetDefaultDevice",
						Args: []introspect.Arg{{Name: "device", Type: "o", Direction: "out"}},
					},
				},
			},
		},
	}
	if err := s.conn.Export(intro, ManagerPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fprinterr.Wrap(fprinterr.Internal, err, "exporting manager introspection")
	}
	if err := s.conn.Export(&managerObject{mgr: s.mgr}, ManagerPath, ManagerInterface); err != nil {
		return fprinterr.Wrap(fprinterr.Internal, err, "exporting manager object")
	}
	return nil
}

// watchDisconnects subscribes to org.freedesktop.DBus's NameOwnerChanged
// and forwards every "a unique name lost its owner" event into
// Manager.HandleDisconnect, the same mechanism snapd-style D-Bus services
// use to notice a client going away.
func (s *Server) watchDisconnects() error {
	if err := s.conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusDaemonService),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return fprinterr.Wrap(fprinterr.Internal, err, "watching NameOwnerChanged")
	}

	s.sigCh = make(chan *dbus.Signal, 16)
	s.conn.Signal(s.sigCh)

	go func() {
		for {
			select {
			case sig, ok := <-s.sigCh:
				if !ok {
					return
				}
				s.handleSignal(sig)
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

func (s *Server) handleSignal(sig *dbus.Signal) {
	if sig.Name != dbusDaemonService+".NameOwnerChanged" || len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)
	if oldOwner == "" || newOwner != "" {
		return
	}
	s.log.WithField("sender", name).Debug("bus connection lost")
	s.mgr.HandleDisconnect(name)
}

// Close stops watching for disconnects. It does not close the
// underlying dbus.Conn, which the caller owns.
func (s *Server) Close() {
	close(s.done)
	if s.sigCh != nil {
		s.conn.RemoveSignal(s.sigCh)
	}
}

// managerObject is exported at ManagerPath as ManagerInterface.
type managerObject struct {
	mgr *manager.Manager
}

func (m *managerObject) GetDevices() ([]dbus.ObjectPath, *dbus.Error) {
	ids := m.mgr.GetDevices()
	paths := make([]dbus.ObjectPath, len(ids))
	for i, id := range ids {
		paths[i] = DevicePath(id)
	}
	return paths, nil
}

func (m *managerObject) GetDefaultDevice() (dbus.ObjectPath, *dbus.Error) {
	d, err := m.mgr.GetDefaultDevice()
	if err != nil {
		return "", toDBusError(err)
	}
	return DevicePath(d.ID()), nil
}

// toDBusError maps an internal fprinterr.Error onto the wire-level
// net.reactivated.Fprint.Error.* name from spec.md §6.
func toDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	kind := fprinterr.KindOf(err)
	return dbus.NewError(kind.BusName(), []interface{}{err.Error()})
}
