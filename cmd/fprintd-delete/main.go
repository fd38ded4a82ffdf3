// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Command fprintd-delete deletes the enrolled fingerprints for one or
// more users on every discovered device, mirroring tests/delete.c.
package main

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/freedesktop-fprint/fprintd/internal/bus"
	"github.com/freedesktop-fprint/fprintd/internal/fprinterr"
)

func main() {
	root := &cobra.Command{
		Use:   "fprintd-delete <username> [usernames...]",
		Short: "Delete enrolled fingerprints",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, usernames []string) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer conn.Close()

	mgr := conn.Object(bus.BusName, bus.ManagerPath)
	var paths []dbus.ObjectPath
	if call := mgr.Call(bus.ManagerInterface+".GetDevices", 0); call.Err != nil {
		return fmt.Errorf("list_devices failed: %w", call.Err)
	} else if err := call.Store(&paths); err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Println("No devices found")
		os.Exit(1)
	}

	fmt.Printf("found %d devices\n", len(paths))
	for _, p := range paths {
		fmt.Printf("Device at %s\n", p)
	}

	for _, path := range paths {
		fmt.Printf("Using device %s\n", path)
		dev := conn.Object(bus.BusName, path)
		for _, username := range usernames {
			deleteFingerprints(dev, username)
		}
	}
	return nil
}

func deleteFingerprints(dev dbus.BusObject, username string) {
	deviceName := "this device"
	if name, err := dev.GetProperty(bus.DeviceInterface + ".name"); err == nil {
		if s, ok := name.Value().(string); ok {
			deviceName = s
		}
	}

	call := dev.Call(bus.DeviceInterface+".DeleteEnrolledFingers", 0, username)
	if call.Err == nil {
		fmt.Printf("Fingerprints deleted on %s\n", deviceName)
		return
	}
	if busErrorName(call.Err) == fprinterr.NoEnrolledPrints.BusName() {
		fmt.Printf("No fingerprints to delete on %s\n", deviceName)
		return
	}
	fmt.Fprintf(os.Stderr, "DeleteEnrolledFingers failed: %s\n", call.Err)
}

// busErrorName extracts the D-Bus error name from err, however godbus
// chose to represent it (dbus.Error is returned by value on some call
// paths and by pointer on others).
func busErrorName(err error) string {
	switch e := err.(type) {
	case dbus.Error:
		return e.Name
	case *dbus.Error:
		return e.Name
	default:
		return ""
	}
}
