// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Command fprintd-list prints the enrolled fingers for one or more
// users on the first discovered device, mirroring tests/list.c.
package main

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/freedesktop-fprint/fprintd/internal/bus"
)

func main() {
	root := &cobra.Command{
		Use:   "fprintd-list <username> [usernames...]",
		Short: "List enrolled fingerprints",
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

	path := paths[0]
	fmt.Printf("Using device %s\n", path)
	dev := conn.Object(bus.BusName, path)

	for _, username := range usernames {
		if err := listFingerprints(dev, username); err != nil {
			return err
		}
	}
	return nil
}

func listFingerprints(dev dbus.BusObject, username string) error {
	var fingers []string
	if call := dev.Call(bus.DeviceInterface+".ListEnrolledFingers", 0, username); call.Err != nil {
		return fmt.Errorf("ListEnrolledFingers failed: %w", call.Err)
	} else if err := call.Store(&fingers); err != nil {
		return err
	}

	if len(fingers) == 0 {
		fmt.Printf("User %s has no fingers enrolled for this device.\n", username)
		return nil
	}

	name, err := dev.GetProperty(bus.DeviceInterface + ".name")
	deviceName := "this device"
	if err == nil {
		if s, ok := name.Value().(string); ok {
			deviceName = s
		}
	}

	fmt.Printf("Fingerprints for user %s on %s:\n", username, deviceName)
	for i, f := range fingers {
		fmt.Printf(" - #%d: %s\n", i, f)
	}
	return nil
}
