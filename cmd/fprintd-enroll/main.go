// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Command fprintd-enroll is a thin D-Bus client that enrolls a right
// index finger on the default device, mirroring the prompts of the
// original tests/enroll.c example.
package main

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/freedesktop-fprint/fprintd/internal/bus"
)

const enrollFinger = "right-index-finger"

func main() {
	root := &cobra.Command{
		Use:   "fprintd-enroll [username]",
		Short: "Enroll a fingerprint",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, args []string) error {
	var username string
	if len(args) == 1 {
		username = args[0]
	}

	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer conn.Close()

	path, err := defaultDevicePath(conn)
	if err != nil {
		return err
	}
	fmt.Printf("Using device %s\n", path)

	dev := conn.Object(bus.BusName, path)
	if call := dev.Call(bus.DeviceInterface+".Claim", 0, username); call.Err != nil {
		return fmt.Errorf("failed to claim device: %w", call.Err)
	}
	defer dev.Call(bus.DeviceInterface+".Release", 0)

	sigCh := make(chan *dbus.Signal, 16)
	conn.Signal(sigCh)
	defer conn.RemoveSignal(sigCh)
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(bus.DeviceInterface),
		dbus.WithMatchMember("EnrollStatus"),
	); err != nil {
		return fmt.Errorf("failed to watch EnrollStatus: %w", err)
	}

	fmt.Printf("Enrolling %s.\n", readableFinger(enrollFinger))
	if call := dev.Call(bus.DeviceInterface+".EnrollStart", 0, enrollFinger); call.Err != nil {
		return fmt.Errorf("EnrollStart failed: %w", call.Err)
	}

	for sig := range sigCh {
		if sig.Path != path || sig.Name != bus.DeviceInterface+".EnrollStatus" {
			continue
		}
		result, _ := sig.Body[0].(string)
		done, _ := sig.Body[1].(bool)
		fmt.Printf("Enroll result: %s\n", result)
		if done {
			break
		}
	}

	if call := dev.Call(bus.DeviceInterface+".EnrollStop", 0); call.Err != nil {
		return fmt.Errorf("EnrollStop failed: %w", call.Err)
	}
	return nil
}

func readableFinger(name string) string {
	switch name {
	case "right-index-finger":
		return "right index finger"
	default:
		return name
	}
}

func defaultDevicePath(conn *dbus.Conn) (dbus.ObjectPath, error) {
	mgr := conn.Object(bus.BusName, bus.ManagerPath)
	var path dbus.ObjectPath
	if err := mgr.Call(bus.ManagerInterface+".GetDefaultDevice", 0).Store(&path); err != nil {
		return "", fmt.Errorf("list_devices failed: %w", err)
	}
	if path == "" {
		fmt.Println("No devices found")
		os.Exit(1)
	}
	return path, nil
}
