// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Command fprintd-verify is a thin D-Bus client that verifies one finger
// on the default device, mirroring the original tests/verify.c example.
package main

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/freedesktop-fprint/fprintd/internal/bus"
)

var fingerFlag string

func main() {
	root := &cobra.Command{
		Use:   "fprintd-verify [username]",
		Short: "Verify a fingerprint",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}
	root.Flags().StringVarP(&fingerFlag, "finger", "f", "any", "finger selected to verify (default is automatic)")
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

	mgr := conn.Object(bus.BusName, bus.ManagerPath)
	var path dbus.ObjectPath
	if err := mgr.Call(bus.ManagerInterface+".GetDefaultDevice", 0).Store(&path); err != nil {
		return fmt.Errorf("list_devices failed: %w", err)
	}
	if path == "" {
		fmt.Println("No devices found")
		os.Exit(1)
	}
	fmt.Printf("Using device %s\n", path)

	dev := conn.Object(bus.BusName, path)
	if call := dev.Call(bus.DeviceInterface+".Claim", 0, username); call.Err != nil {
		return fmt.Errorf("failed to claim device: %w", call.Err)
	}
	defer dev.Call(bus.DeviceInterface+".Release", 0)

	finger, err := pickFinger(dev, username)
	if err != nil {
		return err
	}

	statusCh := make(chan *dbus.Signal, 16)
	conn.Signal(statusCh)
	defer conn.RemoveSignal(statusCh)
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(bus.DeviceInterface),
	); err != nil {
		return fmt.Errorf("failed to watch verify signals: %w", err)
	}

	if call := dev.Call(bus.DeviceInterface+".VerifyStart", 0, finger); call.Err != nil {
		return fmt.Errorf("VerifyStart failed: %w", call.Err)
	}

	for sig := range statusCh {
		if sig.Path != path {
			continue
		}
		switch sig.Name {
		case bus.DeviceInterface + ".VerifyFingerSelected":
			name, _ := sig.Body[0].(string)
			fmt.Printf("Verifying: %s\n", name)
		case bus.DeviceInterface + ".VerifyStatus":
			result, _ := sig.Body[0].(string)
			done, _ := sig.Body[1].(bool)
			fmt.Printf("Verify result: %s\n", result)
			if done {
				if call := dev.Call(bus.DeviceInterface+".VerifyStop", 0); call.Err != nil {
					return fmt.Errorf("VerifyStop failed: %w", call.Err)
				}
				return nil
			}
		}
	}
	return nil
}

// pickFinger returns fingerFlag unless it is "any", in which case it lists
// the user's enrolled fingers and verifies against the first one.
func pickFinger(dev dbus.BusObject, username string) (string, error) {
	if fingerFlag != "any" {
		return fingerFlag, nil
	}

	var fingers []string
	if call := dev.Call(bus.DeviceInterface+".ListEnrolledFingers", 0, username); call.Err != nil {
		return "", fmt.Errorf("ListEnrolledFingers failed: %w", call.Err)
	} else if err := call.Store(&fingers); err != nil {
		return "", err
	}
	if len(fingers) == 0 {
		fmt.Println("No fingers enrolled for this device.")
		os.Exit(1)
	}

	fmt.Println("Listing enrolled fingers:")
	for i, f := range fingers {
		fmt.Printf(" - #%d: %s\n", i, f)
	}
	return fingers[0], nil
}
