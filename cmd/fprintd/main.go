// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Command fprintd is the daemon entry point: it loads fprintd.conf,
// builds the storage/policy/driver stack, discovers devices, publishes
// them on the bus as net.reactivated.Fprint, and runs until the idle
// timer (or a signal) shuts it down.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/freedesktop-fprint/fprintd/internal/authz"
	"github.com/freedesktop-fprint/fprintd/internal/authz/staticpolicy"
	"github.com/freedesktop-fprint/fprintd/internal/bus"
	"github.com/freedesktop-fprint/fprintd/internal/config"
	"github.com/freedesktop-fprint/fprintd/internal/device"
	"github.com/freedesktop-fprint/fprintd/internal/driver"
	"github.com/freedesktop-fprint/fprintd/internal/driver/simdriver"
	"github.com/freedesktop-fprint/fprintd/internal/eventloop"
	"github.com/freedesktop-fprint/fprintd/internal/logging"
	"github.com/freedesktop-fprint/fprintd/internal/manager"
	"github.com/freedesktop-fprint/fprintd/internal/storage"
	"github.com/freedesktop-fprint/fprintd/internal/storage/boltstore"
	"github.com/freedesktop-fprint/fprintd/internal/storage/file"
)

// flags holds the values cobra fills in on the root command.
var flags struct {
	noTimeout      bool
	gFatalWarnings bool
	configDir      string
}

// defaultDescriptors stands in for hardware discovery: the built-in
// simulator always reports one virtual swipe sensor, the same role
// example/device-system's SystemDriver plays for the teacher.
var defaultDescriptors = []driver.DeviceDescriptor{
	{DriverID: 1, DeviceType: 1, DriverName: "simdriver", Name: "Virtual swipe sensor", ScanType: driver.ScanTypeSwipe},
}

func main() {
	root := &cobra.Command{
		Use:   "fprintd",
		Short: "Fingerprint authentication daemon",
		RunE:  run,
	}
	root.Flags().BoolVarP(&flags.noTimeout, "no-timeout", "t", false, "don't exit after an idle timeout")
	root.Flags().BoolVar(&flags.gFatalWarnings, "g-fatal-warnings", false, "make warnings fatal (compatibility flag, logged and otherwise ignored)")
	root.Flags().StringVar(&flags.configDir, "config-dir", "", "directory containing fprintd.conf (defaults to /etc)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(flags.configDir)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := logging.New(os.Stderr, "fprintd", cfg.Logging.Level)
	if flags.gFatalWarnings {
		log.Warn("--g-fatal-warnings is accepted for command-line compatibility but has no effect")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage backend %q: %w", cfg.Storage.Type, err)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	policy := staticpolicy.New(staticpolicy.Config{
		VerifyGroups:      cfg.Policy.VerifyGroups,
		EnrollGroups:      cfg.Policy.EnrollGroups,
		SetUsernameGroups: cfg.Policy.SetUsernameGroups,
	}, staticpolicy.OSGroupLookup(), log.WithField("component", "staticpolicy"))
	gate := authz.New(policy, bus.NewConnResolver(conn))

	loopLog := hclog.New(&hclog.LoggerOptions{Name: "eventloop", Level: hclog.LevelFromString(cfg.Logging.Level)})
	loop := eventloop.New(loopLog)
	defer loop.Close()

	adapter := simdriver.New(loop, defaultDescriptors, simdriver.DefaultScript())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	exitCh := make(chan struct{})
	onExit := func() {
		log.Info("idle timeout reached, shutting down")
		close(exitCh)
	}

	mgr := manager.New(loop, adapter, gate, log, flags.noTimeout, onExit)

	server := bus.NewServer(conn, mgr, log)
	if err := mgr.Discover(func(id int, desc driver.DeviceDescriptor, registry device.Registry, sink device.SignalSink) *device.Device {
		return device.New(id, desc, adapter, loop, store, gate, log, registry, sink)
	}, server.Sink()); err != nil {
		return fmt.Errorf("discovering devices: %w", err)
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting bus server: %w", err)
	}
	defer server.Close()

	log.WithField("name", bus.BusName).Info("fprintd ready")

	select {
	case <-exitCh:
		return nil
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("received signal, shutting down")
		return nil
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "bolt":
		path := cfg.Path
		if path == "" {
			path = "/var/lib/fprint/fprintd.db"
		}
		return boltstore.Open(path)
	case "file", "":
		path := cfg.Path
		if path == "" {
			path = "/var/lib/fprint"
		}
		return file.New(path), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
