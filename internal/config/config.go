// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads <sysconfdir>/fprintd.conf, the daemon-wide TOML
// file selecting the storage backend, the static policy group lists, and
// the log level (spec.md §6 "Config file"). A missing file is not an
// error: the daemon falls back to the built-in file storage backend with
// no group restrictions, exactly as spec.md requires.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
)

// DefaultConfigDir is the directory Load looks in when none is
// given, matching the real daemon's sysconfdir.
const DefaultConfigDir = "/etc"

// ConfigFileName is the file Load reads from confDir.
const ConfigFileName = "fprintd.conf"

// StorageConfig selects and configures the active TemplateStore backend
// (spec.md §4.1's "plug model", generalized to the two backends
// SPEC_FULL.md adds).
type StorageConfig struct {
	// Type is "file" (default) or "bolt".
	Type string
	// Path overrides the backend's default root: a directory for
	// "file", a single database file for "bolt".
	Path string
}

// PolicyConfig is the [policy] table: an OS-group allow-list per action,
// consumed by internal/authz/staticpolicy.Config. An empty list means
// "everyone", per staticpolicy's own default-open semantics.
type PolicyConfig struct {
	VerifyGroups      []string `toml:"verify-groups"`
	EnrollGroups      []string `toml:"enroll-groups"`
	SetUsernameGroups []string `toml:"set-username-groups"`
}

// LoggingConfig is the [logging] table.
type LoggingConfig struct {
	Level string
}

// Config is the full contents of fprintd.conf.
type Config struct {
	Storage StorageConfig
	Policy  PolicyConfig
	Logging LoggingConfig
}

// Default returns the configuration the daemon uses when fprintd.conf is
// absent: the built-in file backend, an open policy, and info-level
// logging.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Type: "file"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads confDir/fprintd.conf and returns the parsed Config. A
// missing file returns Default(), nil — not an error — per spec.md §6.
// Any other read failure, or TOML content that doesn't match Config's
// shape, is returned as an error; the TOML library can panic on
// malformed input, so Load recovers around Unmarshal the same way the
// teacher's loader recovered around its own TOML parse.
func Load(confDir string) (cfg *Config, err error) {
	if confDir == "" {
		confDir = DefaultConfigDir
	}
	path := filepath.Join(confDir, ConfigFileName)

	contents, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading configuration file %s: %w", path, readErr)
	}

	defer func() {
		if r := recover(); r != nil {
			cfg = nil
			err = fmt.Errorf("could not load configuration file; invalid TOML (%s): %v", path, r)
		}
	}()

	cfg = Default()
	if err := toml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("unable to parse configuration file (%s): %w", path, err)
	}
	return cfg, nil
}
