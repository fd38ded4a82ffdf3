// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package logging wraps the daemon-wide structured logger so call sites
// never depend on a concrete logging library directly.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Client is the logging surface every component receives at construction
// time. Nothing in this repository reaches for a package-level logger.
type Client interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	WithField(key string, value interface{}) Client
	WithFields(fields map[string]interface{}) Client
}

type entryClient struct {
	entry *logrus.Entry
}

// New builds a Client writing to w at the given level name ("debug",
// "info", "warn", "error"; unrecognized values fall back to "info").
func New(w io.Writer, serviceName, levelName string) Client {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	return &entryClient{entry: l.WithField("service", serviceName)}
}

// NewDefault returns a Client writing to stderr at info level, the
// fallback used by callers that have not yet loaded configuration.
func NewDefault(serviceName string) Client {
	return New(os.Stderr, serviceName, "info")
}

func (c *entryClient) Debug(args ...interface{}) { c.entry.Debug(args...) }
func (c *entryClient) Info(args ...interface{})  { c.entry.Info(args...) }
func (c *entryClient) Warn(args ...interface{})  { c.entry.Warn(args...) }
func (c *entryClient) Error(args ...interface{}) { c.entry.Error(args...) }

func (c *entryClient) WithField(key string, value interface{}) Client {
	return &entryClient{entry: c.entry.WithField(key, value)}
}

func (c *entryClient) WithFields(fields map[string]interface{}) Client {
	return &entryClient{entry: c.entry.WithFields(logrus.Fields(fields))}
}
