// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"

	"github.com/freedesktop-fprint/fprintd/internal/fprinterr"
)

func TestDevicePathFormatsObjectPathByID(t *testing.T) {
	assert.Equal(t, dbus.ObjectPath("/net/reactivated/Fprint/Device/0"), DevicePath(0))
	assert.Equal(t, dbus.ObjectPath("/net/reactivated/Fprint/Device/12"), DevicePath(12))
}

func TestToDBusErrorMapsKindToBusName(t *testing.T) {
	err := fprinterr.New(fprinterr.NoEnrolledPrints, "no enrolled prints")
	dbusErr := toDBusError(err)
	if assert.NotNil(t, dbusErr) {
		assert.Equal(t, "net.reactivated.Fprint.Error.NoEnrolledPrints", dbusErr.Name)
	}
}

func TestToDBusErrorNilOnNilError(t *testing.T) {
	assert.Nil(t, toDBusError(nil))
}
