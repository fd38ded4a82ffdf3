// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"os/user"
	"strconv"

	"github.com/godbus/dbus/v5"
)

// ConnResolver implements authz.IdentityResolver against a live dbus.Conn,
// the production counterpart to the fixed resolvers manager/device tests
// use. It asks org.freedesktop.DBus for the uid behind a sender's unique
// connection name, then maps that uid to a username with os/user, the same
// lookup a real system-bus service is expected to do for itself rather
// than trusting anything the caller claims.
type ConnResolver struct {
	conn *dbus.Conn
}

// NewConnResolver wraps conn for use as an authz.IdentityResolver.
func NewConnResolver(conn *dbus.Conn) *ConnResolver {
	return &ConnResolver{conn: conn}
}

// Resolve implements authz.IdentityResolver.
func (r *ConnResolver) Resolve(sender string) (uid uint32, username string, err error) {
	var rawUID uint32
	call := r.conn.BusObject().Call(dbusDaemonService+".GetConnectionUnixUser", 0, sender)
	if call.Err != nil {
		return 0, "", call.Err
	}
	if err := call.Store(&rawUID); err != nil {
		return 0, "", err
	}

	u, err := user.LookupId(strconv.FormatUint(uint64(rawUID), 10))
	if err != nil {
		return rawUID, "", err
	}
	return rawUID, u.Username, nil
}
