// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package staticpolicy implements authz.PolicyEngine against a group
// allow-list read from fprintd.conf's [policy] table, standing in for a
// real Polkit round trip (out of scope per spec.md §1). It follows the
// same caller-sender-in, allowed-bool-out shape as the PolkitAuthorizer in
// the reference ollama-proxy device manager
// (other_examples/5e7b4d29_dmzoneill-ollama-proxy__pkg-device-manager.go.go).
package staticpolicy

import (
	"os/user"

	"github.com/freedesktop-fprint/fprintd/internal/authz"
	"github.com/freedesktop-fprint/fprintd/internal/logging"
)

// GroupLookup resolves the OS group names a username belongs to; split
// out as an interface so tests don't depend on the real /etc/group.
type GroupLookup interface {
	GroupsForUser(username string) ([]string, error)
}

type osGroupLookup struct{}

func (osGroupLookup) GroupsForUser(username string) ([]string, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	gids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(gids))
	for _, gid := range gids {
		if g, err := user.LookupGroupId(gid); err == nil {
			names = append(names, g.Name)
		}
	}
	return names, nil
}

// OSGroupLookup is the production GroupLookup backed by the real OS
// group database.
func OSGroupLookup() GroupLookup { return osGroupLookup{} }

// Policy is an authz.PolicyEngine backed by per-action allowed-group
// lists.
type Policy struct {
	lookup GroupLookup
	log    logging.Client

	verifyGroups      map[string]bool
	enrollGroups      map[string]bool
	setUsernameGroups map[string]bool
}

// Config is the [policy] table of fprintd.conf.
type Config struct {
	VerifyGroups      []string
	EnrollGroups      []string
	SetUsernameGroups []string
}

// New builds a Policy from cfg, looking up group membership through
// lookup.
func New(cfg Config, lookup GroupLookup, log logging.Client) *Policy {
	return &Policy{
		lookup:            lookup,
		log:               log,
		verifyGroups:      toSet(cfg.VerifyGroups),
		enrollGroups:      toSet(cfg.EnrollGroups),
		setUsernameGroups: toSet(cfg.SetUsernameGroups),
	}
}

func toSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// Check implements authz.PolicyEngine.
func (p *Policy) Check(caller authz.Caller, action authz.Action) (bool, error) {
	var allowed map[string]bool
	switch action {
	case authz.ActionVerify:
		allowed = p.verifyGroups
	case authz.ActionEnroll:
		allowed = p.enrollGroups
	case authz.ActionSetUsername:
		allowed = p.setUsernameGroups
	default:
		return false, nil
	}
	// An empty allow-list for an action means "everyone" — matches the
	// distro default of fprintd's own Polkit policy, which ships verify
	// and enroll open to any local, active session.
	if len(allowed) == 0 {
		return true, nil
	}

	groups, err := p.lookup.GroupsForUser(caller.Username)
	if err != nil {
		p.log.WithField("username", caller.Username).Warn("group lookup failed, denying")
		return false, nil
	}
	for _, g := range groups {
		if allowed[g] {
			return true, nil
		}
	}
	return false, nil
}
