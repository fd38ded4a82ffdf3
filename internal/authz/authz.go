// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package authz implements the three questions a caller's bus identity
// may ask of the local-policy engine (spec.md §4.4). The policy engine
// itself is an external collaborator (spec.md §1); this package only
// defines the interface it must satisfy and the uid-0 bypass rule, which
// is enforced here rather than delegated so no policy backend can
// accidentally deny it.
package authz

import (
	"sync"

	"github.com/google/uuid"

	"github.com/freedesktop-fprint/fprintd/internal/fprinterr"
)

// Action is one of the three operations a caller may be authorized for.
type Action string

const (
	ActionVerify      Action = "verify"
	ActionEnroll      Action = "enroll"
	ActionSetUsername Action = "set-username"
)

// Caller identifies a bus client: its unique connection name (sender),
// the OS identity behind it, and a WatchToken minted once per resolved
// identity so log lines spanning the resolve, the subscriber-watch it
// backs, and the eventual Forget can be correlated without re-stating
// the sender's raw bus name everywhere.
type Caller struct {
	Sender     string
	UID        uint32
	Username   string
	WatchToken string
}

// PolicyEngine answers whether caller may perform action. It is consulted
// for every combination except the uid-0 bypass, which Gate handles
// itself.
type PolicyEngine interface {
	Check(caller Caller, action Action) (bool, error)
}

// IdentityResolver maps a bus sender to its OS uid/username, the way a
// real D-Bus connection's GetConnectionUnixUser would.
type IdentityResolver interface {
	Resolve(sender string) (uid uint32, username string, err error)
}

// Gate is the AuthzGate of spec.md §4.4.
type Gate struct {
	policy   PolicyEngine
	resolver IdentityResolver

	mu    sync.Mutex
	cache map[string]Caller
}

// New builds a Gate backed by policy and resolver.
func New(policy PolicyEngine, resolver IdentityResolver) *Gate {
	return &Gate{policy: policy, resolver: resolver, cache: map[string]Caller{}}
}

func (g *Gate) identify(sender string) (Caller, error) {
	g.mu.Lock()
	if c, ok := g.cache[sender]; ok {
		g.mu.Unlock()
		return c, nil
	}
	g.mu.Unlock()

	uid, username, err := g.resolver.Resolve(sender)
	if err != nil {
		return Caller{}, fprinterr.Wrap(fprinterr.Internal, err, "resolving caller identity")
	}
	c := Caller{Sender: sender, UID: uid, Username: username, WatchToken: uuid.New().String()}

	g.mu.Lock()
	g.cache[sender] = c
	g.mu.Unlock()
	return c, nil
}

// Forget drops the cached identity for sender, called on client
// disconnect so a later reconnect is resolved fresh.
func (g *Gate) Forget(sender string) {
	g.mu.Lock()
	delete(g.cache, sender)
	g.mu.Unlock()
}

// ResolveUsername implements spec.md §4.4: if requested is empty or equal
// to the caller's own account, the caller's account is used. Otherwise
// the caller must be permitted ActionSetUsername (or be uid 0).
func (g *Gate) ResolveUsername(sender, requested string) (effective string, err error) {
	caller, err := g.identify(sender)
	if err != nil {
		return "", err
	}
	if requested == "" || requested == caller.Username {
		return caller.Username, nil
	}

	ok, err := g.allowed(caller, ActionSetUsername)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fprinterr.New(fprinterr.PermissionDenied, "caller may not act as another user")
	}
	return requested, nil
}

// Check reports whether caller is permitted action, honoring the uid-0
// bypass for verify and set-username.
func (g *Gate) Check(sender string, action Action) error {
	caller, err := g.identify(sender)
	if err != nil {
		return err
	}
	ok, err := g.allowed(caller, action)
	if err != nil {
		return err
	}
	if !ok {
		return fprinterr.New(fprinterr.PermissionDenied, string(action)+" denied")
	}
	return nil
}

// CheckAny returns nil on the first permitted action; if none are
// permitted it returns the PermissionDenied of the last one checked.
func (g *Gate) CheckAny(sender string, actions ...Action) error {
	var lastErr error
	for _, a := range actions {
		if err := g.Check(sender, a); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fprinterr.New(fprinterr.PermissionDenied, "no permitted action")
	}
	return lastErr
}

func (g *Gate) allowed(caller Caller, action Action) (bool, error) {
	if caller.UID == 0 && (action == ActionSetUsername || action == ActionVerify) {
		return true, nil
	}
	ok, err := g.policy.Check(caller, action)
	if err != nil {
		return false, fprinterr.Wrap(fprinterr.Internal, err, "checking policy")
	}
	return ok, nil
}
