// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

package pamclient

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedesktop-fprint/fprintd/internal/logging"
)

type fakeSession struct {
	claimErr     error
	claimed      string
	released     bool
	verifyStarts int
	stopped      bool
	events       chan VerifyEvent
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan VerifyEvent, 8)}
}

func (s *fakeSession) Claim(username string) error {
	s.claimed = username
	return s.claimErr
}

func (s *fakeSession) Release() error {
	s.released = true
	return nil
}

func (s *fakeSession) VerifyStart(string) error {
	s.verifyStarts++
	return nil
}

func (s *fakeSession) VerifyStop() error {
	s.stopped = true
	return nil
}

func (s *fakeSession) Events() <-chan VerifyEvent { return s.events }

type recordingConv struct {
	infos  []string
	errors []string
}

func (c *recordingConv) Info(msg string)     { c.infos = append(c.infos, msg) }
func (c *recordingConv) ErrorMsg(msg string) { c.errors = append(c.errors, msg) }

func testLog() logging.Client { return logging.New(io.Discard, "pam-test", "error") }

func TestAuthenticateDeniesRemoteSessionsWithoutClaiming(t *testing.T) {
	session := newFakeSession()
	conv := &recordingConv{}

	result := Authenticate(context.Background(), session, conv, "alice", "10.0.0.5", testLog())

	assert.Equal(t, AuthInfoUnavailable, result)
	assert.Empty(t, session.claimed)
}

func TestAuthenticateSucceedsOnFirstMatch(t *testing.T) {
	session := newFakeSession()
	session.events <- VerifyEvent{Code: "verify-match", Done: true}
	conv := &recordingConv{}

	result := Authenticate(context.Background(), session, conv, "alice", "", testLog())

	assert.Equal(t, Success, result)
	require.Equal(t, "alice", session.claimed)
	assert.True(t, session.released)
	assert.Equal(t, 1, session.verifyStarts)
}

func TestAuthenticateRetriesOnNoMatchThenSucceeds(t *testing.T) {
	session := newFakeSession()
	session.events <- VerifyEvent{Code: "verify-no-match", Done: true}
	session.events <- VerifyEvent{Code: "verify-match", Done: true}
	conv := &recordingConv{}

	result := Authenticate(context.Background(), session, conv, "alice", "", testLog())

	assert.Equal(t, Success, result)
	assert.Equal(t, 2, session.verifyStarts)
	assert.Len(t, conv.errors, 1)
}

func TestAuthenticateExhaustsThreeAttemptsOnRepeatedNoMatch(t *testing.T) {
	session := newFakeSession()
	for i := 0; i < maxAttempts; i++ {
		session.events <- VerifyEvent{Code: "verify-no-match", Done: true}
	}
	conv := &recordingConv{}

	result := Authenticate(context.Background(), session, conv, "alice", "", testLog())

	assert.Equal(t, AuthInfoUnavailable, result)
	assert.Equal(t, maxAttempts, session.verifyStarts)
	assert.Len(t, conv.errors, maxAttempts)
}

func TestAuthenticateShortCircuitsOnUnknownError(t *testing.T) {
	session := newFakeSession()
	session.events <- VerifyEvent{Code: "verify-no-match", Done: true}
	session.events <- VerifyEvent{Code: "verify-unknown-error", Done: true}
	session.events <- VerifyEvent{Code: "verify-match", Done: true} // must never be consumed
	conv := &recordingConv{}

	result := Authenticate(context.Background(), session, conv, "alice", "", testLog())

	assert.Equal(t, AuthInfoUnavailable, result)
	assert.Equal(t, 2, session.verifyStarts)
}

func TestAuthenticateRelaysNonTerminalEventsAsPromptsThenFinishes(t *testing.T) {
	session := newFakeSession()
	session.events <- VerifyEvent{Code: "verify-swipe-too-short"}
	session.events <- VerifyEvent{Code: "verify-match", Done: true}
	conv := &recordingConv{}

	result := Authenticate(context.Background(), session, conv, "alice", "", testLog())

	assert.Equal(t, Success, result)
	require.Len(t, conv.infos, 1)
	assert.Contains(t, conv.infos[0], "too short")
}

func TestAuthenticateFailsClaimWithoutCallingVerifyStart(t *testing.T) {
	session := newFakeSession()
	session.claimErr = assertErr{"claim denied"}
	conv := &recordingConv{}

	result := Authenticate(context.Background(), session, conv, "alice", "", testLog())

	assert.Equal(t, AuthInfoUnavailable, result)
	assert.Equal(t, 0, session.verifyStarts)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
