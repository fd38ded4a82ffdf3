// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package pamclient implements the retry/timeout policy a PAM module
// layers on top of one verify session (spec.md §7 "User-visible behavior
// (PAM side)"). It has no cgo and no real PAM SPI: a real pam_fprintd.so
// would wrap this package behind github.com/msteinert/pam-style glue,
// which is outside this repository's buildable surface. What is kept
// here is the contract that glue would drive: up to three attempts, each
// bounded by a 30-second timer, classifying every verify outcome.
package pamclient

import (
	"context"
	"time"

	"github.com/freedesktop-fprint/fprintd/internal/logging"
)

const (
	maxAttempts     = 3
	attemptTimeout  = 30 * time.Second
	anyFingerPrompt = ""
)

// Result is the outcome handed back to the PAM runtime.
type Result string

const (
	Success             Result = "success"
	AuthInfoUnavailable Result = "authinfo-unavailable"
)

// Conversation is the PAM_CONV-style prompt callback a real module would
// satisfy with pam_info/pam_error, grounded on pam_fprintd.c's
// send_info_msg/send_err_msg pair.
type Conversation interface {
	Info(msg string)
	ErrorMsg(msg string)
}

// VerifyEvent mirrors one VerifyStatus/VerifyFingerSelected signal for a
// single verify attempt.
type VerifyEvent struct {
	Code string
	Done bool
}

// Terminal reports whether Code ends the attempt (spec.md §3's
// verify-result vocabulary: match, no-match and unknown-error are
// terminal; the remaining retry-scan family is not).
func (e VerifyEvent) Terminal() bool {
	switch e.Code {
	case "verify-match", "verify-no-match", "verify-unknown-error":
		return true
	default:
		return false
	}
}

// Session is the narrow slice of the bus-exported Device object a PAM
// client needs: claim it, run one verify attempt at a time, and release
// it once done. A real implementation wraps a godbus client proxy plus
// its VerifyStatus/VerifyFingerSelected signal subscription; tests use an
// in-process fake that needs neither a daemon nor a bus connection.
type Session interface {
	Claim(username string) error
	Release() error
	VerifyStart(fingerName string) error
	VerifyStop() error
	Events() <-chan VerifyEvent
}

// Authenticate runs the PAM-side verify policy of spec.md §7 against
// session on behalf of username. remoteHost short-circuits to
// AuthInfoUnavailable before session is ever touched, per the
// remote-login-denial invariant (spec.md §8).
func Authenticate(ctx context.Context, session Session, conv Conversation, username, remoteHost string, log logging.Client) Result {
	if remoteHost != "" {
		log.WithField("remote_host", remoteHost).Info("denying remote fingerprint authentication")
		return AuthInfoUnavailable
	}

	if err := session.Claim(username); err != nil {
		log.WithField("username", username).Warn("failed to claim device for authentication")
		return AuthInfoUnavailable
	}
	defer session.Release()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome := runAttempt(ctx, session, conv, log)
		switch outcome {
		case attemptMatch:
			return Success
		case attemptNoMatch:
			conv.ErrorMsg("Failed to match fingerprint")
			continue
		case attemptTimedOut:
			conv.Info("Verification timed out")
			session.VerifyStop()
			return AuthInfoUnavailable
		case attemptUnknownError:
			conv.Info("An unknown error occurred")
			return AuthInfoUnavailable
		}
	}
	return AuthInfoUnavailable
}

type attemptOutcome int

const (
	attemptMatch attemptOutcome = iota
	attemptNoMatch
	attemptTimedOut
	attemptUnknownError
)

// runAttempt drives one claim-held verify attempt under its own
// 30-second deadline, per spec.md §5's suspension-point rules: VerifyStart
// replies synchronously, then every VerifyStatus/VerifyFingerSelected
// arrives as a signal until one terminal VerifyStatus ends the attempt.
func runAttempt(ctx context.Context, session Session, conv Conversation, log logging.Client) attemptOutcome {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	if err := session.VerifyStart(anyFingerPrompt); err != nil {
		log.Warn("VerifyStart failed")
		return attemptUnknownError
	}

	for {
		select {
		case <-attemptCtx.Done():
			return attemptTimedOut
		case ev, ok := <-session.Events():
			if !ok {
				return attemptUnknownError
			}
			if !ev.Terminal() {
				conv.Info(retryPrompt(ev.Code))
				continue
			}
			log.WithField("result", ev.Code).Debug("verify attempt finished")
			switch ev.Code {
			case "verify-match":
				return attemptMatch
			case "verify-no-match":
				return attemptNoMatch
			default:
				return attemptUnknownError
			}
		}
	}
}

// retryPrompt turns a non-terminal verify-result code into the kind of
// user prompt pam_fprintd.c's finger_str_to_msg table produces.
func retryPrompt(code string) string {
	switch code {
	case "verify-retry-scan":
		return "Scan didn't work, please try again"
	case "verify-swipe-too-short":
		return "Swipe was too short, please try again"
	case "verify-finger-not-centered":
		return "Finger not centered, please try again"
	case "verify-remove-and-retry":
		return "Remove finger, then try again"
	default:
		return "Please try again"
	}
}
