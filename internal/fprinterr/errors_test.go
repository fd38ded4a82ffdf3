package fprinterr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusNameMapping(t *testing.T) {
	cases := map[Kind]string{
		ClaimDevice:        "net.reactivated.Fprint.Error.ClaimDevice",
		AlreadyInUse:       "net.reactivated.Fprint.Error.AlreadyInUse",
		NoEnrolledPrints:   "net.reactivated.Fprint.Error.NoEnrolledPrints",
		NoActionInProgress: "net.reactivated.Fprint.Error.NoActionInProgress",
		InvalidFingername:  "net.reactivated.Fprint.Error.InvalidFingername",
		PermissionDenied:   "net.reactivated.Fprint.Error.PermissionDenied",
		NoSuchDevice:       "net.reactivated.Fprint.Error.NoSuchDevice",
		Internal:           "net.reactivated.Fprint.Error.Internal",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.BusName())
	}
}

func TestKindOfUnwrapsWrappedCause(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := Wrap(Internal, cause, "saving template")

	assert.Equal(t, Internal, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, cause)
}

func TestKindOfDefaultsToInternalForForeignErrors(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
}
