package staticpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedesktop-fprint/fprintd/internal/authz"
	"github.com/freedesktop-fprint/fprintd/internal/logging"
)

type fakeLookup map[string][]string

func (f fakeLookup) GroupsForUser(username string) ([]string, error) {
	return f[username], nil
}

func TestEmptyAllowListPermitsEveryone(t *testing.T) {
	p := New(Config{}, fakeLookup{}, logging.NewDefault("test"))
	ok, err := p.Check(authz.Caller{Username: "anyone"}, authz.ActionVerify)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowListRestrictsToMembers(t *testing.T) {
	p := New(Config{EnrollGroups: []string{"fprint-enroll"}}, fakeLookup{
		"alice": {"users", "fprint-enroll"},
		"bob":   {"users"},
	}, logging.NewDefault("test"))

	ok, err := p.Check(authz.Caller{Username: "alice"}, authz.ActionEnroll)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Check(authz.Caller{Username: "bob"}, authz.ActionEnroll)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnknownActionDenied(t *testing.T) {
	p := New(Config{}, fakeLookup{}, logging.NewDefault("test"))
	ok, err := p.Check(authz.Caller{Username: "alice"}, authz.Action("bogus"))
	require.NoError(t, err)
	assert.False(t, ok)
}
