package device

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedesktop-fprint/fprintd/internal/authz"
	"github.com/freedesktop-fprint/fprintd/internal/driver"
	"github.com/freedesktop-fprint/fprintd/internal/driver/simdriver"
	"github.com/freedesktop-fprint/fprintd/internal/eventloop"
	"github.com/freedesktop-fprint/fprintd/internal/finger"
	"github.com/freedesktop-fprint/fprintd/internal/fprinterr"
	"github.com/freedesktop-fprint/fprintd/internal/logging"
	"github.com/freedesktop-fprint/fprintd/internal/storage"
	"github.com/freedesktop-fprint/fprintd/internal/storage/file"
)

type allowAllPolicy struct{}

func (allowAllPolicy) Check(authz.Caller, authz.Action) (bool, error) { return true, nil }

type fixedResolver string

func (f fixedResolver) Resolve(sender string) (uint32, string, error) {
	return 1000, string(f), nil
}

func permissiveGate() *authz.Gate {
	return authz.New(allowAllPolicy{}, fixedResolver("caller-account"))
}

type verifyEvent struct {
	code string
	done bool
}

type enrollEvent struct {
	code string
	done bool
}

type recordingSink struct {
	mu             sync.Mutex
	verifyStatus   []verifyEvent
	fingerSelected []string
	enrollStatus   []enrollEvent
	propChanges    []string
}

func (s *recordingSink) VerifyStatus(_ int, code string, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyStatus = append(s.verifyStatus, verifyEvent{code, done})
}

func (s *recordingSink) VerifyFingerSelected(_ int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerSelected = append(s.fingerSelected, name)
}

func (s *recordingSink) EnrollStatus(_ int, code string, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollStatus = append(s.enrollStatus, enrollEvent{code, done})
}

func (s *recordingSink) PropertyChanged(_ int, name string, _ interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.propChanges = append(s.propChanges, name)
}

func (s *recordingSink) snapshotEnroll() []enrollEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]enrollEvent(nil), s.enrollStatus...)
}

func (s *recordingSink) snapshotVerify() []verifyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]verifyEvent(nil), s.verifyStatus...)
}

func (s *recordingSink) snapshotFingerSelected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fingerSelected...)
}

// drain blocks until every closure already queued on loop has run,
// acting as a barrier after an async_* call that only posts its effects.
func drain(t *testing.T, loop *eventloop.Loop) {
	t.Helper()
	_, err := loop.Call(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)
}

// drainN repeats drain n times, for chains that repost their own
// continuation (stop -> close each being a separate Post hop).
func drainN(t *testing.T, loop *eventloop.Loop, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		drain(t, loop)
	}
}

type testRig struct {
	dev  *Device
	loop *eventloop.Loop
	sink *recordingSink
}

func newTestRig(t *testing.T, script simdriver.Script, store storage.Store) *testRig {
	t.Helper()
	loop := eventloop.New(nil)
	t.Cleanup(loop.Close)

	desc := driver.DeviceDescriptor{DriverID: 9, DeviceType: 1, DriverName: "sim", Name: "Simulated Reader", ScanType: driver.ScanTypePress}
	adapter := simdriver.New(loop, []driver.DeviceDescriptor{desc}, script)

	if store == nil {
		store = file.New(t.TempDir())
	}
	sink := &recordingSink{}
	log := logging.New(io.Discard, "test", "error")

	dev := New(1, desc, adapter, loop, store, permissiveGate(), log, NopRegistry{}, sink)
	return &testRig{dev: dev, loop: loop, sink: sink}
}

func TestClaimThenReleaseReturnsToIdle(t *testing.T) {
	r := newTestRig(t, simdriver.DefaultScript(), nil)

	require.NoError(t, r.dev.Claim(":1.1", "alice"))
	assert.Equal(t, StateClaimed, r.dev.state)

	require.NoError(t, r.dev.Release(":1.1"))
	assert.Equal(t, StateIdle, r.dev.state)
}

func TestSecondClaimWhileHeldFailsAlreadyInUse(t *testing.T) {
	r := newTestRig(t, simdriver.DefaultScript(), nil)
	require.NoError(t, r.dev.Claim(":1.1", "alice"))

	err := r.dev.Claim(":1.2", "bob")
	assert.Equal(t, fprinterr.AlreadyInUse, fprinterr.KindOf(err))
}

func TestEnrollThenVerifySameUser(t *testing.T) {
	r := newTestRig(t, simdriver.Script{EnrollStages: 3, VerifyOutcome: driver.VerifyMatch, SupportsIdentify: true}, nil)

	require.NoError(t, r.dev.Claim(":1.1", "alice"))
	require.NoError(t, r.dev.EnrollStart(":1.1", "right-index-finger"))
	drain(t, r.loop)

	events := r.sink.snapshotEnroll()
	require.Len(t, events, 3)
	assert.Equal(t, enrollEvent{string(driver.EnrollStagePassed), false}, events[0])
	assert.Equal(t, enrollEvent{string(driver.EnrollStagePassed), false}, events[1])
	assert.Equal(t, enrollEvent{string(driver.EnrollCompleted), true}, events[2])

	f, _ := finger.Parse("right-index-finger")
	_, err := r.dev.store.Load(r.dev.keyFor(f), r.dev.adapter)
	require.NoError(t, err)

	require.NoError(t, r.dev.VerifyStart(":1.1", ""))
	drain(t, r.loop)

	assert.Equal(t, []string{"any"}, r.sink.snapshotFingerSelected())
	vEvents := r.sink.snapshotVerify()
	require.Len(t, vEvents, 1)
	assert.Equal(t, verifyEvent{string(driver.VerifyMatch), true}, vEvents[0])

	require.NoError(t, r.dev.Release(":1.1"))
}

func TestVerifyWithNoEnrolledPrintsFails(t *testing.T) {
	r := newTestRig(t, simdriver.DefaultScript(), nil)
	require.NoError(t, r.dev.Claim(":1.1", "bob"))

	err := r.dev.VerifyStart(":1.1", "")
	assert.Equal(t, fprinterr.NoEnrolledPrints, fprinterr.KindOf(err))
	assert.Empty(t, r.sink.snapshotVerify())
	assert.Empty(t, r.sink.snapshotFingerSelected())
}

func TestInvalidFingernameOnEnrollRejectedWithNoStateChange(t *testing.T) {
	r := newTestRig(t, simdriver.DefaultScript(), nil)
	require.NoError(t, r.dev.Claim(":1.1", "alice"))

	err := r.dev.EnrollStart(":1.1", "pinky")
	assert.Equal(t, fprinterr.InvalidFingername, fprinterr.KindOf(err))
	assert.Equal(t, StateClaimed, r.dev.state)
}

func TestDisconnectDuringVerifyForcesReleaseAndAllowsNewClaim(t *testing.T) {
	// VerifyRetryScan is non-terminal, so the verify stays pending (state
	// stuck in StateVerifying) until something stops it explicitly -
	// modeling a live in-flight verify for the disconnect to interrupt,
	// per spec.md §8 scenario 3.
	r := newTestRig(t, simdriver.Script{EnrollStages: 1, VerifyOutcome: driver.VerifyRetryScan, SupportsIdentify: true}, nil)

	require.NoError(t, r.dev.Claim(":1.1", "alice"))
	require.NoError(t, r.dev.EnrollStart(":1.1", "left-thumb"))
	drain(t, r.loop)
	require.NoError(t, r.dev.VerifyStart(":1.1", "left-thumb"))
	drain(t, r.loop)
	assert.Equal(t, StateVerifying, r.dev.state)

	r.dev.HandleDisconnect(":1.1")
	// disconnect -> stop-action -> close-handle is a three-hop Post chain;
	// draining a few extra times is harmless once the chain is quiet.
	drainN(t, r.loop, 5)

	assert.Equal(t, StateIdle, r.dev.state)
	require.NoError(t, r.dev.Claim(":1.2", "bob"))
}

func TestDeleteClearsAllTenSlots(t *testing.T) {
	r := newTestRig(t, simdriver.Script{EnrollStages: 1, SupportsIdentify: true, VerifyOutcome: driver.VerifyMatch}, nil)
	require.NoError(t, r.dev.Claim(":1.1", "alice"))

	for _, name := range []string{"left-index-finger", "right-thumb", "right-middle-finger"} {
		require.NoError(t, r.dev.EnrollStart(":1.1", name))
		drain(t, r.loop)
	}

	require.NoError(t, r.dev.DeleteEnrolledFingers(":1.1", "alice"))

	_, err := r.dev.ListEnrolledFingers(":1.1", "alice")
	assert.Equal(t, fprinterr.NoEnrolledPrints, fprinterr.KindOf(err))

	err = r.dev.VerifyStart(":1.1", "")
	assert.Equal(t, fprinterr.NoEnrolledPrints, fprinterr.KindOf(err))
}

// TestReleaseDuringOpeningClosesOnceOpenCompletes exercises the bug fix
// flagged in spec.md §9: Release arriving while a Claim's Open is still
// in flight must not leave the device falsely Claimed. simdriver
// completes Open on the next loop turn, so a real two-goroutine race would be
// timing-dependent; instead this drives the state machine directly to
// pin the device in StateOpening, then completes the open out of band.
func TestReleaseDuringOpeningClosesOnceOpenCompletes(t *testing.T) {
	r := newTestRig(t, simdriver.DefaultScript(), nil)

	handleCh := make(chan driver.Handle, 1)
	r.dev.adapter.Open(r.dev.desc, func(h driver.Handle, _ error) { handleCh <- h })
	h := <-handleCh

	_, err := r.loop.Call(func() (interface{}, error) {
		r.dev.state = StateOpening
		r.dev.openingSender = ":1.1"
		return nil, nil
	})
	require.NoError(t, err)

	require.NoError(t, r.dev.Release(":1.1"))

	resultCh := make(chan error, 1)
	r.loop.Post(func() {
		r.dev.onOpenResult(h, nil, ":1.1", "alice", resultCh)
	})

	err = <-resultCh
	assert.Equal(t, fprinterr.ClaimDevice, fprinterr.KindOf(err))

	drain(t, r.loop)
	assert.Equal(t, StateIdle, r.dev.state)
}

func TestInUseReflectsSubscriberCount(t *testing.T) {
	r := newTestRig(t, simdriver.DefaultScript(), nil)
	assert.False(t, r.dev.InUse())

	require.NoError(t, r.dev.Claim(":1.1", "alice"))
	assert.True(t, r.dev.InUse())

	require.NoError(t, r.dev.Release(":1.1"))
	assert.True(t, r.dev.InUse()) // the caller remains a subscriber after Release
}
