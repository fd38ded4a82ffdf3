package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallRunsOnLoopAndReturnsResult(t *testing.T) {
	l := New(nil)
	defer l.Close()

	v, err := l.Call(func() (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPostOrdersWorkFIFO(t *testing.T) {
	l := New(nil)
	defer l.Close()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for posted work")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCancelTimerSuppressesCallback(t *testing.T) {
	l := New(nil)
	defer l.Close()

	fired := make(chan struct{}, 1)
	id := l.AddTimer(20*time.Millisecond, func() { fired <- struct{}{} })
	l.CancelTimer(id)

	select {
	case <-fired:
		t.Fatal("timer fired after cancel")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestAddTimerFires(t *testing.T) {
	l := New(nil)
	defer l.Close()

	fired := make(chan struct{}, 1)
	l.AddTimer(5*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}
