package wbshare

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testShutdowner struct {
	ShutdownHelper
	calls int32
	err   error
}

func newTestShutdowner(err error) *testShutdowner {
	s := &testShutdowner{err: err}
	s.InitShutdownHelper(testLogger(), s)
	return s
}

func (s *testShutdowner) HandleOnceShutdown(completionErr error) error {
	atomic.AddInt32(&s.calls, 1)
	if completionErr == nil {
		completionErr = s.err
	}
	return completionErr
}

func TestShutdownRunsHandlerOnce(t *testing.T) {
	s := newTestShutdowner(nil)
	want := errors.New("first")
	s.StartShutdown(want)
	s.StartShutdown(errors.New("second"))

	assert.Equal(t, want, s.WaitShutdown())
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.calls))
	assert.True(t, s.IsStartedShutdown())
	assert.True(t, s.IsDoneShutdown())
}

func TestShutdownHandlerSuppliesStatus(t *testing.T) {
	want := errors.New("close failed")
	s := newTestShutdowner(want)
	assert.Equal(t, want, s.Close())
}

func TestShutdownPropagatesToChildren(t *testing.T) {
	parent := newTestShutdowner(nil)
	child := newTestShutdowner(nil)
	parent.AddShutdownChild(child)

	require.NoError(t, parent.Close())
	select {
	case <-child.ShutdownDoneChan():
	default:
		t.Fatal("child not shut down before parent finished")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&child.calls))
}

func TestChildAddedAfterShutdownIsShutDown(t *testing.T) {
	parent := newTestShutdowner(nil)
	parent.Close()

	child := newTestShutdowner(nil)
	parent.AddShutdownChild(child)
	select {
	case <-child.ShutdownDoneChan():
	case <-time.After(5 * time.Second):
		t.Fatal("child never shut down")
	}
}

func TestChildFinishingEarlyIsReleased(t *testing.T) {
	parent := newTestShutdowner(nil)
	child := newTestShutdowner(nil)
	parent.AddShutdownChild(child)
	require.NoError(t, child.Close())
	require.NoError(t, parent.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&child.calls))
}

func TestShutdownOnContext(t *testing.T) {
	s := newTestShutdowner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.ShutdownOnContext(ctx)
	cancel()
	select {
	case <-s.ShutdownDoneChan():
	case <-time.After(5 * time.Second):
		t.Fatal("context cancel did not shut down")
	}
	assert.ErrorIs(t, s.WaitShutdown(), context.Canceled)
}

func TestDoOnceActivate(t *testing.T) {
	s := newTestShutdowner(nil)
	calls := 0
	activate := func() error {
		calls++
		return nil
	}
	require.NoError(t, s.DoOnceActivate(activate, true))
	require.NoError(t, s.DoOnceActivate(activate, true))
	assert.Equal(t, 1, calls)
	assert.True(t, s.IsActivated())
	s.Close()
}

func TestDoOnceActivateFailureShutsDown(t *testing.T) {
	s := newTestShutdowner(nil)
	want := errors.New("bind failed")
	err := s.DoOnceActivate(func() error { return want }, true)
	assert.Equal(t, want, err)
	assert.True(t, s.IsDoneShutdown())
	assert.False(t, s.IsActivated())

	assert.Error(t, s.DoOnceActivate(func() error { return nil }, true))
}
