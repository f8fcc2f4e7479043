package wbshare

import (
	"context"
	"sync"
)

// OnceActivateHandler is called at most once, before shutdown can start, to
// bring an object up. A non-nil return aborts activation and starts shutdown
// with that error.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by every object managed by a ShutdownHelper.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine. It takes
	// completionErr as an advisory completion value, releases the object's
	// resources and returns the real completion value.
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is an object that can be shut down asynchronously and waited on.
type AsyncShutdowner interface {
	// StartShutdown schedules shutdown with an advisory completion error. Calls
	// after the first have no effect.
	StartShutdown(completionErr error)

	// ShutdownDoneChan is closed once shutdown is complete
	ShutdownDoneChan() <-chan struct{}

	// WaitShutdown blocks until shutdown is complete and returns the final status
	WaitShutdown() error
}

// ShutdownHelper is embedded in objects that need once-only asynchronous
// shutdown with propagation to child objects. The embedding object passes
// itself as the OnceShutdownHandler.
type ShutdownHelper struct {
	Logger

	// Lock guards the helper state; embedding objects may use it for their
	// own fields as well
	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	isActivated       bool
	isStartedShutdown bool
	isDoneShutdown    bool
	shutdownErr       error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	// children are waited on before shutdown is done
	wg sync.WaitGroup
}

// InitShutdownHelper initializes a ShutdownHelper in place
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// DoOnceActivate runs onceActivateHandler and marks the object activated if it
// succeeds. It returns nil without calling the handler if the object is already
// active, and an error if shutdown has already started. If the handler fails,
// shutdown is started with its error and, if waitOnFail is set, waited for.
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		return h.Errorf("shutdown already started; cannot activate")
	}
	h.Lock.Unlock()

	err := onceActivateHandler()

	h.Lock.Lock()
	if err == nil && h.isStartedShutdown {
		err = h.Errorf("shut down during activation")
	}
	if err == nil {
		h.isActivated = true
	}
	h.Lock.Unlock()

	if err != nil {
		h.StartShutdown(err)
		if waitOnFail {
			h.WaitShutdown()
		}
	}
	return err
}

// IsActivated returns true once DoOnceActivate has succeeded
func (h *ShutdownHelper) IsActivated() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isActivated
}

// IsStartedShutdown returns true once shutdown has begun
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// IsDoneShutdown returns true once shutdown is complete
func (h *ShutdownHelper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// StartShutdown begins asynchronous shutdown. Only the first call has any
// effect. In the background it:
//
//   - closes ShutdownStartedChan
//   - calls HandleOnceShutdown with completionErr
//   - closes ShutdownHandlerDoneChan
//   - shuts down every child added with AddShutdownChild and waits for them
//   - closes ShutdownDoneChan
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	h.Lock.Lock()
	if h.isStartedShutdown {
		h.Lock.Unlock()
		return
	}
	h.isStartedShutdown = true
	h.shutdownErr = completionErr
	h.Lock.Unlock()

	close(h.shutdownStartedChan)
	go func() {
		err := h.shutdownHandler.HandleOnceShutdown(completionErr)
		h.Lock.Lock()
		h.shutdownErr = err
		h.Lock.Unlock()
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		close(h.shutdownDoneChan)
	}()
}

// ShutdownOnContext starts shutdown with ctx.Err() when ctx is done. It does
// not block.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// ShutdownStartedChan is closed as soon as shutdown begins
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownHandlerDoneChan is closed after HandleOnceShutdown returns, before
// children are waited on
func (h *ShutdownHelper) ShutdownHandlerDoneChan() <-chan struct{} {
	return h.shutdownHandlerDoneChan
}

// ShutdownDoneChan is closed after shutdown is complete
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown blocks until shutdown is complete and returns the final status.
// It does not start shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.shutdownErr
}

// Shutdown starts shutdown if needed, waits for it, and returns the final status
func (h *ShutdownHelper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// Close shuts down with a nil advisory status
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild ties a child's lifetime to this object: once this object's
// HandleOnceShutdown returns, the child is shut down with the same status, and
// this object's shutdown is not complete until the child's is. A child that
// finishes earlier on its own is simply released. A child added after shutdown
// has started is shut down immediately.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.Lock.Lock()
	if h.isStartedShutdown {
		err := h.shutdownErr
		h.Lock.Unlock()
		child.StartShutdown(err)
		return
	}
	h.wg.Add(1)
	h.Lock.Unlock()
	go func() {
		defer h.wg.Done()
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			h.Lock.Lock()
			err := h.shutdownErr
			h.Lock.Unlock()
			child.StartShutdown(err)
			child.WaitShutdown()
		}
	}()
}
