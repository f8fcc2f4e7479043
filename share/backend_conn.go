package wbshare

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// BackendConn is the byte-stream connection from a relay session to a
// channel's backend service. Shutting it down aborts the connection rather
// than draining it.
type BackendConn struct {
	ShutdownHelper
	netConn         net.Conn
	numBytesRead    int64
	numBytesWritten int64
}

// NewBackendConn wraps an established net.Conn
func NewBackendConn(logger Logger, netConn net.Conn) *BackendConn {
	c := &BackendConn{
		netConn: netConn,
	}
	c.InitShutdownHelper(logger.Fork("BackendConn(%s)", netConn.RemoteAddr()), c)
	return c
}

// DialBackend connects to port on host. A zero timeout leaves only ctx to
// bound the attempt.
func DialBackend(ctx context.Context, logger Logger, host string, port int, timeout time.Duration) (*BackendConn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	logger.DLogf("Dialing backend at %s", addr)
	d := net.Dialer{Timeout: timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, logger.Errorf("dial backend %s failed: %s", addr, err)
	}
	return NewBackendConn(logger, netConn), nil
}

// HandleOnceShutdown aborts the connection
func (c *BackendConn) HandleOnceShutdown(completionErr error) error {
	err := c.abort()
	if err != nil {
		err = c.Errorf("%s", err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// abort closes the socket without a graceful drain; for TCP a zero linger
// makes the peer see a reset
func (c *BackendConn) abort() error {
	if tc, ok := c.netConn.(*net.TCPConn); ok {
		if err := tc.SetLinger(0); err != nil {
			c.DLogf("SetLinger failed, ignoring: %s", err)
		}
	}
	return c.netConn.Close()
}

// Read implements the Reader interface
func (c *BackendConn) Read(p []byte) (n int, err error) {
	n, err = c.netConn.Read(p)
	atomic.AddInt64(&c.numBytesRead, int64(n))
	return n, err
}

// Write implements the Writer interface
func (c *BackendConn) Write(p []byte) (n int, err error) {
	n, err = c.netConn.Write(p)
	atomic.AddInt64(&c.numBytesWritten, int64(n))
	return n, err
}

// NumBytesRead returns the number of bytes received from the backend so far
func (c *BackendConn) NumBytesRead() int64 {
	return atomic.LoadInt64(&c.numBytesRead)
}

// NumBytesWritten returns the number of bytes sent to the backend so far
func (c *BackendConn) NumBytesWritten() int64 {
	return atomic.LoadInt64(&c.numBytesWritten)
}

// RemoteAddr returns the backend address
func (c *BackendConn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}
