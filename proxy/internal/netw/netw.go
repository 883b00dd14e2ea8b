// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package netw wraps accepted network connections with the peek buffer,
// byte counters, and annotations that the proxy needs.
//
// Peek reads ahead of the stream without consuming it: peeked bytes stay
// in an internal buffer and are returned again by Read. This is how the
// proxy parses the TLS handshake and still delivers every one of its bytes
// to the backend unmodified.
package netw

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// NewListener wraps an existing listener so that accepted connections are
// returned as *Conn.
func NewListener(l net.Listener) net.Listener {
	return listener{l}
}

type listener struct {
	net.Listener
}

// Accept returns the next connection to the listener.
func (l listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

// NewConn wraps a net.Conn.
func NewConn(c net.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		Conn:   c,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Conn is a wrapper around net.Conn that stores annotations and counters,
// and can read ahead of the stream without consuming it.
type Conn struct {
	net.Conn

	ctx            context.Context
	cancel         func()
	ingressLimiter *rate.Limiter
	egressLimiter  *rate.Limiter
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64

	mu          sync.Mutex
	onClose     func()
	annotations map[string]any

	peekBuf []byte
}

// SetAnnotation sets an annotation. The value can be any go value.
func (c *Conn) SetAnnotation(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.annotations == nil {
		c.annotations = make(map[string]any)
	}
	c.annotations[key] = value
}

// Annotation retrieves an annotation that was previously set on the
// connection. The defaultValue is returned if the annotation was never
// set.
func (c *Conn) Annotation(key string, defaultValue any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.annotations[key]; ok {
		return v
	}
	return defaultValue
}

// SetLimiters sets the rate limiters for this connection. It must be
// called before the first Read() or Write(). Peek() is OK.
func (c *Conn) SetLimiters(ingress, egress *rate.Limiter) {
	c.ingressLimiter = ingress
	c.egressLimiter = egress
}

// BytesSent returns the number of bytes sent on this connection so far.
func (c *Conn) BytesSent() int64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the number of bytes received on this connection so
// far.
func (c *Conn) BytesReceived() int64 {
	return c.bytesReceived.Load()
}

// OnClose sets a callback function that will be called when the connection
// is closed.
func (c *Conn) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

// Peek fills b with the first len(b) bytes of the stream without consuming
// them. It reads from the connection only what the peek buffer doesn't
// already hold. The caller is responsible for the read deadline.
func (c *Conn) Peek(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := len(b)
	if have := len(c.peekBuf); want > have {
		bb := make([]byte, want-have)
		n, err := io.ReadFull(c.Conn, bb)
		c.peekBuf = append(c.peekBuf, bb[:n]...)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return copy(b, c.peekBuf), err
		}
	}
	return copy(b, c.peekBuf), nil
}

func (c *Conn) Read(b []byte) (int, error) {
	if l := c.ingressLimiter; l != nil {
		if err := l.WaitN(c.ctx, len(b)); err != nil {
			return 0, err
		}
	}
	c.mu.Lock()
	if len(c.peekBuf) > 0 {
		n := copy(b, c.peekBuf)
		c.peekBuf = c.peekBuf[n:]
		c.mu.Unlock()
		c.bytesReceived.Add(int64(n))
		return n, nil
	}
	c.mu.Unlock()
	n, err := c.Conn.Read(b)
	c.bytesReceived.Add(int64(n))
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	if l := c.egressLimiter; l != nil {
		if err := l.WaitN(c.ctx, len(b)); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Write(b)
	c.bytesSent.Add(int64(n))
	return n, err
}

func (c *Conn) Close() error {
	c.mu.Lock()
	f := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	c.cancel()
	if f != nil {
		f()
	}
	return c.Conn.Close()
}
