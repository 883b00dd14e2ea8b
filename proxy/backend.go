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

package proxy

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"

	"github.com/c2FmZQ/sniproxy/proxy/internal/netw"
)

const (
	socketFile    = "tls-socket"
	proxyFlagFile = "send-proxy-v1"
)

var errUnknownHost = errors.New("unknown server name")

// Backend is the on-disk configuration of one lookup key. It is read
// fresh for every connection so that operators can add, remove, or
// re-point hostnames with plain filesystem operations.
type Backend struct {
	Key         string
	SocketPath  string
	SendProxyV1 bool
}

// resolveBackend looks up key under the configuration root. The socket
// itself is deliberately not checked: connecting to it is the real test.
func (p *Proxy) resolveBackend(key string) (*Backend, error) {
	dir := filepath.Join(p.cfg.ConfigRoot, key)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.ENOTDIR) {
			return nil, fmt.Errorf("%w %q", errUnknownHost, key)
		}
		return nil, err
	}
	be := &Backend{
		Key:        key,
		SocketPath: filepath.Join(dir, socketFile),
	}
	if _, err := os.Stat(filepath.Join(dir, proxyFlagFile)); err == nil {
		be.SendProxyV1 = true
	} else if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
		return nil, err
	}
	return be, nil
}

// dial connects to the backend's unix socket. A missing, inaccessible, or
// dead socket means the server name isn't really configured, and is
// reported as such.
func (be *Backend) dial() (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	c, err := dialer.Dial("unix", be.SocketPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) ||
			errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOTDIR) {
			return nil, fmt.Errorf("%w %q: %v", errUnknownHost, be.Key, err)
		}
		return nil, err
	}
	return c, nil
}

// writeProxyHeader sends the PROXY protocol v1 preamble for client to w.
// It must be the first thing written to the backend.
func writeProxyHeader(w io.Writer, client net.Conn) error {
	src, ok := client.RemoteAddr().(*net.TCPAddr)
	dst, ok2 := client.LocalAddr().(*net.TCPAddr)
	if !ok || !ok2 {
		return fmt.Errorf("no tcp addresses for %s", client.RemoteAddr())
	}
	header := proxyproto.HeaderProxyFromAddrs(1, src, dst)
	_, err := header.WriteTo(w)
	return err
}

// bridgeConns forwards data between client and backend until both
// directions are closed.
func (p *Proxy) bridgeConns(client, backend net.Conn) error {
	var timeout time.Duration
	if p.cfg.HalfCloseTimeout != nil {
		timeout = *p.cfg.HalfCloseTimeout
	}
	ch := make(chan error)
	go func() {
		ch <- forward(backend, client, timeout)
	}()
	var retErr error
	if err := forward(client, backend, timeout); err != nil && !errors.Is(err, net.ErrClosed) {
		retErr = fmt.Errorf("[int➔ ext]: %w", err)
	}
	if err := <-ch; err != nil && !errors.Is(err, net.ErrClosed) {
		retErr = fmt.Errorf("[ext➔ int]: %w", err)
	}
	return retErr
}

// forward copies in to out until EOF or error, then half-closes so that
// the other end sees the EOF and can still send data back on the other
// stream. A non-zero halfClosedTimeout puts a deadline on the half-closed
// state for peers that never close their end.
func forward(out, in net.Conn, halfClosedTimeout time.Duration) error {
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		in.Close()
		return err
	}
	if err := closeWrite(out); err != nil {
		out.Close()
		in.Close()
		return nil
	}
	if err := closeRead(in); err != nil {
		out.Close()
		in.Close()
		return nil
	}
	if halfClosedTimeout > 0 {
		out.SetReadDeadline(time.Now().Add(halfClosedTimeout))
	}
	return nil
}

func closeWrite(c net.Conn) error {
	type closeWriter interface {
		CloseWrite() error
	}
	if cc, ok := c.(closeWriter); ok {
		return cc.CloseWrite()
	}
	if cc, ok := c.(*netw.Conn); ok {
		return closeWrite(cc.Conn)
	}
	return fmt.Errorf("unexpected type: %T", c)
}

func closeRead(c net.Conn) error {
	type closeReader interface {
		CloseRead() error
	}
	if cc, ok := c.(closeReader); ok {
		return cc.CloseRead()
	}
	if cc, ok := c.(*netw.Conn); ok {
		return closeRead(cc.Conn)
	}
	return nil
}
