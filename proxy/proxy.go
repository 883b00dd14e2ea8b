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

// Package proxy implements a transparent TLS proxy that multiplexes many
// TLS backends onto a single TCP listening socket without terminating TLS.
//
// For each connection, it reads just enough of the unencrypted handshake
// to learn the Server Name Indication, finds the unix socket configured
// for that name on the filesystem, and splices the raw byte stream to it.
// Backends terminate TLS themselves and are free to negotiate ALPN,
// client certificates, or anything else; apart from the optional PROXY v1
// preamble sent to backends that ask for it, the proxy never injects, drops,
// or rewrites a single byte in either direction.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/time/rate"

	"github.com/c2FmZQ/sniproxy/hostname"
	"github.com/c2FmZQ/sniproxy/proxy/internal/netw"
)

const (
	startTimeKey  = "s"
	dialDoneKey   = "d"
	serverNameKey = "sn"
)

// Proxy accepts TLS connections and forwards them, unterminated, to the
// backend that owns their server name.
type Proxy struct {
	cfg      *Config
	ctx      context.Context
	cancel   func()
	listener net.Listener
	bwLimit  *bwLimit

	mu         sync.Mutex
	connClosed *sync.Cond
	inConns    *connTracker

	doneOnce sync.Once
	done     chan struct{}
	fatalErr error

	eventsmu sync.Mutex
	events   map[string]int64
}

type bwLimit struct {
	ingress *rate.Limiter
	egress  *rate.Limiter
}

// New returns a new initialized Proxy.
func New(cfg *Config) (*Proxy, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	p := &Proxy{
		cfg:     cfg,
		inConns: newConnTracker(),
		done:    make(chan struct{}),
	}
	if l := cfg.BWLimit; l != nil {
		const minBurst = 1 << 17 // 128 KB
		p.bwLimit = &bwLimit{
			ingress: rate.NewLimiter(rate.Limit(l.Ingress), int(max(l.Ingress, minBurst))),
			egress:  rate.NewLimiter(rate.Limit(l.Egress), int(max(l.Egress, minBurst))),
		}
	}
	return p, nil
}

// Start adopts the already-listening socket l and begins accepting
// connections on it.
func (p *Proxy) Start(ctx context.Context, l net.Listener) error {
	p.connClosed = sync.NewCond(&p.mu)
	p.listener = netw.NewListener(l)
	p.ctx, p.cancel = context.WithCancel(ctx)
	go p.acceptLoop()
	return nil
}

// Done returns a channel that is closed when the accept loop stops.
func (p *Proxy) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that stopped the accept loop, if any.
func (p *Proxy) Err() error {
	select {
	case <-p.done:
		return p.fatalErr
	default:
		return nil
	}
}

func (p *Proxy) stopped(err error) {
	p.doneOnce.Do(func() {
		p.fatalErr = err
		close(p.done)
	})
}

func (p *Proxy) acceptLoop() {
	log.Printf("INF Accepting connections on %s %s", p.listener.Addr().Network(), p.listener.Addr())
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Print("INF Accept loop terminated")
				p.stopped(nil)
				return
			}
			// Accept errors on an inherited socket aren't
			// recoverable by retrying.
			log.Printf("ERR Accept: %v", err)
			p.stopped(err)
			return
		}
		go p.handleConnection(conn.(*netw.Conn))
	}
}

// Stop closes the listener and all connections.
func (p *Proxy) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.listener.Close()
	conns := p.inConns.slice()
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	p.logEvents()
}

// Shutdown closes the listener immediately, so that a replacement process
// can bind the port, and waits for the remaining connections to finish or
// for ctx to be canceled. In-flight connections are never interrupted
// before the deadline.
func (p *Proxy) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.listener.Close()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for p.inConns.len() > 0 {
			p.connClosed.Wait()
		}
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	p.Stop()
}

func (p *Proxy) recordEvent(msg string) {
	p.eventsmu.Lock()
	defer p.eventsmu.Unlock()
	if p.events == nil {
		p.events = make(map[string]int64)
	}
	p.events[msg]++
}

func (p *Proxy) logEvents() {
	p.eventsmu.Lock()
	defer p.eventsmu.Unlock()
	events := make([]string, 0, len(p.events))
	for e := range p.events {
		events = append(events, e)
	}
	sort.Strings(events)
	for _, e := range events {
		log.Printf("INF event: %s (%d)", e, p.events[e])
	}
}

// handleConnection runs one connection from accept to close: read the
// ClientHello, resolve the backend, dial, maybe send the PROXY preamble,
// then splice bytes both ways. Every failure before forwarding closes the
// client without sending anything: the proxy holds no TLS session and has
// nothing truthful to say on the wire.
func (p *Proxy) handleConnection(conn *netw.Conn) {
	p.recordEvent("tcp connection")
	defer conn.Close()
	conn.SetAnnotation(startTimeKey, time.Now())
	numOpen := p.inConns.add(conn)
	conn.OnClose(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.inConns.remove(conn)
		p.connClosed.Broadcast()
	})
	if numOpen > p.cfg.MaxOpen {
		p.recordEvent("too many open connections")
		p.logErrorF("ERR [-] %s: too many open connections: %d > %d", conn.RemoteAddr(), numOpen, p.cfg.MaxOpen)
		return
	}
	setKeepAlive(conn)
	if l := p.bwLimit; l != nil {
		conn.SetLimiters(l.ingress, l.egress)
	}

	conn.SetReadDeadline(time.Now().Add(p.cfg.HelloTimeout))
	hello, err := readClientHello(conn)
	if err != nil {
		p.recordEvent("invalid ClientHello")
		p.logErrorF("BAD [-] %s: invalid ClientHello: %v", conn.RemoteAddr(), err)
		return
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetAnnotation(serverNameKey, hello.Host)

	key := hello.Host
	if p.cfg.HashedKeys {
		key = hostname.Hashed(key)
	}
	be, err := p.resolveBackend(key)
	if err != nil {
		p.recordEvent("unknown server name")
		p.logErrorF("BAD [-] %s ➔ %q: %v", conn.RemoteAddr(), idnaToUnicode(hello.Host), err)
		return
	}

	intConn, err := be.dial()
	if err != nil {
		p.recordEvent("dial error")
		p.logErrorF("ERR [-] %s ➔ %q Dial: %v", conn.RemoteAddr(), idnaToUnicode(hello.Host), err)
		return
	}
	defer intConn.Close()
	conn.SetAnnotation(dialDoneKey, time.Now())

	if be.SendProxyV1 {
		if err := writeProxyHeader(intConn, conn); err != nil {
			p.recordEvent("proxy header error")
			p.logErrorF("ERR [-] %s ➔ %q PROXY header: %v", conn.RemoteAddr(), idnaToUnicode(hello.Host), err)
			return
		}
	}

	desc := formatConnDesc(conn, intConn)
	p.logConnF("CON %s", desc)

	if err := p.bridgeConns(conn, intConn); err != nil {
		p.logErrorF("DBG %s %v", desc, err)
	}

	startTime := conn.Annotation(startTimeKey, time.Time{}).(time.Time)
	dialTime := conn.Annotation(dialDoneKey, time.Time{}).(time.Time)
	totalTime := time.Since(startTime).Truncate(time.Millisecond)

	p.logConnF("END %s; Dial:%s Dur:%s Recv:%d Sent:%d", desc,
		dialTime.Sub(startTime).Truncate(time.Millisecond), totalTime,
		conn.BytesReceived(), conn.BytesSent())
}

func formatConnDesc(c *netw.Conn, intConn net.Conn) string {
	serverName := c.Annotation(serverNameKey, "").(string)

	var buf bytes.Buffer
	buf.WriteString("[-] ")
	buf.WriteString(c.RemoteAddr().Network() + ":" + c.RemoteAddr().String())
	if serverName != "" {
		buf.WriteString(" ➔ ")
		buf.WriteString(idnaToUnicode(serverName))
		if intConn != nil {
			buf.WriteString("|" + intConn.RemoteAddr().Network() + ":" + intConn.RemoteAddr().String())
		}
	}
	return buf.String()
}

func setKeepAlive(conn net.Conn) {
	switch c := conn.(type) {
	case *net.TCPConn:
		c.SetKeepAlivePeriod(30 * time.Second)
		c.SetKeepAlive(true)
	case *netw.Conn:
		setKeepAlive(c.Conn)
	default:
	}
}

func idnaToUnicode(name string) string {
	if u, err := idna.Lookup.ToUnicode(name); err == nil {
		return u
	}
	return name
}
