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

// sniproxy is a transparent TLS proxy that routes connections to local
// unix-socket backends based on their Server Name Indication, without
// terminating TLS.
//
// It takes no arguments. Standard input must be an already bound and
// listening TCP socket, typically inherited from the service manager, and
// the working directory is the configuration root: one directory per
// lookup key, each containing a tls-socket unix socket and, optionally, a
// send-proxy-v1 flag file.
//
// SIGHUP closes the listening socket, so that a replacement process can
// bind the port, and drains in-flight connections before exiting.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/c2FmZQ/sniproxy/proxy"
)

// Version is set with -ldflags="-X main.Version=${VERSION}"
var Version = "dev"

func main() {
	log.Printf("INF sniproxy %s %s %s/%s", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	configFile := os.Getenv("SNIPROXY_CONFIG")
	if configFile == "" {
		configFile = proxy.DefaultConfigFile
	}
	cfg, err := proxy.ReadConfig(configFile)
	if err != nil {
		log.Fatalf("FATAL %v", err)
	}

	l, err := inheritedListener()
	if err != nil {
		log.Fatalf("FATAL stdin: %v", err)
	}

	p, err := proxy.New(cfg)
	if err != nil {
		log.Fatalf("FATAL %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx, l); err != nil {
		log.Fatalf("FATAL %v", err)
	}

	// SIGHUP is the only signal with a handler. SIGTERM and SIGINT keep
	// their default disposition and kill the process on the spot.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	select {
	case sig := <-ch:
		log.Printf("INF Received signal %d (%s), draining for up to %s", sig, sig, cfg.DrainTimeout)
		go func() {
			sig := <-ch
			log.Printf("INF Received signal %d (%s) again, exiting", sig, sig)
			os.Exit(1)
		}()
		drainCtx, canc := context.WithTimeout(ctx, cfg.DrainTimeout)
		defer canc()
		p.Shutdown(drainCtx)
		log.Print("INF Shutdown complete")
	case <-p.Done():
		if err := p.Err(); err != nil {
			log.Fatalf("FATAL %v", err)
		}
	}
}

// inheritedListener adopts the listening TCP socket that the service
// manager passed as file descriptor 0.
func inheritedListener() (net.Listener, error) {
	typ, err := unix.GetsockoptInt(0, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return nil, fmt.Errorf("not a socket: %v", err)
	}
	if typ != unix.SOCK_STREAM {
		return nil, errors.New("not a stream socket")
	}
	accepting, err := unix.GetsockoptInt(0, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err != nil || accepting == 0 {
		return nil, errors.New("not a listening socket")
	}
	f := os.NewFile(0, "listener")
	l, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	tl, ok := l.(*net.TCPListener)
	if !ok {
		l.Close()
		return nil, fmt.Errorf("%T is not a TCP listener", l)
	}
	return tl, nil
}
