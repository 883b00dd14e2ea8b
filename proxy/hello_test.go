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
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"

	"github.com/c2FmZQ/sniproxy/proxy/internal/netw"
)

// record wraps payload in one TLS handshake record.
func record(payload []byte) []byte {
	hdr := []byte{0x16, 0x03, 0x01, byte(len(payload) >> 8), byte(len(payload))}
	return append(hdr, payload...)
}

// toRecords splits msg into records of the given sizes; whatever is left
// goes into one final record.
func toRecords(msg []byte, sizes ...int) []byte {
	var out []byte
	for _, sz := range sizes {
		out = append(out, record(msg[:sz])...)
		msg = msg[sz:]
	}
	if len(msg) > 0 {
		out = append(out, record(msg)...)
	}
	return out
}

// helloMsg wraps body in a handshake message header.
func helloMsg(body []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint8(msgTypeClientHello)
	b.AddUint24(uint32(len(body)))
	b.AddBytes(body)
	return b.BytesOrPanic()
}

// helloBody builds a ClientHello body with the given extensions block. A
// nil extensions function builds a pre-extensions hello.
func helloBody(extensions func(*cryptobyte.Builder)) []byte {
	var b cryptobyte.Builder
	b.AddUint16(0x0303)
	b.AddBytes(make([]byte, 32)) // random
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0x1301) // TLS_AES_128_GCM_SHA256
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0)
	})
	if extensions != nil {
		b.AddUint16LengthPrefixed(extensions)
	}
	return b.BytesOrPanic()
}

func sniExt(b *cryptobyte.Builder, names ...string) {
	b.AddUint16(extensionServerName)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, name := range names {
				b.AddUint8(sniTypeHostName)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(name))
				})
			}
		})
	})
}

func alpnExt(b *cryptobyte.Builder, protos ...string) {
	b.AddUint16(16)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, p := range protos {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(p))
				})
			}
		})
	})
}

func stdHello(name string) []byte {
	return helloMsg(helloBody(func(b *cryptobyte.Builder) {
		alpnExt(b, "h2", "http/1.1")
		sniExt(b, name)
	}))
}

// helloConn feeds stream to a netw.Conn the way a client socket would,
// closing the sending end when the stream runs out.
func helloConn(t *testing.T, stream []byte) *netw.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	go func() {
		server.Write(stream)
		server.Close()
	}()
	conn := netw.NewConn(client)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestReadClientHello(t *testing.T) {
	for _, tc := range []struct {
		name    string
		stream  []byte
		want    string
		wantErr error
	}{
		{
			name:   "single record",
			stream: toRecords(stdHello("example.com")),
			want:   "example.com",
		},
		{
			name:   "two records",
			stream: toRecords(stdHello("example.com"), 50),
			want:   "example.com",
		},
		{
			name:   "tiny fragments",
			stream: toRecords(stdHello("example.com"), 1, 1, 1, 5, 20),
			want:   "example.com",
		},
		{
			name:   "record boundary in handshake header",
			stream: toRecords(stdHello("example.com"), 2),
			want:   "example.com",
		},
		{
			name:   "uppercase",
			stream: toRecords(stdHello("EXAMPLE.COM")),
			want:   "example.com",
		},
		{
			name:   "a-label",
			stream: toRecords(stdHello("XN--SR8HVO.WS")),
			want:   "xn--sr8hvo.ws",
		},
		{
			name:   "unicode",
			stream: toRecords(stdHello("münchen.de")),
			want:   "xn--mnchen-3ya.de",
		},
		{
			name:   "trailing dot",
			stream: toRecords(stdHello("example.com.")),
			want:   "example.com",
		},
		{
			name: "sni only",
			stream: toRecords(helloMsg(helloBody(func(b *cryptobyte.Builder) {
				sniExt(b, "example.com")
			}))),
			want: "example.com",
		},
		{
			name:    "not a handshake",
			stream:  []byte{0x15, 0x03, 0x01, 0x00, 0x02},
			wantErr: errNotHandshake,
		},
		{
			name: "record type change mid-message",
			stream: append(
				append([]byte{}, record(stdHello("example.com")[:10])...),
				0x17, 0x03, 0x01, 0x00, 0x05),
			wantErr: errBadFraming,
		},
		{
			name: "zero-length record",
			stream: append(
				append([]byte{}, record(stdHello("example.com")[:10])...),
				0x16, 0x03, 0x01, 0x00, 0x00),
			wantErr: errBadFraming,
		},
		{
			name:    "oversize record",
			stream:  []byte{0x16, 0x03, 0x01, 0x40, 0x01},
			wantErr: errBadFraming,
		},
		{
			name: "not a client hello",
			stream: toRecords(func() []byte {
				m := stdHello("example.com")
				m[0] = 0x02 // ServerHello
				return m
			}()),
			wantErr: errNotHandshake,
		},
		{
			name:    "oversize hello",
			stream:  toRecords([]byte{0x01, 0x01, 0x00, 0x00}),
			wantErr: errTooLarge,
		},
		{
			name: "no server_name extension",
			stream: toRecords(helloMsg(helloBody(func(b *cryptobyte.Builder) {
				alpnExt(b, "h2")
			}))),
			wantErr: errNoUsableSNI,
		},
		{
			name:    "no extensions",
			stream:  toRecords(helloMsg(helloBody(nil))),
			wantErr: errNoUsableSNI,
		},
		{
			name: "empty server name",
			stream: toRecords(helloMsg(helloBody(func(b *cryptobyte.Builder) {
				sniExt(b, "")
			}))),
			wantErr: errNoUsableSNI,
		},
		{
			name: "invalid server name",
			stream: toRecords(helloMsg(helloBody(func(b *cryptobyte.Builder) {
				sniExt(b, "exa_mple.com")
			}))),
			wantErr: errNoUsableSNI,
		},
		{
			name: "path traversal server name",
			stream: toRecords(helloMsg(helloBody(func(b *cryptobyte.Builder) {
				sniExt(b, "../../../etc")
			}))),
			wantErr: errNoUsableSNI,
		},
		{
			name: "bad inner length",
			stream: toRecords(func() []byte {
				m := stdHello("example.com")
				m[38] = 0xff // legacy_session_id length
				return m
			}()),
			wantErr: errBadFraming,
		},
		{
			name: "trailing garbage after extensions",
			stream: toRecords(helloMsg(append(helloBody(func(b *cryptobyte.Builder) {
				sniExt(b, "example.com")
			}), 0x00))),
			wantErr: errBadFraming,
		},
		{
			name:   "truncated stream",
			stream: toRecords(stdHello("example.com"))[:20],
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conn := helloConn(t, tc.stream)
			hello, err := readClientHello(conn)
			if tc.want != "" {
				if err != nil {
					t.Fatalf("readClientHello: %v", err)
				}
				if hello.Host != tc.want {
					t.Fatalf("readClientHello returned %q, want %q", hello.Host, tc.want)
				}
				return
			}
			if err == nil {
				t.Fatalf("readClientHello returned %q, expected error", hello.Host)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("readClientHello error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestReadClientHelloNameTypes(t *testing.T) {
	// The first host_name entry wins; other name types are skipped.
	msg := helloMsg(helloBody(func(b *cryptobyte.Builder) {
		b.AddUint16(extensionServerName)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8(1) // not host_name
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes([]byte("ignored.example"))
				})
				b.AddUint8(sniTypeHostName)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes([]byte("example.com"))
				})
			})
		})
	}))
	conn := helloConn(t, toRecords(msg))
	hello, err := readClientHello(conn)
	if err != nil {
		t.Fatalf("readClientHello: %v", err)
	}
	if want := "example.com"; hello.Host != want {
		t.Fatalf("readClientHello returned %q, want %q", hello.Host, want)
	}
}

func TestReadClientHelloKeepsPrefix(t *testing.T) {
	// Every byte consumed while parsing must come back out of Read, in
	// order, regardless of how the message was fragmented.
	for _, sizes := range [][]int{nil, {50}, {1, 1, 1}, {2, 5, 9}} {
		stream := toRecords(stdHello("example.com"), sizes...)
		conn := helloConn(t, stream)
		if _, err := readClientHello(conn); err != nil {
			t.Fatalf("readClientHello(%v): %v", sizes, err)
		}
		got := make([]byte, len(stream))
		if _, err := io.ReadFull(conn, got); err != nil {
			t.Fatalf("ReadFull: %v", err)
		}
		if !bytes.Equal(got, stream) {
			t.Errorf("prefix differs from the stream for split %v", sizes)
		}
		if n := conn.BytesReceived(); n != int64(len(stream)) {
			t.Errorf("BytesReceived() = %d, want %d", n, len(stream))
		}
	}
}
