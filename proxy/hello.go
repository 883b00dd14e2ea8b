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

	"golang.org/x/crypto/cryptobyte"

	"github.com/c2FmZQ/sniproxy/hostname"
	"github.com/c2FmZQ/sniproxy/proxy/internal/netw"
)

const (
	recordTypeHandshake = 0x16
	msgTypeClientHello  = 0x01
	extensionServerName = 0
	sniTypeHostName     = 0

	// https://datatracker.ietf.org/doc/html/rfc8446#section-5.1
	// "The record layer fragments information blocks into TLSPlaintext
	// records carrying data in chunks of 2^14 bytes or less."
	maxRecordSize = 1 << 14

	// A ClientHello message can declare up to 2^24-1 bytes, but nothing a
	// real client sends comes close. Refuse to buffer more than this.
	maxHelloSize = 64 << 10
)

var (
	errNotHandshake = errors.New("not a tls handshake")
	errBadFraming   = errors.New("invalid tls framing")
	errNoUsableSNI  = errors.New("no usable server name")
	errTooLarge     = errors.New("client hello too large")
)

type clientHello struct {
	// Host is the canonical form of the server name the client asked for.
	Host string
}

// readClientHello reassembles the first handshake message from conn and
// returns the canonical server name from its server_name extension.
//
// The message may be fragmented across any number of TLS records, all of
// which must be of type handshake. Reads go through conn.Peek, so nothing
// is consumed: every byte pulled from the socket stays in the peek buffer
// and is later replayed to the backend ahead of the live stream.
func readClientHello(conn *netw.Conn) (clientHello, error) {
	var hello clientHello

	// msg accumulates the handshake byte stream, records stripped.
	// off is the offset of the next record header in the TCP stream.
	var msg []byte
	var off int
	need := 4 // handshake header, before the message length is known
	for len(msg) < need {
		buf := make([]byte, off+5)
		if _, err := conn.Peek(buf); err != nil {
			return hello, fmt.Errorf("record header: %w", err)
		}
		hdr := buf[off:]
		if hdr[0] != recordTypeHandshake {
			// https://datatracker.ietf.org/doc/html/rfc8446#section-5.1
			// "Handshake messages MUST NOT be interleaved with other
			// record types."
			if off == 0 {
				return hello, fmt.Errorf("%w: content type 0x%x != 0x16", errNotHandshake, hdr[0])
			}
			return hello, fmt.Errorf("%w: content type 0x%x mid-message", errBadFraming, hdr[0])
		}
		length := int(hdr[3])<<8 | int(hdr[4])
		if length == 0 {
			// Zero-length handshake fragments are forbidden.
			return hello, fmt.Errorf("%w: zero-length record", errBadFraming)
		}
		if length > maxRecordSize {
			return hello, fmt.Errorf("%w: record length %d > %d", errBadFraming, length, maxRecordSize)
		}
		if len(msg)+length > maxHelloSize {
			return hello, fmt.Errorf("%w: handshake exceeds %d bytes", errTooLarge, maxHelloSize)
		}
		buf = make([]byte, off+5+length)
		if _, err := conn.Peek(buf); err != nil {
			return hello, fmt.Errorf("record payload: %w", err)
		}
		msg = append(msg, buf[off+5:]...)
		off += 5 + length

		if need == 4 && len(msg) >= 4 {
			if msg[0] != msgTypeClientHello {
				return hello, fmt.Errorf("%w: msg_type 0x%x != 0x01", errNotHandshake, msg[0])
			}
			bodyLen := int(msg[1])<<16 | int(msg[2])<<8 | int(msg[3])
			if bodyLen > maxHelloSize-4 {
				return hello, fmt.Errorf("%w: declared length %d", errTooLarge, bodyLen)
			}
			need = 4 + bodyLen
		}
	}

	name, err := parseClientHello(msg[4:need])
	if err != nil {
		return hello, err
	}
	host, err := hostname.Canonical(name)
	if err != nil {
		return hello, fmt.Errorf("%w: %v", errNoUsableSNI, err)
	}
	hello.Host = host
	return hello, nil
}

// parseClientHello extracts the server_name value from a complete
// ClientHello body.
//
// https://datatracker.ietf.org/doc/html/rfc8446#section-4.1.2
//
//	struct {
//	    ProtocolVersion legacy_version = 0x0303;    /* TLS v1.2 */
//	    Random random;
//	    opaque legacy_session_id<0..32>;
//	    CipherSuite cipher_suites<2..2^16-2>;
//	    opaque legacy_compression_methods<1..2^8-1>;
//	    Extension extensions<8..2^16-1>;
//	} ClientHello;
func parseClientHello(body []byte) (string, error) {
	s := cryptobyte.String(body)

	var len8 uint8
	var len16 uint16
	if !s.Skip(34) || // legacy_version(2), random(32)
		!s.ReadUint8(&len8) || !s.Skip(int(len8)) || // legacy_session_id
		!s.ReadUint16(&len16) || !s.Skip(int(len16)) || // cipher_suites
		!s.ReadUint8(&len8) || !s.Skip(int(len8)) { // legacy_compression_methods
		return "", fmt.Errorf("%w: truncated client hello", errBadFraming)
	}
	if s.Empty() {
		// A pre-extensions ClientHello. Treat it like a hello whose
		// server name isn't recognized.
		return "", errNoUsableSNI
	}
	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return "", fmt.Errorf("%w: invalid extensions block", errBadFraming)
	}

	// https://datatracker.ietf.org/doc/html/rfc8446#section-4.2
	//
	//	struct {
	//	    ExtensionType extension_type;
	//	    opaque extension_data<0..2^16-1>;
	//	} Extension;
	for !extensions.Empty() {
		var extType uint16
		var data cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&data) {
			return "", fmt.Errorf("%w: invalid extension", errBadFraming)
		}
		if extType != extensionServerName {
			continue
		}
		// https://datatracker.ietf.org/doc/html/rfc6066#section-3
		//
		//	struct {
		//	    NameType name_type;
		//	    select (name_type) {
		//	        case host_name: HostName;
		//	    } name;
		//	} ServerName;
		//
		//	struct {
		//	    ServerName server_name_list<1..2^16-1>
		//	} ServerNameList;
		var serverNameList cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&serverNameList) || !data.Empty() {
			return "", fmt.Errorf("%w: invalid server_name extension", errBadFraming)
		}
		for !serverNameList.Empty() {
			var nameType uint8
			var name cryptobyte.String
			if !serverNameList.ReadUint8(&nameType) || !serverNameList.ReadUint16LengthPrefixed(&name) {
				return "", fmt.Errorf("%w: invalid server_name entry", errBadFraming)
			}
			if nameType != sniTypeHostName {
				continue
			}
			if len(name) == 0 {
				return "", errNoUsableSNI
			}
			return string(name), nil
		}
		// There can be at most one extension of each type, so there is
		// no server name in this hello.
		break
	}
	return "", errNoUsableSNI
}
