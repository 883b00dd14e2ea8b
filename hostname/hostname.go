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

// Package hostname maps server names received on the wire to the lookup
// keys used by the proxy's on-disk configuration.
//
// The canonical form of a hostname is its lowercase A-label (punycode)
// representation with no trailing dot. Because a canonical name contains
// only the characters [a-z0-9.-] and never an empty label, it is safe to
// use directly as a directory name under the configuration root.
//
// The hashed form exists because hostnames can be up to 253 octets while
// sun_path is much shorter, and because it hides the set of configured
// names from directory listings. The hash and its encoding are a
// compatibility contract with the sniproxy-hostname tool: BLAKE2s-256 of
// the canonical name, in unpadded URL-safe base64.
package hostname

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/net/idna"
)

// ErrInvalid is returned for server names that have no canonical form.
var ErrInvalid = errors.New("invalid hostname")

// maxLen is the longest name DNS allows once the trailing dot is removed.
const maxLen = 253

var profile = idna.New(
	idna.MapForLookup(),
	idna.StrictDomainName(true),
	idna.BidiRule(),
	idna.VerifyDNSLength(true),
)

// Canonical returns the canonical form of name: lowercase, A-labels only,
// no trailing dot. A single trailing dot on the input is removed before
// validation. Canonical never does DNS lookups, and it is idempotent on
// its own output.
func Canonical(name string) (string, error) {
	name = strings.TrimSuffix(name, ".")
	if name == "" || len(name) > maxLen || strings.IndexByte(name, 0) >= 0 {
		return "", ErrInvalid
	}
	out, err := profile.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if out == "" || len(out) > maxLen {
		return "", ErrInvalid
	}
	// The idna profile already rejects anything that isn't a valid LDH
	// domain, but the result is about to become a path element. Check
	// every byte so that the no-slash, no-dotdot, no-uppercase invariants
	// hold by construction.
	startOfLabel := true
	for i := 0; i < len(out); i++ {
		b := out[i]
		if startOfLabel && (b == '-' || b == '.') {
			return "", ErrInvalid
		}
		startOfLabel = b == '.'
		switch {
		case b >= 'a' && b <= 'z':
		case b >= '0' && b <= '9':
		case b == '-' || b == '.':
		default:
			return "", ErrInvalid
		}
	}
	if startOfLabel {
		return "", ErrInvalid
	}
	return out, nil
}

// Hashed returns the hashed lookup key for a canonical name.
func Hashed(canonical string) string {
	sum := blake2s.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
