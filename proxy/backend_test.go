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
	"os"
	"path/filepath"
	"testing"
)

func testProxyWithRoot(t *testing.T, root string) *Proxy {
	t.Helper()
	p, err := New(&Config{ConfigRoot: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestResolveBackend(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"example.com", "proxied.example.com"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}
	flag := filepath.Join(root, "proxied.example.com", proxyFlagFile)
	if err := os.WriteFile(flag, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Symlink("example.com", filepath.Join(root, "www.example.com")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	p := testProxyWithRoot(t, root)

	for _, tc := range []struct {
		key     string
		proxyV1 bool
		wantErr error
	}{
		{key: "example.com"},
		{key: "proxied.example.com", proxyV1: true},
		{key: "www.example.com"}, // symlinked
		{key: "nosuch.example", wantErr: errUnknownHost},
	} {
		be, err := p.resolveBackend(tc.key)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("resolveBackend(%q) error = %v, want %v", tc.key, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("resolveBackend(%q): %v", tc.key, err)
			continue
		}
		if want := filepath.Join(root, tc.key, socketFile); be.SocketPath != want {
			t.Errorf("resolveBackend(%q).SocketPath = %q, want %q", tc.key, be.SocketPath, want)
		}
		if be.SendProxyV1 != tc.proxyV1 {
			t.Errorf("resolveBackend(%q).SendProxyV1 = %v, want %v", tc.key, be.SendProxyV1, tc.proxyV1)
		}
	}
}

func TestResolveBackendFreshness(t *testing.T) {
	// The filesystem is the configuration; changes apply to the very
	// next connection.
	root := t.TempDir()
	p := testProxyWithRoot(t, root)

	if _, err := p.resolveBackend("example.com"); !errors.Is(err, errUnknownHost) {
		t.Fatalf("resolveBackend error = %v, want %v", err, errUnknownHost)
	}
	dir := filepath.Join(root, "example.com")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	be, err := p.resolveBackend("example.com")
	if err != nil {
		t.Fatalf("resolveBackend: %v", err)
	}
	if be.SendProxyV1 {
		t.Fatal("resolveBackend.SendProxyV1 = true, want false")
	}
	if err := os.WriteFile(filepath.Join(dir, proxyFlagFile), nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if be, err = p.resolveBackend("example.com"); err != nil || !be.SendProxyV1 {
		t.Fatalf("resolveBackend = (%+v, %v), want SendProxyV1", be, err)
	}
}

func TestDialUnknown(t *testing.T) {
	// A directory without a live socket is an unknown server name too.
	root := t.TempDir()
	dir := filepath.Join(root, "example.com")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	p := testProxyWithRoot(t, root)
	be, err := p.resolveBackend("example.com")
	if err != nil {
		t.Fatalf("resolveBackend: %v", err)
	}
	if _, err := be.dial(); !errors.Is(err, errUnknownHost) {
		t.Fatalf("dial error = %v, want %v", err, errUnknownHost)
	}
}
