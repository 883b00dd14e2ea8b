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
	"os"
	"time"

	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v3"
)

// DefaultConfigFile is where the proxy looks for its optional
// configuration, relative to the configuration root. The leading dot keeps
// the name out of the hostname namespace: no lookup key can start with a
// dot.
const DefaultConfigFile = ".sniproxy.yaml"

// Config is the proxy configuration. Everything is optional: the zero
// value serves hostname-keyed backends from the working directory. Which
// backend a connection goes to is never configured here; that is read from
// the filesystem for every connection.
type Config struct {
	// Definitions is a section where yaml anchors can be defined. It is
	// otherwise ignored by the proxy.
	Definitions any `yaml:"definitions,omitempty"`

	// ConfigRoot is the directory that contains the per-hostname backend
	// directories. The default is the working directory.
	ConfigRoot string `yaml:"configRoot,omitempty"`
	// HashedKeys indicates that backend directories are named after the
	// hashed form of the hostname instead of the hostname itself. The
	// sniproxy-hostname tool prints the hashed form with -hashed.
	HashedKeys bool `yaml:"hashedKeys,omitempty"`
	// HelloTimeout is the maximum amount of time the proxy waits for the
	// client's ClientHello, from the moment the connection is accepted.
	// The default value is 10 seconds.
	HelloTimeout time.Duration `yaml:"helloTimeout,omitempty"`
	// DrainTimeout is how long a graceful shutdown waits for in-flight
	// connections before exiting anyway. The default value is 10 seconds.
	DrainTimeout time.Duration `yaml:"drainTimeout,omitempty"`
	// MaxOpen is the maximum number of open incoming connections.
	MaxOpen int `yaml:"maxOpen,omitempty"`
	// BWLimit is an optional bandwidth limit that all connections share.
	BWLimit *BWLimit `yaml:"bwLimit,omitempty"`
	// HalfCloseTimeout is the amount of time to keep a connection open
	// after one of its directions is closed. The default is to keep
	// half-closed connections open until the other direction ends.
	HalfCloseTimeout *time.Duration `yaml:"halfCloseTimeout,omitempty"`
	// LogFilter controls what gets logged.
	LogFilter LogFilter `yaml:"logFilter,omitempty"`
}

// BWLimit is a bandwidth limit configuration, in bytes per second.
type BWLimit struct {
	// Ingress is the ingress limit, in bytes per second.
	Ingress float64 `yaml:"ingress"`
	// Egress is the engress limit, in bytes per second.
	Egress float64 `yaml:"egress"`
}

// LogFilter specifies what log entries should be logged or not.
type LogFilter struct {
	// Connections indicates whether connection lifecycle events should be
	// logged. The default is true.
	Connections *bool `yaml:"connections,omitempty"`
	// Errors indicates whether errors should be logged. The default is
	// true.
	Errors *bool `yaml:"errors,omitempty"`
}

// Check checks that the Config is valid and sets default values.
func (cfg *Config) Check() error {
	cfg.Definitions = nil
	if cfg.ConfigRoot == "" {
		cfg.ConfigRoot = "."
	}
	if cfg.HelloTimeout == 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	if cfg.HelloTimeout < 0 {
		return errors.New("HelloTimeout must be positive")
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.DrainTimeout < 0 {
		return errors.New("DrainTimeout must be positive")
	}
	if cfg.MaxOpen == 0 {
		var rl unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
			return fmt.Errorf("MaxOpen: %w", err)
		}
		if n := int(rl.Cur/2) - 100; n > 0 {
			cfg.MaxOpen = n
		} else {
			cfg.MaxOpen = 100
		}
	}
	if l := cfg.BWLimit; l != nil && (l.Ingress < 0 || l.Egress < 0) {
		return errors.New("BWLimit values must be positive")
	}
	return nil
}

// ReadConfig reads and validates a YAML config file. A missing file is not
// an error; the defaults apply.
func ReadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if errors.Is(err, os.ErrNotExist) {
		cfg := &Config{}
		if err := cfg.Check(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
