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
	"log"
)

type logType int

const (
	logConnection logType = iota
	logError
)

func (p *Proxy) logConnF(format string, args ...any) {
	if !shouldLog(logConnection, p.cfg.LogFilter) {
		return
	}
	log.Printf(format, args...)
}

func (p *Proxy) logErrorF(format string, args ...any) {
	if !shouldLog(logError, p.cfg.LogFilter) {
		return
	}
	log.Printf(format, args...)
}

func shouldLog(typ logType, f LogFilter) bool {
	switch typ {
	case logConnection:
		if f.Connections != nil {
			return *f.Connections
		}
	case logError:
		if f.Errors != nil {
			return *f.Errors
		}
	}
	return true
}
