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

// sniproxy-hostname prints the lookup key that sniproxy uses for a
// hostname, i.e. the name of the directory to create under the
// configuration root. The hostname may be Unicode, in which case it is
// encoded to punycode.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/c2FmZQ/sniproxy/hostname"
)

func main() {
	hashed := flag.Bool("hashed", false, "Print the hashed form of the lookup key, for proxies running with hashedKeys.")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: sniproxy-hostname [-hashed] <hostname>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	key, err := hostname.Canonical(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sniproxy-hostname: %v\n", err)
		os.Exit(1)
	}
	if *hashed {
		key = hostname.Hashed(key)
	}
	fmt.Println(key)
}
