//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package carbon is the optional Carbon plaintext relay sink: one
// "<path> <value> <when>\n" line per sample, over a TCP connection
// that is opened once per worker run and never allowed to block or
// fail the run it is attached to.
package carbon

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/zorun/munin/numfmt"
)

// Sink writes Carbon plaintext lines for one host's samples. A Sink
// with no live connection is a silent no-op: Carbon is auxiliary and
// must never block or fail an update cycle.
type Sink struct {
	Prefix   string
	Hostname string
	Logger   *log.Logger

	conn net.Conn
}

// NewSink dials (addr) once. Connection failure is logged at WARN and
// the returned Sink degrades to a no-op — callers do not need to
// check for a dial error themselves.
func NewSink(addr, prefix, hostname string, logger *log.Logger) *Sink {
	s := &Sink{Prefix: prefix, Hostname: reverseDotted(hostname), Logger: logger}
	if addr == "" {
		return s
	}
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Printf("carbon: WARN: dial %s: %v", addr, err)
		}
		return s
	}
	s.conn = conn
	return s
}

// Emit writes one sample line, "<prefix><reversed-host>.<service>.<field> <value> <when>\n".
// A non-empty Prefix missing its trailing dot gets one inserted, so a
// configured carbon_prefix of "munin" reads the same as "munin.". All
// errors are swallowed after being logged: a broken Carbon relay must
// never interrupt the RRD store path.
func (s *Sink) Emit(service, field, value string, when int64) {
	if s.conn == nil {
		return
	}
	value = numfmt.Rewrite(value)
	prefix := s.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	line := fmt.Sprintf("%s%s.%s.%s %s %d\n", prefix, s.Hostname, service, field, value, when)
	if _, err := s.conn.Write([]byte(line)); err != nil {
		if s.Logger != nil {
			s.Logger.Printf("carbon: write: %v", err)
		}
		s.conn.Close()
		s.conn = nil
	}
}

// Close ends the connection for this run, if one is open.
func (s *Sink) Close() {
	if s.conn == nil {
		return
	}
	s.conn.Close()
	s.conn = nil
}

// reverseDotted turns "host.example.com" into "com.example.host", the
// convention Carbon metric paths use for hostnames so that sibling
// hosts sort together under their domain.
func reverseDotted(hostname string) string {
	parts := strings.Split(hostname, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}
