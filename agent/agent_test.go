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

package agent

import (
	"bufio"
	"net"
	"testing"
	"time"
)

func Test_TCP_RoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		conn.Write([]byte("echo:" + line))
	}()

	tr := NewTCP(ln.Addr().String(), time.Second)
	if err := tr.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	if err := tr.WriteLine("cap multigraph"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	got, err := tr.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if got != "echo:cap multigraph" {
		t.Errorf("got %q", got)
	}
}

func Test_Command_RoundTripAndPid(t *testing.T) {
	tr := NewCommand("cat")
	if err := tr.Open(); err != nil {
		t.Skipf("cat not available: %v", err)
	}
	defer tr.Close()

	if pid, ok := tr.Pid(); !ok || pid == 0 {
		t.Errorf("expected a pid after Open, got (%d, %v)", pid, ok)
	}

	if err := tr.WriteLine("hello"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	got, err := tr.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q, want hello", got)
	}
}
