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

package session

import (
	"errors"
	"testing"
	"time"

	"github.com/zorun/munin/wire"
)

// fakeTransport replays canned responses keyed by the request line it
// received, terminating every response with ".".
type fakeTransport struct {
	responses map[string][]string
	written   []string
	toRead    []string
}

func (f *fakeTransport) Open() error { return nil }
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) WriteLine(line string) error {
	f.written = append(f.written, line)
	resp := f.responses[line]
	f.toRead = append(append([]string{}, resp...), ".")
	return nil
}

func (f *fakeTransport) ReadLine() (string, error) {
	if len(f.toRead) == 0 {
		return "", errors.New("fakeTransport: no more lines queued")
	}
	line := f.toRead[0]
	f.toRead = f.toRead[1:]
	return line, nil
}

func newFake() *fakeTransport {
	return &fakeTransport{responses: map[string][]string{}}
}

func Test_Session_Negotiate(t *testing.T) {
	tr := newFake()
	tr.responses["cap multigraph dirtyconfig spool"] = []string{"cap multigraph dirtyconfig"}
	s := New(tr, time.Second, nil, nil)
	s.Open()
	caps, err := s.Negotiate([]string{"multigraph", "dirtyconfig", "spool"})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !caps.Has("multigraph") || !caps.Has("dirtyconfig") || caps.Has("spool") {
		t.Errorf("got %+v", caps)
	}
}

func Test_Session_Config_DirtyConfigReturnsNonZeroTimestamp(t *testing.T) {
	tr := newFake()
	tr.responses["config cpu"] = []string{"cpu.label CPU", "cpu.type DERIVE", "cpu.value 123456"}
	s := New(tr, time.Second, nil, nil)
	s.Open()

	var samples []wire.Sample
	last, err := s.Config("cpu", func(events []wire.Event) int64 {
		var maxWhen int64
		for _, e := range events {
			if sm, ok := e.(wire.Sample); ok {
				samples = append(samples, sm)
				if sm.When > maxWhen {
					maxWhen = sm.When
				}
			}
		}
		return maxWhen
	})
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if last == 0 {
		t.Errorf("expected a non-zero timestamp from a dirty config response")
	}
	if len(samples) != 1 || samples[0].Value != "123456" {
		t.Errorf("got samples %+v", samples)
	}
}

func Test_Session_Spoolfetch_StopsOnEmptyResponse(t *testing.T) {
	tr := newFake()
	tr.responses["spoolfetch 1000"] = nil
	s := New(tr, time.Second, nil, nil)
	s.Open()
	_, err := s.Spoolfetch("1000", func([]wire.Event) int64 { return 0 })
	if err != ErrNoSpoolfetchData {
		t.Errorf("got err=%v, want ErrNoSpoolfetchData", err)
	}
}

func Test_Session_Spoolfetch_ParsesEventsAndCursor(t *testing.T) {
	tr := newFake()
	tr.responses["spoolfetch 1000"] = []string{
		"multigraph disk",
		"read.value 1100:1.5e-2",
		"1300",
	}
	s := New(tr, time.Second, nil, nil)
	s.Open()
	var events []wire.Event
	cursor, err := s.Spoolfetch("1000", func(ev []wire.Event) int64 {
		events = append(events, ev...)
		return 0
	})
	if err != nil {
		t.Fatalf("Spoolfetch: %v", err)
	}
	if cursor != "1300" {
		t.Errorf("cursor = %q, want 1300", cursor)
	}
	found := false
	for _, e := range events {
		if sm, ok := e.(wire.Sample); ok && sm.Field == "read" && sm.When == 1100 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a read sample at 1100, got %+v", events)
	}
}

// A spoolfetch response must be fed to handle block-by-block as it is
// read, not collected and delivered once the "." terminator arrives,
// since a real backlog replay can be arbitrarily large.
func Test_Session_Spoolfetch_StreamsToHandlerIncrementally(t *testing.T) {
	tr := newFake()
	tr.responses["spoolfetch 1000"] = []string{
		"multigraph disk",
		"read.value 1100:1",
		"multigraph disk",
		"read.value 1200:2",
		"1300",
	}
	s := New(tr, time.Second, nil, nil)
	s.Open()
	var calls int
	_, err := s.Spoolfetch("1000", func(ev []wire.Event) int64 {
		calls++
		return 0
	})
	if err != nil {
		t.Fatalf("Spoolfetch: %v", err)
	}
	if calls < 2 {
		t.Errorf("expected handle to be invoked per parsed line, got %d calls", calls)
	}
}

func Test_Session_Allowed_NoAllowlistPermitsEverything(t *testing.T) {
	s := New(newFake(), time.Second, nil, nil)
	if !s.Allowed("anything") {
		t.Errorf("expected nil allowlist to permit everything")
	}
}

func Test_Session_Allowed_RespectsAllowlist(t *testing.T) {
	s := New(newFake(), time.Second, map[string]bool{"load": true}, nil)
	if !s.Allowed("load") || s.Allowed("cpu") {
		t.Errorf("allowlist not respected")
	}
}
