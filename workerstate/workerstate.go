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

// Package workerstate is the small, gob-serializable blob a worker
// owns across runs: when each service was last polled, the spoolfetch
// cursor, the last two committed samples per data source (so a run
// can tell whether a value is new without re-reading the round robin
// file it belongs to), and the field declarations ConfigDrift last
// saw, so a rename or type change is still detectable after the
// process that saw the previous declaration has exited.
package workerstate

import (
	"encoding/gob"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zorun/munin/drift"
)

// Sample is one committed (when, value) pair, value kept as the exact
// string that was written to the store.
type Sample struct {
	When  int64
	Value string
}

// SamplePair remembers the two most recently committed samples for a
// data source, so a worker can recognize a value it already wrote.
type SamplePair struct {
	Previous Sample
	Current  Sample
}

// State is one node's persisted worker state.
type State struct {
	LastUpdated  map[string]string          // service name -> "<sec> <usec>"
	Spoolfetch   string                     // opaque cursor from the last successful spoolfetch
	Values       map[string]SamplePair      // data-source key (the worker uses the RRD file path) -> last two samples
	Declarations map[string]drift.Declaration // drift's own cache key -> last-seen declaration
}

// New returns an empty State ready to be populated.
func New() *State {
	return &State{
		LastUpdated:  map[string]string{},
		Values:       map[string]SamplePair{},
		Declarations: map[string]drift.Declaration{},
	}
}

// Stamp formats t the way LastUpdated values are stored, "<sec> <usec>".
func Stamp(t time.Time) string {
	return fmt.Sprintf("%d %d", t.Unix(), t.Nanosecond()/1000)
}

// ParseStamp reverses Stamp. An empty or malformed string yields the
// zero time, matching a service that has never been polled.
func ParseStamp(s string) time.Time {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return time.Time{}
	}
	sec, err1 := strconv.ParseInt(fields[0], 10, 64)
	usec, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return time.Time{}
	}
	return time.Unix(sec, usec*1000)
}

// Stamps converts LastUpdated into the map[string]time.Time shape
// freshness.Clock keeps in memory.
func (s *State) Stamps() map[string]time.Time {
	out := make(map[string]time.Time, len(s.LastUpdated))
	for service, stamp := range s.LastUpdated {
		out[service] = ParseStamp(stamp)
	}
	return out
}

// SetStamps overwrites LastUpdated from a freshness.Clock's stamps.
func (s *State) SetStamps(stamps map[string]time.Time) {
	s.LastUpdated = make(map[string]string, len(stamps))
	for service, t := range stamps {
		s.LastUpdated[service] = Stamp(t)
	}
}

// Key builds the Values lookup key for a data source's file and field.
func Key(rrdFile, field string) string {
	return rrdFile + ":" + field
}

// Record pushes (when, value) onto the (previous, current) pair for
// key, sliding the old current into previous.
func (s *State) Record(key string, when int64, value string) {
	if s.Values == nil {
		s.Values = map[string]SamplePair{}
	}
	pair := s.Values[key]
	pair.Previous = pair.Current
	pair.Current = Sample{When: when, Value: value}
	s.Values[key] = pair
}

// LastCommitted reports the most recent committed timestamp for key,
// or 0 if none is on record.
func (s *State) LastCommitted(key string) int64 {
	return s.Values[key].Current.When
}

// Load reads a gob-encoded State from path. A missing file is not an
// error: it returns a fresh, empty State, matching a node polled for
// the first time.
func Load(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("workerstate: open %s: %w", path, err)
	}
	defer f.Close()

	st := New()
	if err := gob.NewDecoder(f).Decode(st); err != nil {
		return nil, fmt.Errorf("workerstate: decode %s: %w", path, err)
	}
	if st.LastUpdated == nil {
		st.LastUpdated = map[string]string{}
	}
	if st.Values == nil {
		st.Values = map[string]SamplePair{}
	}
	if st.Declarations == nil {
		st.Declarations = map[string]drift.Declaration{}
	}
	return st, nil
}

// Save gob-encodes State to path atomically, via a temp file and
// rename, so a crash mid-write never leaves a truncated state file.
func Save(path string, st *State) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("workerstate: create %s: %w", tmp, err)
	}
	if err := gob.NewEncoder(f).Encode(st); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("workerstate: encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("workerstate: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("workerstate: rename %s: %w", path, err)
	}
	return nil
}
