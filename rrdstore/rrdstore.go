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

// Package rrdstore is a thin façade over the on-disk round-robin
// engine: it turns a data-source declaration and a stream of samples
// into engine create/update/tune calls, applying the monotonicity
// filter, the scientific-notation rewrite and the cache-daemon batch
// threshold the engine itself knows nothing about.
package rrdstore

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/zorun/munin/numfmt"
	"github.com/zorun/munin/rrdengine"
)

// batchThreshold is the largest sample batch submitted in a single
// engine call once a cache-daemon socket is configured. Above it,
// samples go one at a time to stay under the daemon's command-size
// limit.
const batchThreshold = 32

// StateRecorder receives the (when, value) pairs the store commits,
// so per-worker state can avoid re-reading the on-disk file.
type StateRecorder interface {
	RecordSample(path string, when time.Time, value string)
}

// DSConfig is the subset of a field's declaration RrdStore needs to
// create or tune a file.
type DSConfig struct {
	Type       string
	Min        string
	Max        string
	UpdateRate time.Duration
	Archives   []rrdengine.ArchiveSpec
	Version    string
}

// Store is a façade over rrdengine, optionally routing large batches
// through a cache-daemon-style one-sample-per-call path and recording
// committed samples into a StateRecorder.
type Store struct {
	RRDCachedAddress string // mirrors the RRDCACHED_ADDRESS environment variable
	State            StateRecorder
	Logger           *log.Logger
}

// NewStore builds a Store, picking up RRDCACHED_ADDRESS from the
// environment the way the update worker's process does.
func NewStore(state StateRecorder, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Store{
		RRDCachedAddress: os.Getenv("RRDCACHED_ADDRESS"),
		State:            state,
		Logger:           logger,
	}
}

// Create ensures a file exists at path for (service, field) per cfg.
// Engine failures are logged and swallowed: the missing file is
// simply retried on the next cycle.
func (s *Store) Create(path, service, field string, cfg DSConfig, firstEpoch int64) {
	if rrdengine.Exists(path) {
		return
	}
	min, hasMin := parseTuneBound(cfg.Min)
	max, hasMax := parseTuneBound(cfg.Max)
	engineCfg := rrdengine.Config{
		Step:      cfg.UpdateRate,
		Heartbeat: 2 * cfg.UpdateRate,
		Archives:  cfg.Archives,
		Start:     time.Unix(firstEpoch, 0).Add(-cfg.UpdateRate),
		Type:      cfg.Type,
		Min:       min,
		Max:       max,
		HasMin:    hasMin,
		HasMax:    hasMax,
		Version:   cfg.Version,
	}
	if err := rrdengine.Create(path, engineCfg); err != nil {
		s.Logger.Printf("rrdstore: create %s/%s (%s): %v", service, field, path, err)
	}
}

// Sample is one (when, value) pair as read off the wire, value still
// in its original string form (possibly "U" or scientific notation).
type Sample struct {
	When  int64
	Value string
}

// Update filters samples to those strictly newer than lastCommitted,
// rewrites scientific notation, and submits the survivors to the
// engine — batched in one call, or one at a time once a cache-daemon
// socket is configured and the batch is large. It returns the epoch
// of the last accepted sample, or lastCommitted if none were accepted.
func (s *Store) Update(path string, samples []Sample, lastCommitted int64) int64 {
	type accepted struct {
		when  int64
		value string
	}
	var kept []accepted
	for _, sm := range samples {
		if sm.When <= lastCommitted {
			continue
		}
		kept = append(kept, accepted{when: sm.When, value: numfmt.Rewrite(sm.Value)})
		lastCommitted = sm.When
	}
	if len(kept) == 0 {
		return lastCommitted
	}

	oneAtATime := s.RRDCachedAddress != "" && len(kept) > batchThreshold

	if oneAtATime {
		for _, a := range kept {
			if a.value == "U" {
				continue
			}
			v, err := strconv.ParseFloat(a.value, 64)
			if err != nil {
				s.Logger.Printf("rrdstore: update %s: invalid value %q: %v", path, a.value, err)
				continue
			}
			when := time.Unix(a.when, 0)
			if err := rrdengine.Update(path, v, when); err != nil {
				s.Logger.Printf("rrdstore: update %s: %v", path, err)
				continue
			}
			s.record(path, when, a.value)
		}
		return lastCommitted
	}

	var points []rrdengine.Point
	var values []string
	for _, a := range kept {
		if a.value == "U" {
			continue
		}
		v, err := strconv.ParseFloat(a.value, 64)
		if err != nil {
			s.Logger.Printf("rrdstore: update %s: invalid value %q: %v", path, a.value, err)
			continue
		}
		points = append(points, rrdengine.Point{When: time.Unix(a.when, 0), Value: v})
		values = append(values, a.value)
	}
	if len(points) == 0 {
		return lastCommitted
	}
	if err := rrdengine.UpdateBatch(path, points); err != nil {
		s.Logger.Printf("rrdstore: update %s: %v", path, err)
		return lastCommitted
	}
	for i, p := range points {
		s.record(path, p.When, values[i])
	}
	return lastCommitted
}

func (s *Store) record(path string, when time.Time, value string) {
	if s.State != nil {
		s.State.RecordSample(path, when, value)
	}
}

// Tune applies the autotune subset of a declaration (type, min, max)
// to an existing file. Each property is pushed independently; a
// failure on one does not prevent the others.
func (s *Store) Tune(path string, cfg DSConfig) {
	if cfg.Type != "" {
		if err := rrdengine.Tune(path, "type", cfg.Type); err != nil {
			s.Logger.Printf("rrdstore: tune %s type: %v", path, err)
		}
	}
	if cfg.Min != "" {
		if err := rrdengine.Tune(path, "min", cfg.Min); err != nil {
			s.Logger.Printf("rrdstore: tune %s min: %v", path, err)
		}
	}
	if cfg.Max != "" {
		if err := rrdengine.Tune(path, "max", cfg.Max); err != nil {
			s.Logger.Printf("rrdstore: tune %s max: %v", path, err)
		}
	}
}

func parseTuneBound(s string) (float64, bool) {
	if s == "" || s == "U" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
