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

// Package rrdengine is the on-disk round-robin time-series engine: one
// file per data source, holding a PDP and a set of consolidated
// archives (RRAs), gob-encoded to disk. Callers treat it as a black
// box exposing create, update and tune; everything about consolidation
// and slot bookkeeping lives in consolidate.go, behind the persisted
// file format in this one.
package rrdengine

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// dsName is the fixed internal identifier of the one data source each
// file holds. The persisted format records neither it nor the field
// name the sample was declared under; the field name lives in the
// filename (see rrdpath), so renaming a field never requires touching
// file contents.
const dsName = "value"

// Error wraps a failure from the engine, identifying which file and
// operation it occurred in without unwrapping engine internals.
type Error struct {
	Path string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rrdengine: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// file is the gob-persisted representation of one data source and its
// archives.
type file struct {
	Step       time.Duration
	Heartbeat  time.Duration
	LastUpdate time.Time
	Value      float64
	Duration   time.Duration
	Type       string
	Min        float64
	Max        float64
	HasMin     bool
	HasMax     bool
	Version    string
	RRAs       []persistedRRA
}

type persistedRRA struct {
	Function consolidation
	Step     time.Duration
	Size     int64
	Latest   time.Time
	Value    float64
	Duration time.Duration
	DPs      map[int64]float64
}

// ArchiveSpec is one (multiplier, count) resolution archive relative
// to a data source's step, as produced by timespec.ParseCustomResolution
// or one of the fixed resolution profiles.
type ArchiveSpec struct {
	Multiplier int64
	Count      int64
}

// Config describes how to create a new data source file.
type Config struct {
	Step      time.Duration
	Heartbeat time.Duration
	Archives  []ArchiveSpec
	Start     time.Time
	Type      string
	Min       float64
	Max       float64
	HasMin    bool
	HasMax    bool
	Version   string
}

func newFileFromConfig(cfg Config) *file {
	f := &file{
		Step:       cfg.Step,
		Heartbeat:  cfg.Heartbeat,
		LastUpdate: cfg.Start,
		Type:       cfg.Type,
		Min:        cfg.Min,
		Max:        cfg.Max,
		HasMin:     cfg.HasMin,
		HasMax:     cfg.HasMax,
		Version:    cfg.Version,
	}
	for _, a := range cfg.Archives {
		f.RRAs = append(f.RRAs, persistedRRA{
			Function: cfWMean,
			Step:     cfg.Step * time.Duration(a.Multiplier),
			Size:     a.Count,
			Latest:   cfg.Start,
		})
	}
	return f
}

func (f *file) dataSource() *series {
	s := &series{
		pdp:        pdp{value: f.Value, duration: f.Duration},
		step:       f.Step,
		heartbeat:  f.Heartbeat,
		lastUpdate: f.LastUpdate,
		archives:   make([]*archive, len(f.RRAs)),
	}
	for i, r := range f.RRAs {
		s.archives[i] = newArchive(r.Function, r.Step, r.Size, 0, r.Latest, r.Value, r.Duration, r.DPs)
	}
	return s
}

func fileFromDataSource(s *series, ty string, min, max float64, hasMin, hasMax bool, version string) *file {
	f := &file{
		Step:       s.step,
		Heartbeat:  s.heartbeat,
		LastUpdate: s.lastUpdate,
		Value:      s.Value(),
		Duration:   s.Duration(),
		Type:       ty,
		Min:        min,
		Max:        max,
		HasMin:     hasMin,
		HasMax:     hasMax,
		Version:    version,
	}
	for _, a := range s.archives {
		f.RRAs = append(f.RRAs, persistedRRA{
			Function: a.function,
			Step:     a.step,
			Size:     a.size,
			Latest:   a.latest,
			Value:    a.Value(),
			Duration: a.Duration(),
			DPs:      a.dps,
		})
	}
	return f
}

// Create makes a new file at path according to cfg. It fails if a
// file already exists there.
func Create(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return &Error{Path: path, Op: "create", Err: err}
	}
	if _, err := os.Stat(path); err == nil {
		return &Error{Path: path, Op: "create", Err: os.ErrExist}
	}
	return save(path, newFileFromConfig(cfg))
}

// Exists reports whether a data source file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Update processes one data point into the file at path and persists
// the result.
func Update(path string, value float64, when time.Time) error {
	f, err := load(path)
	if err != nil {
		return &Error{Path: path, Op: "update", Err: err}
	}
	s := f.dataSource()
	if err := s.processDataPoint(value, when); err != nil {
		return &Error{Path: path, Op: "update", Err: err}
	}
	updated := fileFromDataSource(s, f.Type, f.Min, f.Max, f.HasMin, f.HasMax, f.Version)
	return save(path, updated)
}

// Point is one (timestamp, value) sample for UpdateBatch.
type Point struct {
	When  time.Time
	Value float64
}

// UpdateBatch processes multiple data points into the file at path
// under a single load/save round trip. Points must already be in
// non-decreasing time order; a point before the file's current
// last-update is rejected like a single Update would be, and one at
// exactly the last-update is accepted but adds nothing.
func UpdateBatch(path string, points []Point) error {
	f, err := load(path)
	if err != nil {
		return &Error{Path: path, Op: "update", Err: err}
	}
	s := f.dataSource()
	for _, p := range points {
		if err := s.processDataPoint(p.Value, p.When); err != nil {
			return &Error{Path: path, Op: "update", Err: err}
		}
	}
	updated := fileFromDataSource(s, f.Type, f.Min, f.Max, f.HasMin, f.HasMax, f.Version)
	return save(path, updated)
}

// Tune applies a single autotune property (type, min or max) to the
// file at path, independent of the others.
func Tune(path string, prop, value string) error {
	f, err := load(path)
	if err != nil {
		return &Error{Path: path, Op: "tune", Err: err}
	}
	switch prop {
	case "type":
		f.Type = value
	case "min":
		v, perr := parseTuneFloat(value)
		if perr != nil {
			return &Error{Path: path, Op: "tune min", Err: perr}
		}
		f.Min, f.HasMin = v, true
	case "max":
		v, perr := parseTuneFloat(value)
		if perr != nil {
			return &Error{Path: path, Op: "tune max", Err: perr}
		}
		f.Max, f.HasMax = v, true
	default:
		return &Error{Path: path, Op: "tune", Err: fmt.Errorf("unsupported autotune property %q", prop)}
	}
	return save(path, f)
}

// SetVersion stamps the persisted software version, used by the
// precautionary tune in config-drift handling.
func SetVersion(path, version string) error {
	f, err := load(path)
	if err != nil {
		return &Error{Path: path, Op: "tune version", Err: err}
	}
	f.Version = version
	return save(path, f)
}

// Version returns the software version last stamped into the file at
// path, or the empty string if none was ever set.
func Version(path string) (string, error) {
	f, err := load(path)
	if err != nil {
		return "", &Error{Path: path, Op: "version", Err: err}
	}
	return f.Version, nil
}

func parseTuneFloat(s string) (float64, error) {
	var v float64
	_, err := fmt.Sscanf(s, "%g", &v)
	if err != nil || math.IsNaN(v) {
		return 0, fmt.Errorf("invalid numeric autotune value %q", s)
	}
	return v, nil
}

func load(path string) (*file, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	var f file
	if err := gob.NewDecoder(fh).Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func save(path string, f *file) error {
	tmp := path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(fh).Encode(f); err != nil {
		fh.Close()
		os.Remove(tmp)
		return err
	}
	if err := fh.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
