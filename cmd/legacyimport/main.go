//
// Copyright 2015 Gregory Trubetskoy. All Rights Reserved.
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

// legacyimport walks a directory of Whisper-format archives (as
// produced by a Graphite/Carbon deployment that predates this
// worker) and backfills each series into the RRD store, so switching
// collectors does not throw away history.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kisielk/whisper-go/whisper"

	"github.com/zorun/munin/rrdengine"
	"github.com/zorun/munin/rrdstore"
	"github.com/zorun/munin/timespec"
)

var (
	whisperDir        string
	dbdir             string
	dsType            string
	workers           int
	from, until       uint
	include, exclude  string
	skipWhisperErrors bool

	whisperWorkersWg sync.WaitGroup
	importWorkersWg  sync.WaitGroup
	whisperFiles     chan string
	series           chan *abstractSeries
)

// abstractSeries is one Whisper file's points, de-duplicated across
// archives (finer-resolution archives win over coarser ones for any
// timestamp they both cover). Step is the finest (first) archive's
// step; points taken from coarser archives keep their own spacing.
type abstractSeries struct {
	Path   string
	Step   uint32
	Points map[uint32]whisper.Point
}

func init() {
	whisperFiles = make(chan string)
	series = make(chan *abstractSeries)
}

// rrdPathFor turns a Whisper file's path (relative to whisperDir)
// into an RRD store path, mirroring the directory structure the way
// rrdpath flattens a multigraph service name: "/" becomes "-".
func rrdPathFor(dbdir, whisperDir, path string) string {
	rel := strings.TrimPrefix(path, whisperDir+string(filepath.Separator))
	rel = strings.TrimSuffix(rel, ".wsp")
	rel = strings.ReplaceAll(rel, string(filepath.Separator), "-")
	return filepath.Join(dbdir, rel+"-g.rrd")
}

func whisperWorker(logger *log.Logger) {
	defer whisperWorkersWg.Done()
	for path := range whisperFiles {
		fd, err := os.Open(path)
		if err != nil {
			logger.Printf("legacyimport: open %s: %v", path, err)
			if skipWhisperErrors {
				continue
			}
			return
		}
		w, err := whisper.OpenWhisper(fd)
		if err != nil {
			logger.Printf("legacyimport: parse %s: %v", path, err)
			fd.Close()
			if skipWhisperErrors {
				continue
			}
			return
		}

		points := map[uint32]whisper.Point{}
		var earliestArchiveTimestamp uint32
		var step uint32

		for i, archive := range w.Header.Archives {
			if i == 0 {
				step = archive.SecondsPerPoint
			}
			allPoints, err := w.DumpArchive(i)
			if err != nil {
				logger.Printf("legacyimport: read archive %d of %s: %v", i, path, err)
				if !skipWhisperErrors {
					break
				}
				continue
			}

			var earliestTimestamp, latestTimestamp uint32
			for _, point := range allPoints {
				if point.Timestamp == 0 {
					continue // unfilled slot
				}
				if earliestArchiveTimestamp != 0 && point.Timestamp >= earliestArchiveTimestamp {
					continue // a finer archive already covers this timestamp
				}
				points[point.Timestamp] = point
				if earliestTimestamp == 0 || point.Timestamp < earliestTimestamp {
					earliestTimestamp = point.Timestamp
				}
				if point.Timestamp > latestTimestamp {
					latestTimestamp = point.Timestamp
				}
			}
			if latestTimestamp == 0 {
				continue // nothing new from this archive; keep the current floor
			}

			retentionFloor := latestTimestamp - archive.SecondsPerPoint*archive.Points
			if earliestTimestamp < retentionFloor {
				earliestArchiveTimestamp = retentionFloor
			} else {
				earliestArchiveTimestamp = earliestTimestamp
			}
			for ts := range points {
				if ts < earliestArchiveTimestamp {
					delete(points, ts)
				}
			}
		}

		w.Close()
		series <- &abstractSeries{Path: path, Step: step, Points: points}
	}
}

func importWorker(store *rrdstore.Store, logger *log.Logger) {
	defer importWorkersWg.Done()
	for s := range series {
		if len(s.Points) == 0 {
			continue
		}
		if s.Step == 0 {
			s.Step = 300
		}
		path := rrdPathFor(dbdir, whisperDir, s.Path)

		keys := make([]int, 0, len(s.Points))
		for k := range s.Points {
			keys = append(keys, int(k))
		}
		sort.Ints(keys)

		var samples []rrdstore.Sample
		var first uint32
		for _, k := range keys {
			ts := uint32(k)
			if from != 0 && ts < uint32(from) {
				continue
			}
			if until != 0 && ts > uint32(until) {
				continue
			}
			if first == 0 {
				first = ts
			}
			samples = append(samples, rrdstore.Sample{
				When:  int64(ts),
				Value: fmt.Sprintf("%v", s.Points[ts].Value),
			})
		}
		if len(samples) == 0 {
			continue
		}

		updateRate := time.Duration(s.Step) * time.Second
		archives, err := timespec.ResolveProfile("normal", nil, int64(s.Step))
		if err != nil {
			logger.Printf("legacyimport: %s: resolution: %v", path, err)
			continue
		}
		cfg := rrdstore.DSConfig{
			Type:       dsType,
			UpdateRate: updateRate,
			Archives:   convertArchives(archives),
		}
		store.Create(path, "legacyimport", "value", cfg, int64(first))
		store.Update(path, samples, 0)
		logger.Printf("legacyimport: imported %d points into %s", len(samples), path)
	}
}

func convertArchives(specs []timespec.ArchiveSpec) []rrdengine.ArchiveSpec {
	out := make([]rrdengine.ArchiveSpec, len(specs))
	for i, s := range specs {
		out[i] = rrdengine.ArchiveSpec{Multiplier: s.Multiplier, Count: s.Count}
	}
	return out
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	flag.StringVar(&whisperDir, "whisperDir", "/opt/graphite/storage/whisper", "directory tree of legacy .wsp files")
	flag.StringVar(&dbdir, "dbdir", "", "destination RRD store directory (required)")
	flag.StringVar(&dsType, "type", "GAUGE", "data-source type to declare for every imported series")
	flag.IntVar(&workers, "workers", 4, "number of parallel import workers")
	flag.UintVar(&from, "from", 0, "unix epoch of the start of the range to import (0: from the beginning)")
	flag.UintVar(&until, "until", 0, "unix epoch of the end of the range to import (0: to the end)")
	flag.StringVar(&include, "include", "", "only import .wsp files whose path contains this string")
	flag.StringVar(&exclude, "exclude", "", "skip .wsp files whose path contains this string")
	flag.BoolVar(&skipWhisperErrors, "skipWhisperErrors", false, "continue past a corrupt Whisper file instead of aborting")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	if dbdir == "" {
		logger.Fatal("legacyimport: -dbdir is required")
	}
	whisperDir = strings.TrimSuffix(whisperDir, string(filepath.Separator))

	store := rrdstore.NewStore(nil, logger)

	for i := 0; i < workers; i++ {
		importWorkersWg.Add(1)
		go importWorker(store, logger)
	}
	for i := 0; i < workers; i++ {
		whisperWorkersWg.Add(1)
		go whisperWorker(logger)
	}

	walkErr := filepath.Walk(whisperDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".wsp") {
			return nil
		}
		if exclude != "" && strings.Contains(path, exclude) {
			return nil
		}
		if include != "" && !strings.Contains(path, include) {
			return nil
		}
		whisperFiles <- path
		return nil
	})
	if walkErr != nil {
		logger.Printf("legacyimport: walk %s: %v", whisperDir, walkErr)
	}

	close(whisperFiles)
	whisperWorkersWg.Wait()
	close(series)
	importWorkersWg.Wait()
}
