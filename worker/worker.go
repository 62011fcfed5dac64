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

// Package worker orchestrates one full polling cycle for one node:
// open a session, negotiate capabilities, drive spoolfetch or the
// plugin config/fetch loop, and route every parsed field declaration
// and sample through ConfigDrift, RrdStore and the optional Carbon
// sink.
package worker

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/zorun/munin/agent"
	"github.com/zorun/munin/carbon"
	"github.com/zorun/munin/drift"
	"github.com/zorun/munin/freshness"
	"github.com/zorun/munin/muninconfig"
	"github.com/zorun/munin/rrdengine"
	"github.com/zorun/munin/rrdstore"
	"github.com/zorun/munin/session"
	"github.com/zorun/munin/timespec"
	"github.com/zorun/munin/wire"
	"github.com/zorun/munin/workerstate"
)

// Dialer opens a transport for a resolved "host:port" address.
type Dialer func(addr string, timeout time.Duration) (agent.Transport, error)

func dialTCP(addr string, timeout time.Duration) (agent.Transport, error) {
	tr := agent.NewTCP(addr, timeout)
	return tr, nil
}

// Worker holds the process-wide settings a run needs; one Worker
// serves every host a dispatcher throws at it.
type Worker struct {
	Dbdir               string
	CarbonAddr          string // "host:port"; empty disables the sink
	CarbonPrefix        string
	RrdcachedAddress    string // overrides RRDCACHED_ADDRESS when non-empty
	DefaultUpdateRate   time.Duration
	GraphDataSize       string // "normal", "huge" or "custom"
	GraphDataSizeCustom []string
	SessionTimeout      time.Duration
	DriftCacheSize      int
	Version             string
	Logger              *log.Logger
	Now                 func() time.Time
	Dial                Dialer
}

// FromConfig builds a Worker from process configuration.
func FromConfig(cfg *muninconfig.Config, logger *log.Logger) (*Worker, error) {
	updateRate, err := timespec.ToSeconds(cfg.UpdateRate)
	if err != nil {
		return nil, fmt.Errorf("worker: update_rate: %w", err)
	}
	profile, custom := splitGraphDataSize(cfg.GraphDataSize)
	w := &Worker{
		Dbdir:               cfg.Dbdir,
		CarbonPrefix:        cfg.CarbonPrefix,
		RrdcachedAddress:    cfg.RrdcachedSocket,
		DefaultUpdateRate:   time.Duration(updateRate) * time.Second,
		GraphDataSize:       profile,
		GraphDataSizeCustom: custom,
		SessionTimeout:      cfg.SessionTimeout.Duration,
		DriftCacheSize:      1024,
		Version:             cfg.OldconfigVersion,
		Logger:              logger,
	}
	if cfg.CarbonServer != "" {
		w.CarbonAddr = fmt.Sprintf("%s:%d", cfg.CarbonServer, cfg.CarbonPort)
	}
	return w, nil
}

func splitGraphDataSize(s string) (profile string, custom []string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "normal", nil
	}
	if !strings.HasPrefix(s, "custom") {
		return s, nil
	}
	rest := strings.TrimSpace(strings.TrimPrefix(s, "custom"))
	if rest == "" {
		return "custom", nil
	}
	parts := strings.Split(rest, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return "custom", parts
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) dial(addr string, timeout time.Duration) (agent.Transport, error) {
	if w.Dial != nil {
		return w.Dial(addr, timeout)
	}
	return dialTCP(addr, timeout)
}

func (w *Worker) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.New(os.Stderr, "", log.LstdFlags)
}

// resolveAddress implements the fallback chain from spec.md §4.9: an
// explicit address always wins; otherwise a dotted host name that
// resolves is used as-is, then "<group>.<host>", then the bare host
// name unresolved.
func resolveAddress(host muninconfig.Host) string {
	if host.Address != "" {
		return host.Address
	}
	if strings.Contains(host.HostName, ".") {
		if _, err := net.LookupHost(host.HostName); err == nil {
			return host.HostName
		}
	}
	qualified := host.GroupName + "." + host.HostName
	if _, err := net.LookupHost(qualified); err == nil {
		return qualified
	}
	return host.HostName
}

// Result is the outcome of one Run.
type Result struct {
	Elapsed time.Duration
}

// Run drives one full polling cycle for host, updating state in
// place. On any protocol-level failure the session is torn down and
// the error is returned; the dispatcher decides whether to retry.
func (w *Worker) Run(host muninconfig.Host, state *workerstate.State) (Result, error) {
	start := w.now()
	logger := w.logger()

	addr := resolveAddress(host)
	port := host.Port
	if port == 0 {
		port = 4949
	}
	tr, err := w.dial(fmt.Sprintf("%s:%d", addr, port), w.SessionTimeout)
	if err != nil {
		return Result{}, fmt.Errorf("worker: dial %s: %w", addr, err)
	}

	sess := session.New(tr, w.SessionTimeout, host.LimitServicesSet(), logger)
	if err := sess.Open(); err != nil {
		return Result{}, fmt.Errorf("worker: open session: %w", err)
	}
	defer sess.Close()

	sink := carbon.NewSink(w.CarbonAddr, w.CarbonPrefix, host.HostName, logger)
	defer sink.Close()

	dr, err := drift.New(w.Dbdir, w.Version, w.DriftCacheSize, logger)
	if err != nil {
		return Result{}, fmt.Errorf("worker: drift cache: %w", err)
	}
	// A fresh Drift cache remembers nothing about prior runs on its
	// own; seed it from state, and persist whatever it ends up holding
	// back at the end of the run, or cross-run drift (renames, tunes)
	// could never be detected.
	dr.Seed(state.Declarations)

	rec := &stateRecorder{state: state}
	store := rrdstore.NewStore(rec, logger)
	if w.RrdcachedAddress != "" {
		store.RRDCachedAddress = w.RrdcachedAddress
	}

	clock := freshness.NewClock(state.Stamps(), state.Spoolfetch)
	hostPath := host.GroupName + ";" + host.HostName

	acc := newAccumulator(w, store, dr, sink, rec, hostPath, host)

	caps, err := sess.Negotiate([]string{"multigraph", "dirtyconfig", "spool"})
	if err != nil {
		sess.Quit()
		return Result{}, fmt.Errorf("worker: negotiate: %w", err)
	}

	if caps.Has("spool") {
		if err := w.runSpoolfetch(sess, clock, acc); err != nil {
			sess.Quit()
			return Result{}, err
		}
	} else {
		if err := w.runPluginLoop(sess, clock, acc, logger); err != nil {
			sess.Quit()
			return Result{}, err
		}
	}

	sess.Quit()

	state.SetStamps(clock.Stamps())
	state.Spoolfetch = clock.SpoolfetchCursor()
	state.Declarations = dr.Snapshot()

	return Result{Elapsed: w.now().Sub(start)}, nil
}

func (w *Worker) runSpoolfetch(sess *session.Session, clock *freshness.Clock, acc *accumulator) error {
	cursor, err := sess.Spoolfetch(clock.SpoolfetchCursor(), func(events []wire.Event) int64 {
		return acc.handle("", events)
	})
	if err == session.ErrNoSpoolfetchData {
		return nil
	}
	if err != nil {
		return fmt.Errorf("worker: spoolfetch: %w", err)
	}
	clock.AdvanceSpoolfetch(cursor)
	return nil
}

func (w *Worker) runPluginLoop(sess *session.Session, clock *freshness.Clock, acc *accumulator, logger *log.Logger) error {
	plugins, err := sess.ListPlugins()
	if err != nil {
		return fmt.Errorf("worker: list plugins: %w", err)
	}

	budget := session.NewPluginBudget(w.SessionTimeout, len(plugins))

	for _, plugin := range plugins {
		if !sess.Allowed(plugin) {
			continue
		}
		budget.Wait(context.Background())

		acc.reset(plugin)
		lastWhen, err := sess.Config(plugin, func(events []wire.Event) int64 {
			return acc.handle(plugin, events)
		})
		if err != nil {
			logger.Printf("worker: config %s: %v", plugin, err)
			continue
		}
		if lastWhen != 0 {
			clock.MarkPolled(plugin)
			continue // dirty config already carried and committed its samples
		}

		rate := acc.updateRate(plugin, w.DefaultUpdateRate)
		if clock.IsFreshEnough(plugin, rate) {
			continue
		}

		if err := sess.Fetch(plugin, func(events []wire.Event) int64 {
			return acc.handle(plugin, events)
		}); err != nil {
			logger.Printf("worker: fetch %s: %v", plugin, err)
			continue
		}
		clock.MarkPolled(plugin)
	}
	return nil
}

// stateRecorder adapts workerstate.State to rrdstore.StateRecorder.
type stateRecorder struct {
	state *workerstate.State
}

func (r *stateRecorder) RecordSample(path string, when time.Time, value string) {
	r.state.Record(path, when.Unix(), value)
}

func convertArchives(specs []timespec.ArchiveSpec) []rrdengine.ArchiveSpec {
	out := make([]rrdengine.ArchiveSpec, len(specs))
	for i, s := range specs {
		out[i] = rrdengine.ArchiveSpec{Multiplier: s.Multiplier, Count: s.Count}
	}
	return out
}
