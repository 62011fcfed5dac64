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

package worker

import (
	"strings"
	"time"

	"github.com/zorun/munin/carbon"
	"github.com/zorun/munin/drift"
	"github.com/zorun/munin/muninconfig"
	"github.com/zorun/munin/rrdpath"
	"github.com/zorun/munin/rrdstore"
	"github.com/zorun/munin/timespec"
	"github.com/zorun/munin/wire"
)

// fieldDecl accumulates one field's declaration across the FieldAttr
// lines a config response emits for it.
type fieldDecl struct {
	Label   string
	Type    string
	Min     string
	Max     string
	OldName string
}

func fieldKey(service, field string) string {
	return service + "\x00" + field
}

// accumulator turns the event stream from one host's session into
// store/drift/carbon calls. It outlives a single Config or Fetch
// call so that a plugin's field declarations, seen during Config,
// are still on hand when the matching samples arrive during Fetch
// (or, for spoolfetch, when both share a single interleaved stream).
type accumulator struct {
	w     *Worker
	store *rrdstore.Store
	drift *drift.Drift
	sink  *carbon.Sink
	rec   *stateRecorder

	hostPath string
	host     muninconfig.Host

	currentService string
	fields         map[string]*fieldDecl
	serviceAttrs   map[string]map[string]string
}

func newAccumulator(w *Worker, store *rrdstore.Store, dr *drift.Drift, sink *carbon.Sink, rec *stateRecorder, hostPath string, host muninconfig.Host) *accumulator {
	a := &accumulator{
		w:            w,
		store:        store,
		drift:        dr,
		sink:         sink,
		rec:          rec,
		hostPath:     hostPath,
		host:         host,
		fields:       map[string]*fieldDecl{},
		serviceAttrs: map[string]map[string]string{},
	}
	a.seedServiceConfig()
	return a
}

// seedServiceConfig applies the host's free-form service_config
// overrides, keyed "<service>.<attr>", as if the agent itself had
// declared them — this is how a per-host config can force a
// resolution profile or update rate the plugin does not advertise.
func (a *accumulator) seedServiceConfig() {
	for key, value := range a.host.ServiceConfig {
		idx := strings.IndexByte(key, '.')
		if idx < 0 {
			continue
		}
		service, attr := key[:idx], key[idx+1:]
		a.attrs(service)[attr] = value
	}
}

func (a *accumulator) attrs(service string) map[string]string {
	m := a.serviceAttrs[service]
	if m == nil {
		m = map[string]string{}
		a.serviceAttrs[service] = m
	}
	return m
}

// reset begins a new plugin invocation: the field declarations
// collected here belong only to this plugin's own service context,
// so a rename or a stale label from a previous plugin never leaks
// across a session's plugin loop.
func (a *accumulator) reset(plugin string) {
	a.currentService = plugin
	a.fields = map[string]*fieldDecl{}
}

func (a *accumulator) field(service, name string) *fieldDecl {
	key := fieldKey(service, name)
	f := a.fields[key]
	if f == nil {
		f = &fieldDecl{}
		a.fields[key] = f
	}
	return f
}

// handle processes one batch of parsed events, returning the largest
// sample timestamp seen (0 if none), per the session.Handler
// contract.
func (a *accumulator) handle(defaultService string, events []wire.Event) int64 {
	if a.currentService == "" {
		a.currentService = defaultService
	}
	var lastWhen int64
	for _, e := range events {
		switch ev := e.(type) {
		case wire.MultigraphSwitch:
			a.currentService = ev.Service
		case wire.ServiceAttr:
			a.attrs(ev.Service)[ev.Key] = ev.Value
		case wire.FieldAttr:
			f := a.field(ev.Service, ev.Field)
			switch ev.Key {
			case "label":
				f.Label = ev.Value
			case "type":
				f.Type = ev.Value
			case "min":
				f.Min = ev.Value
			case "max":
				f.Max = ev.Value
			case "oldname":
				f.OldName = ev.Value
			}
		case wire.Sample:
			when := a.align(ev.Service, ev.When)
			a.commit(ev.Service, ev.Field, when, ev.Value)
			if when > lastWhen {
				lastWhen = when
			}
		}
	}
	return lastWhen
}

// align rounds a sample's timestamp down to the service's update
// rate granularity when its declaration asked for "aligned" scheduling.
func (a *accumulator) align(service string, when int64) int64 {
	rateSec, aligned := timespec.ParseUpdateRate(a.attrs(service)["update_rate"])
	if !aligned {
		return when
	}
	return timespec.RoundToGranularity(time.Unix(when, 0), rateSec).Unix()
}

// updateRate resolves a service's declared update rate, falling back
// to def when none was declared or it fails to parse.
func (a *accumulator) updateRate(service string, def time.Duration) time.Duration {
	raw := a.attrs(service)["update_rate"]
	if raw == "" {
		return def
	}
	sec, _ := timespec.ParseUpdateRate(raw)
	if sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}

func (a *accumulator) resolution(service string) (profile string, custom []string) {
	val := a.attrs(service)["graph_data_size"]
	if val == "" {
		return a.w.GraphDataSize, a.w.GraphDataSizeCustom
	}
	return splitGraphDataSize(val)
}

// commit is invariant-enforcing point of contact with RrdStore,
// ConfigDrift and CarbonSink for one (service, field) sample.
func (a *accumulator) commit(service, field string, when int64, value string) {
	logger := a.w.logger()
	f := a.fields[fieldKey(service, field)]
	if f == nil || f.Label == "" {
		logger.Printf("worker: %s/%s/%s has no label, skipping", a.hostPath, service, field)
		return
	}

	ty := f.Type
	if ty == "" {
		ty = "GAUGE"
	}
	path := rrdpath.File(a.w.Dbdir, a.hostPath, service, field, ty)
	updateRate := a.updateRate(service, a.w.DefaultUpdateRate)

	profile, custom := a.resolution(service)
	archives, err := timespec.ResolveProfile(profile, custom, int64(updateRate/time.Second))
	if err != nil {
		logger.Printf("worker: %s: resolution profile: %v", path, err)
		return
	}

	cfg := rrdstore.DSConfig{
		Type:       ty,
		Min:        f.Min,
		Max:        f.Max,
		UpdateRate: updateRate,
		Archives:   convertArchives(archives),
		Version:    a.w.Version,
	}

	// Drift must be reconciled — including any rename of a prior file
	// onto path — before Create, or Create's own new-path file would
	// already exist by the time reconciliation looks for it, and a
	// rename would misread as "both files exist, manual merge required".
	decision := a.drift.Reconcile(a.hostPath, service, field, drift.Declaration{
		Type:    ty,
		Min:     f.Min,
		Max:     f.Max,
		OldName: f.OldName,
		Version: a.w.Version,
	})

	a.store.Create(path, service, field, cfg, when)

	if decision.Action == drift.ActionTune {
		a.store.Tune(decision.Path, cfg)
	}

	lastCommitted := a.rec.state.LastCommitted(path)
	a.store.Update(path, []rrdstore.Sample{{When: when, Value: value}}, lastCommitted)
	a.sink.Emit(service, field, value, when)
}
