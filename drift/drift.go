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

// Package drift is the schema-migration reconciler: it compares a
// field's newly parsed declaration against the one recorded on a
// previous run and decides whether the on-disk time series needs to
// be renamed, tuned, left alone, or flagged for a human to merge by
// hand.
package drift

import (
	"log"
	"os"

	lru "github.com/hashicorp/golang-lru"

	"github.com/zorun/munin/rrdengine"
	"github.com/zorun/munin/rrdpath"
)

// Declaration is the subset of a field's declaration that drift
// detection cares about.
type Declaration struct {
	Type    string
	Min     string
	Max     string
	OldName string
	Version string
}

// Action is what Reconcile decided should happen to the on-disk file.
type Action int

const (
	// NoAction means the declaration is unchanged in every way that
	// matters on disk.
	NoAction Action = iota
	// ActionTune means Path should be pushed through RrdStore.Tune.
	ActionTune
	// ActionWarn means both the old and new paths already exist and
	// a human needs to reconcile them; no on-disk change was made.
	ActionWarn
)

// Decision is the outcome of reconciling one field's declaration.
type Decision struct {
	Action Action
	Path   string
}

// Drift tracks the most recently seen declaration for every
// (hostPath, service, field) it has reconciled, bounded by an LRU so
// a long-lived worker process serving many hosts does not grow
// without limit.
type Drift struct {
	cache          *lru.Cache
	dbdir          string
	currentVersion string
	Logger         *log.Logger
}

// New builds a Drift bounded to cacheSize recent declarations,
// resolving on-disk paths under dbdir and comparing persisted
// declarations' Version against currentVersion.
func New(dbdir, currentVersion string, cacheSize int, logger *log.Logger) (*Drift, error) {
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Drift{cache: c, dbdir: dbdir, currentVersion: currentVersion, Logger: logger}, nil
}

func cacheKey(hostPath, service, field string) string {
	return hostPath + "\x00" + service + "\x00" + field
}

// Seed preloads the cache with declarations recorded on a previous
// run, keyed the same way Reconcile keys its own cache entries. A
// fresh worker process has no other way to know what a field's last
// declaration looked like, so without seeding, Reconcile never sees a
// prior declaration and cross-run drift (a rename or a version-driven
// tune) can never fire.
func (d *Drift) Seed(prior map[string]Declaration) {
	for k, v := range prior {
		d.cache.Add(k, v)
	}
}

// Snapshot exports the cache's current declarations, keyed the way
// Seed expects them back, for a caller to persist across runs.
func (d *Drift) Snapshot() map[string]Declaration {
	keys := d.cache.Keys()
	out := make(map[string]Declaration, len(keys))
	for _, k := range keys {
		if v, ok := d.cache.Peek(k); ok {
			out[k.(string)] = v.(Declaration)
		}
	}
	return out
}

func fieldsDiffer(a, b string) bool {
	if a == "" && b == "" {
		return false
	}
	return a != b
}

func autotuneDiffers(old, cur Declaration) bool {
	return fieldsDiffer(old.Type, cur.Type) || fieldsDiffer(old.Min, cur.Min) || fieldsDiffer(old.Max, cur.Max)
}

// Reconcile decides what, if anything, needs to happen on disk for
// (hostPath, service, field) given its newly parsed declaration, and
// records decl as the new baseline for the next run.
func (d *Drift) Reconcile(hostPath, service, field string, decl Declaration) Decision {
	lookupField := field
	if decl.OldName != "" {
		if _, ok := d.cache.Get(cacheKey(hostPath, service, decl.OldName)); ok {
			lookupField = decl.OldName
		}
	}

	oldRaw, ok := d.cache.Get(cacheKey(hostPath, service, lookupField))
	defer d.cache.Add(cacheKey(hostPath, service, field), decl)

	if !ok {
		return Decision{Action: NoAction}
	}
	old := oldRaw.(Declaration)

	// A lookup that landed on decl.OldName is itself a positive rename
	// hit and must be treated as a rename regardless of whether type,
	// min or max also changed under the new name — scenario 6 declares
	// a matching type across the rename and still expects the file
	// moved.
	if lookupField != field || autotuneDiffers(old, decl) {
		return d.reconcileAutotuneDiff(hostPath, service, lookupField, field, old, decl)
	}

	if old.Version != "" && old.Version != d.currentVersion {
		path := rrdpath.File(d.dbdir, hostPath, service, field, decl.Type)
		return Decision{Action: ActionTune, Path: path}
	}

	return Decision{Action: NoAction}
}

// reconcileAutotuneDiff handles a changed type/min/max or an oldname
// rename (with or without such a change). oldField and
// newField differ only when decl.OldName matched a cached declaration
// (an explicit rename); otherwise they're the same declared field
// whose autotune values changed under it, most commonly a bare type
// change. Renaming is gated strictly on oldField != newField: a type
// change alone must not move the file, even though it changes the
// filename's type-initial suffix, per the "old file left intact"
// requirement for that case.
func (d *Drift) reconcileAutotuneDiff(hostPath, service, oldField, newField string, old, cur Declaration) Decision {
	oldPath := rrdpath.File(d.dbdir, hostPath, service, oldField, old.Type)
	newPath := rrdpath.File(d.dbdir, hostPath, service, newField, cur.Type)

	if oldPath == newPath {
		return Decision{Action: ActionTune, Path: oldPath}
	}

	if oldField == newField {
		d.Logger.Printf("drift: %s/%s/%s changed type %s -> %s, leaving %s in place; %s will be created on next sample",
			hostPath, service, newField, old.Type, cur.Type, oldPath, newPath)
		return Decision{Action: NoAction}
	}

	oldExists := rrdengine.Exists(oldPath)
	newExists := rrdengine.Exists(newPath)

	switch {
	case oldExists && !newExists:
		if err := os.Rename(oldPath, newPath); err != nil {
			d.Logger.Printf("drift: rename %s -> %s: %v", oldPath, newPath, err)
			return Decision{Action: NoAction}
		}
		return Decision{Action: ActionTune, Path: newPath}
	case oldExists && newExists:
		d.Logger.Printf("drift: %s and %s both exist for %s/%s/%s, manual merge required", oldPath, newPath, hostPath, service, newField)
		return Decision{Action: ActionWarn}
	default:
		return Decision{Action: NoAction}
	}
}
