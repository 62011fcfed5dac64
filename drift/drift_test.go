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

package drift

import (
	"log"
	"os"
	"path/filepath"
	"testing"
)

func newDrift(t *testing.T, dbdir string) *Drift {
	t.Helper()
	d, err := New(dbdir, "1.0", 1000, log.New(os.Stderr, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func Test_Reconcile_FirstSighting_NoAction(t *testing.T) {
	d := newDrift(t, t.TempDir())
	got := d.Reconcile("host", "load", "load", Declaration{Type: "GAUGE"})
	if got.Action != NoAction {
		t.Errorf("got %+v, want NoAction", got)
	}
}

func Test_Reconcile_NoDiff_NoAction(t *testing.T) {
	d := newDrift(t, t.TempDir())
	decl := Declaration{Type: "GAUGE", Min: "0"}
	d.Reconcile("host", "load", "load", decl)
	got := d.Reconcile("host", "load", "load", decl)
	if got.Action != NoAction {
		t.Errorf("got %+v, want NoAction", got)
	}
}

func Test_Reconcile_MinChange_SamePath_Tune(t *testing.T) {
	// GAUGE and COUNTER produce different filenames (type initial is
	// part of the path), so a type change never reaches the same-path
	// tune branch. Use min/max instead to exercise a diff that keeps
	// the same path.
	d := newDrift(t, t.TempDir())
	d.Reconcile("host", "load", "load", Declaration{Type: "GAUGE", Min: "0"})
	got := d.Reconcile("host", "load", "load", Declaration{Type: "GAUGE", Min: "-1"})
	if got.Action != ActionTune {
		t.Errorf("got %+v, want ActionTune", got)
	}
}

// A bare type change on the same declared field must never rename the
// old file: scenario 5 requires the old file left intact and a new
// one created (elsewhere, by RrdStore.Create) on the next sample.
func Test_Reconcile_TypeChange_NoOldFile_NoAction(t *testing.T) {
	d := newDrift(t, t.TempDir())
	d.Reconcile("host", "load", "load", Declaration{Type: "GAUGE"})
	got := d.Reconcile("host", "load", "load", Declaration{Type: "COUNTER"})
	if got.Action != NoAction {
		t.Errorf("got %+v, want NoAction", got)
	}
}

func Test_Reconcile_TypeChange_NeverRenamesEvenWhenOldFileExists(t *testing.T) {
	dbdir := t.TempDir()
	d := newDrift(t, dbdir)
	d.Reconcile("host", "load", "load", Declaration{Type: "GAUGE"})

	oldPath := filepath.Join(dbdir, "host-load-load-g.rrd")
	if err := os.WriteFile(oldPath, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := d.Reconcile("host", "load", "load", Declaration{Type: "COUNTER"})
	if got.Action != NoAction {
		t.Errorf("got %+v, want NoAction (a type change is not a rename)", got)
	}
	newPath := filepath.Join(dbdir, "host-load-load-c.rrd")
	if _, err := os.Stat(newPath); !os.IsNotExist(err) {
		t.Errorf("expected no new file to have been created by drift itself")
	}
	if _, err := os.Stat(oldPath); err != nil {
		t.Errorf("expected the old file to be left intact: %v", err)
	}
}

// An explicit oldname declaration is what drives an actual rename
// (scenario 6), independent of whether type/min/max also changed.
func Test_Reconcile_OldName_NoFilesOnDisk_NoAction(t *testing.T) {
	d := newDrift(t, t.TempDir())
	d.Reconcile("host", "cpu", "user", Declaration{Type: "COUNTER", Min: "0"})
	got := d.Reconcile("host", "cpu", "usertime", Declaration{Type: "COUNTER", Min: "0", OldName: "user"})
	if got.Action != NoAction {
		t.Errorf("renamed field with neither the old nor the new file on disk should need no action, got %+v", got)
	}
}

func Test_Reconcile_OldName_RenamesWhenOldFileExists(t *testing.T) {
	dbdir := t.TempDir()
	d := newDrift(t, dbdir)
	d.Reconcile("host", "cpu", "user", Declaration{Type: "GAUGE"})

	oldPath := filepath.Join(dbdir, "host-cpu-user-g.rrd")
	if err := os.WriteFile(oldPath, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := d.Reconcile("host", "cpu", "cpu_user", Declaration{Type: "GAUGE", OldName: "user"})
	if got.Action != ActionTune {
		t.Fatalf("got %+v, want ActionTune", got)
	}
	newPath := filepath.Join(dbdir, "host-cpu-cpu_user-g.rrd")
	if got.Path != newPath {
		t.Errorf("Path = %q, want %q", got.Path, newPath)
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Errorf("expected the file to have been renamed to %s: %v", newPath, err)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("expected the old file to be gone")
	}
}

func Test_Reconcile_OldName_WarnsWhenBothExist(t *testing.T) {
	dbdir := t.TempDir()
	d := newDrift(t, dbdir)
	d.Reconcile("host", "cpu", "user", Declaration{Type: "GAUGE"})

	oldPath := filepath.Join(dbdir, "host-cpu-user-g.rrd")
	newPath := filepath.Join(dbdir, "host-cpu-cpu_user-g.rrd")
	os.WriteFile(oldPath, []byte("x"), 0644)
	os.WriteFile(newPath, []byte("x"), 0644)

	got := d.Reconcile("host", "cpu", "cpu_user", Declaration{Type: "GAUGE", OldName: "user"})
	if got.Action != ActionWarn {
		t.Errorf("got %+v, want ActionWarn", got)
	}
}

// Seed/Snapshot are how a Drift built fresh in a new process picks up
// where the previous run's cache left off; without them Reconcile
// would always see a first sighting and drift across runs could never
// be detected.
func Test_Reconcile_SeedSnapshotRoundTrip(t *testing.T) {
	dbdir := t.TempDir()
	d1 := newDrift(t, dbdir)
	d1.Reconcile("host", "load", "load", Declaration{Type: "GAUGE", Version: "1.0"})
	saved := d1.Snapshot()

	d2, err := New(dbdir, "2.0", 1000, log.New(os.Stderr, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d2.Seed(saved)
	got := d2.Reconcile("host", "load", "load", Declaration{Type: "GAUGE", Version: "1.0"})
	if got.Action != ActionTune {
		t.Errorf("got %+v, want ActionTune from a stale version seeded across the process boundary", got)
	}
}

func Test_Reconcile_VersionChange_PrecautionaryTune(t *testing.T) {
	dbdir := t.TempDir()
	d, err := New(dbdir, "2.0", 1000, log.New(os.Stderr, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Reconcile("host", "load", "load", Declaration{Type: "GAUGE", Version: "1.0"})
	got := d.Reconcile("host", "load", "load", Declaration{Type: "GAUGE", Version: "1.0"})
	if got.Action != ActionTune {
		t.Errorf("got %+v, want ActionTune from a stale persisted version", got)
	}
}
