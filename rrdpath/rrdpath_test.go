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

package rrdpath

import "testing"

func Test_File_Basic(t *testing.T) {
	got := File("/var/lib/munin", "example.com", "load", "load", "GAUGE")
	want := "/var/lib/munin/example.com-load-load-g.rrd"
	if got != want {
		t.Errorf("File() = %q, want %q", got, want)
	}
}

func Test_File_MultigraphDotFlattened(t *testing.T) {
	got := File("/var/lib/munin", "example.com", "disk.read", "read", "COUNTER")
	want := "/var/lib/munin/example.com-disk-read-read-c.rrd"
	if got != want {
		t.Errorf("File() = %q, want %q", got, want)
	}
}

func Test_File_TypeChangeProducesNewPath(t *testing.T) {
	g := File("/dbdir", "h", "load", "load", "GAUGE")
	c := File("/dbdir", "h", "load", "load", "COUNTER")
	if g == c {
		t.Errorf("expected different paths for GAUGE vs COUNTER, got %q for both", g)
	}
}

func Test_File_HostPathSeparatorsSanitised(t *testing.T) {
	got := File("/dbdir", "grp;sub:host", "load", "load", "GAUGE")
	want := "/dbdir/grp/sub/host-load-load-g.rrd"
	if got != want {
		t.Errorf("File() = %q, want %q", got, want)
	}
}

func Test_TypeInitial_DefaultsToGauge(t *testing.T) {
	if got := TypeInitial(""); got != "g" {
		t.Errorf("TypeInitial(\"\") = %q, want %q", got, "g")
	}
}
