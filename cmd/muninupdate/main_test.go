package main

import (
	"path/filepath"
	"testing"

	"github.com/zorun/munin/muninconfig"
)

func Test_StatePath(t *testing.T) {
	host := muninconfig.Host{GroupName: "grp", HostName: "node1"}
	got := statePath("/var/lib/munin/.state", host)
	want := filepath.Join("/var/lib/munin/.state", "grp;node1.state")
	if got != want {
		t.Errorf("statePath = %q, want %q", got, want)
	}
}
