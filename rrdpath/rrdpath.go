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

// Package rrdpath derives the on-disk file path for a data source from
// the host path, service, field and declared type. The mapping is a pure
// function so that two runs which agree on these four inputs always agree
// on the file, and so that a type change always produces a fresh path.
package rrdpath

import (
	"path/filepath"
	"strings"
)

var (
	hostSepReplacer    = strings.NewReplacer(";", "/", ":", "/")
	serviceDotReplacer = strings.NewReplacer(".", "-")
)

// TypeInitial returns the lower-cased first character of a data-source
// type declaration, defaulting to "g" (GAUGE) when ty is empty.
func TypeInitial(ty string) string {
	if ty == "" {
		return "g"
	}
	return strings.ToLower(ty[:1])
}

// File returns the deterministic path for (hostPath, service, field, ty)
// under dbdir.
func File(dbdir, hostPath, service, field, ty string) string {
	hostPath = hostSepReplacer.Replace(hostPath)
	service = serviceDotReplacer.Replace(service)
	name := hostPath + "-" + service + "-" + field + "-" + TypeInitial(ty) + ".rrd"
	return filepath.Join(dbdir, name)
}
