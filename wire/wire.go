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

// Package wire parses an agent's config, fetch and spoolfetch
// responses. Both grammars share one tokenizer and are fused: a
// "dirty config" line (a field's inline "<field>.value <token>" line)
// is diverted straight into the fetch grammar as it is seen, so a
// single config response can carry both declarations and samples.
package wire

import (
	"regexp"
	"strings"
	"time"

	"github.com/zorun/munin/timespec"
)

// Event is one parsed unit: ServiceAttr, FieldAttr, Sample or
// MultigraphSwitch.
type Event interface{ isEvent() }

// ServiceAttr is a service-wide attribute, e.g. graph_title.
type ServiceAttr struct {
	Service, Key, Value string
}

// FieldAttr is a per-field ("data source") attribute, e.g.
// load.label or load.type.
type FieldAttr struct {
	Service, Field, Key, Value string
}

// Sample is one data point, whether it arrived via an explicit fetch
// line or was diverted out of a dirty config line.
type Sample struct {
	Service, Field, Arg string
	When                 int64
	Value                string
}

// MultigraphSwitch marks a "multigraph <name>" line: subsequent lines
// belong to the named nested service until the next switch.
type MultigraphSwitch struct {
	Service string
}

func (ServiceAttr) isEvent()      {}
func (FieldAttr) isEvent()        {}
func (Sample) isEvent()           {}
func (MultigraphSwitch) isEvent() {}

// lineRe matches "<head>(.<attr>)? <value>" for both the config and
// fetch grammars: head/field never contain a dot or whitespace, an
// optional dotted suffix names the attribute or arg, and everything
// after the separating whitespace is the value/token verbatim.
var lineRe = regexp.MustCompile(`^([^.\s]+)(?:\.([^\s]+))?\s+(.*)$`)

// Parser holds the "current service" context that a multigraph
// response mutates as it streams by. It is not safe for concurrent
// use; one Parser belongs to one plugin (or spoolfetch) conversation.
type Parser struct {
	Service string
	Now     func() time.Time
}

// NewParser returns a Parser whose initial service context is
// service (the plugin name for a non-multigraph response).
func NewParser(service string) *Parser {
	return &Parser{Service: service, Now: time.Now}
}

// ParseConfigLine parses one line of a config response. A dirty
// config line ("<field>.value <token>") is recognised and diverted:
// the returned event is a Sample, not a FieldAttr.
func (p *Parser) ParseConfigLine(line string) []Event {
	head, attr, value, ok := p.split(line)
	if !ok {
		return nil
	}
	if head == "multigraph" && attr == "" {
		p.Service = value
		return []Event{MultigraphSwitch{Service: value}}
	}
	if attr == "" {
		return []Event{ServiceAttr{Service: p.Service, Key: head, Value: value}}
	}
	if attr == "value" {
		return []Event{p.parseToken(head, "", value)}
	}
	return []Event{FieldAttr{Service: p.Service, Field: head, Key: attr, Value: value}}
}

// ParseFetchLine parses one line of a fetch response. A
// "multigraph <name>" line is honoured here too. Spoolfetch streams,
// which mix declarations with samples, are parsed with
// ParseConfigLine instead.
func (p *Parser) ParseFetchLine(line string) []Event {
	head, arg, token, ok := p.split(line)
	if !ok {
		return nil
	}
	if head == "multigraph" && arg == "" {
		p.Service = token
		return []Event{MultigraphSwitch{Service: token}}
	}
	return []Event{p.parseToken(head, arg, token)}
}

func (p *Parser) split(line string) (head, attr, value string, ok bool) {
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}

// parseToken turns a fetch token into a Sample. The token is either
// "<when>:<value>" or a bare value, in which case the epoch is now.
// A malformed explicit epoch falls back to now rather than erroring,
// since a single bad sample should not abort the whole response.
func (p *Parser) parseToken(field, arg, token string) Event {
	when := p.now().Unix()
	value := token
	if idx := strings.IndexByte(token, ':'); idx >= 0 {
		whenStr, val := token[:idx], token[idx+1:]
		if t, err := timespec.ResolveWhen(whenStr, p.now); err == nil {
			when = t.Unix()
			value = val
		}
	}
	return Sample{Service: p.Service, Field: field, Arg: arg, When: when, Value: value}
}

func (p *Parser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
