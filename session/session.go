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

// Package session is the ordered conversation with one remote agent:
// capability negotiation, plugin enumeration, per-plugin config/fetch,
// spoolfetch streaming, and orphan-process reaping on every exit path.
package session

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/process"
	"golang.org/x/time/rate"

	"github.com/zorun/munin/agent"
	"github.com/zorun/munin/wire"
)

// ErrNoSpoolfetchData is the benign sentinel for an agent that could
// not or did not produce a spoolfetch stream; it is not a session
// failure.
var ErrNoSpoolfetchData = errors.New("session: no spoolfetch data")

// Handler consumes the events parsed from one config or fetch
// response, or from one line of a spoolfetch stream, and reports the
// last sample timestamp seen in them (0 if they carried no samples).
type Handler func(events []wire.Event) (lastWhen int64)

// Capabilities is the set negotiated with an agent at session start.
type Capabilities map[string]bool

// Has reports whether name was among the negotiated capabilities.
func (c Capabilities) Has(name string) bool { return c[name] }

// Session is a strictly sequential, single-use conversation with one
// agent transport.
type Session struct {
	Transport     agent.Transport
	Timeout       time.Duration
	LimitServices map[string]bool // nil means no allowlist
	Logger        *log.Logger
	Rand          *rand.Rand

	caps      Capabilities
	helperPid int
	havePid   bool
}

// New builds a Session over tr. timeout bounds every read.
func New(tr agent.Transport, timeout time.Duration, limitServices map[string]bool, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Session{Transport: tr, Timeout: timeout, LimitServices: limitServices, Logger: logger, Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Open starts the transport and remembers a forked helper's PID, if
// the transport publishes one.
func (s *Session) Open() error {
	if err := s.Transport.Open(); err != nil {
		return err
	}
	if pr, ok := s.Transport.(agent.PidReporter); ok {
		if pid, ok2 := pr.Pid(); ok2 {
			s.helperPid, s.havePid = pid, true
		}
	}
	return nil
}

// Negotiate sends the wanted capability list and returns the ones the
// agent actually reports supporting.
func (s *Session) Negotiate(want []string) (Capabilities, error) {
	if err := s.Transport.WriteLine("cap " + strings.Join(want, " ")); err != nil {
		return nil, err
	}
	lines, err := s.readResponse()
	if err != nil {
		return nil, err
	}
	caps := Capabilities{}
	if len(lines) > 0 {
		for _, c := range strings.Fields(lines[0]) {
			caps[c] = true
		}
	}
	s.caps = caps
	return caps, nil
}

// Caps returns the capabilities negotiated by the last Negotiate call.
func (s *Session) Caps() Capabilities { return s.caps }

// ListPlugins requests the plugin list and returns it shuffled, for
// fair scheduling when a timeout budget cuts a cycle short.
func (s *Session) ListPlugins() ([]string, error) {
	if err := s.Transport.WriteLine("list"); err != nil {
		return nil, err
	}
	lines, err := s.readResponse()
	if err != nil {
		return nil, err
	}
	var plugins []string
	if len(lines) > 0 {
		plugins = strings.Fields(lines[0])
	}
	s.Rand.Shuffle(len(plugins), func(i, j int) { plugins[i], plugins[j] = plugins[j], plugins[i] })
	return plugins, nil
}

// Allowed reports whether plugin passes the limit_services allowlist,
// which is not applied when LimitServices is nil.
func (s *Session) Allowed(plugin string) bool {
	if s.LimitServices == nil {
		return true
	}
	return s.LimitServices[plugin]
}

// Config requests "config <plugin>", feeds the parsed events to
// handle and returns its last-timestamp report. A non-zero result
// means the response was a dirty config carrying its own samples, and
// the caller should skip the subsequent Fetch.
func (s *Session) Config(plugin string, handle Handler) (int64, error) {
	if err := s.Transport.WriteLine("config " + plugin); err != nil {
		return 0, err
	}
	lines, err := s.readResponse()
	if err != nil {
		return 0, err
	}
	p := wire.NewParser(plugin)
	var events []wire.Event
	for _, line := range lines {
		events = append(events, p.ParseConfigLine(line)...)
	}
	return handle(events), nil
}

// Fetch requests "fetch <plugin>" and feeds the parsed events to
// handle.
func (s *Session) Fetch(plugin string, handle Handler) error {
	if err := s.Transport.WriteLine("fetch " + plugin); err != nil {
		return err
	}
	lines, err := s.readResponse()
	if err != nil {
		return err
	}
	p := wire.NewParser(plugin)
	var events []wire.Event
	for _, line := range lines {
		events = append(events, p.ParseFetchLine(line)...)
	}
	handle(events)
	return nil
}

// Spoolfetch requests "spoolfetch <cursor>" and feeds the events
// parsed from each line to handle as the line is read. A spoolfetch response can be an
// arbitrarily large backlog replay, so unlike Config and Fetch it is
// never buffered whole before handle sees it. It returns the new
// cursor, or ErrNoSpoolfetchData if the response was empty.
func (s *Session) Spoolfetch(cursor string, handle Handler) (string, error) {
	if err := s.Transport.WriteLine("spoolfetch " + cursor); err != nil {
		return "", err
	}
	p := wire.NewParser("")
	newCursor := ""
	sawLine := false
	for {
		line, err := s.readLine()
		if err != nil {
			return "", err
		}
		line = sanitize(line)
		if line == "" {
			continue
		}
		if line == "." {
			break
		}
		sawLine = true
		if ev := p.ParseConfigLine(line); ev != nil {
			handle(ev)
		} else {
			newCursor = line
		}
	}
	if !sawLine {
		return "", ErrNoSpoolfetchData
	}
	return newCursor, nil
}

// Quit sends the terminating request. Errors are not fatal: the
// session is torn down regardless.
func (s *Session) Quit() {
	s.Transport.WriteLine("quit")
}

// Close tears down the transport and reaps a helper process left
// alive by it, sending it a terminal signal if it is still running.
func (s *Session) Close() error {
	err := s.Transport.Close()
	if s.havePid {
		s.reapOrphan(s.helperPid)
	}
	return err
}

func (s *Session) reapOrphan(pid int) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return // already gone
	}
	if running, err := proc.IsRunning(); err != nil || !running {
		return
	}
	if err := proc.Terminate(); err != nil {
		s.Logger.Printf("session: reap pid %d: %v", pid, err)
	}
}

func (s *Session) readLine() (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := s.Transport.ReadLine()
		ch <- result{line, err}
	}()
	select {
	case r := <-ch:
		return r.line, r.err
	case <-time.After(s.Timeout):
		return "", fmt.Errorf("session: read timeout after %v", s.Timeout)
	}
}

func (s *Session) readResponse() ([]string, error) {
	var lines []string
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		line = sanitize(line)
		if line == "." {
			return lines, nil
		}
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
}

func sanitize(line string) string {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "#") {
		return ""
	}
	return line
}

// NewPluginBudget returns a rate limiter that paces roughly one
// plugin request per (totalBudget / pluginCount), so that a session
// which runs out of its overall timeout partway through a shuffled
// plugin list spends that budget evenly rather than front-loading it
// on whichever plugin happened to be shuffled first.
func NewPluginBudget(totalBudget time.Duration, pluginCount int) *rate.Limiter {
	if pluginCount <= 0 {
		pluginCount = 1
	}
	interval := totalBudget / time.Duration(pluginCount)
	if interval <= 0 {
		interval = time.Millisecond
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}
