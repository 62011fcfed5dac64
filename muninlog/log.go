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

// Package muninlog sets up the process-wide logger, optionally
// cycling the log file on a fixed interval or on demand (e.g. from a
// SIGHUP handler).
package muninlog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

func init() {
	log.SetPrefix(fmt.Sprintf("[%d] ", os.Getpid()))
}

// Cycler rotates a single log file, archiving the previous one with a
// timestamp suffix. The zero value logs to stderr until Start is
// called.
type Cycler struct {
	Path string
	Now  func() time.Time

	file    *os.File
	cycleCh chan struct{}
	done    chan struct{}
}

// NewCycler returns a Cycler for the log file at path.
func NewCycler(path string) *Cycler {
	return &Cycler{Path: path, Now: time.Now, cycleCh: make(chan struct{}, 1), done: make(chan struct{})}
}

// Start opens the log file, points the standard logger at it, and if
// interval is positive, begins cycling it on that period until Stop
// is called.
func (c *Cycler) Start(interval time.Duration) error {
	if err := c.cycle(); err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Cycle()
			case <-c.done:
				return
			}
		}
	}()
	go func() {
		for {
			select {
			case <-c.cycleCh:
				c.cycle()
			case <-c.done:
				return
			}
		}
	}()
	return nil
}

// Cycle requests an immediate log rotation. It is safe to call from a
// signal handler.
func (c *Cycler) Cycle() {
	select {
	case c.cycleCh <- struct{}{}:
	default:
	}
}

// Stop ends background cycling. It does not close the current log
// file, which the process may still be writing to.
func (c *Cycler) Stop() {
	close(c.done)
}

func (c *Cycler) cycle() error {
	if c.file != nil {
		c.archive()
	}
	file, err := os.OpenFile(c.Path, os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_SYNC, 0666)
	if err != nil {
		return fmt.Errorf("muninlog: open %s: %w", c.Path, err)
	}
	log.SetOutput(file)
	old := c.file
	c.file = file
	if old != nil {
		old.Close()
	}
	return nil
}

func (c *Cycler) archive() {
	dir, base := filepath.Split(c.Path)
	name := c.now().Format(base + "-20060102_150405")
	dest := filepath.Join(dir, name)
	log.Printf("muninlog: starting new log file, previous archived as %s", dest)
	os.Rename(c.Path, dest)
}

func (c *Cycler) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
