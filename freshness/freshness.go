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

// Package freshness decides, for one service on one node, whether
// enough wall-clock time has passed since the last poll to justify
// polling it again, and tracks the opaque spoolfetch cursor a
// capability-negotiated agent hands back between runs.
package freshness

import (
	"sync"
	"time"
)

// Clock holds the per-service last-poll timestamps and the
// spoolfetch cursor for one node across worker runs. The zero value
// is not usable; construct with NewClock.
type Clock struct {
	mu         sync.Mutex
	stamps     map[string]time.Time
	spoolfetch string
	Now        func() time.Time
}

// NewClock builds a Clock seeded from previously persisted state.
// stamps may be nil for a node polled for the first time.
func NewClock(stamps map[string]time.Time, spoolfetchCursor string) *Clock {
	if stamps == nil {
		stamps = make(map[string]time.Time)
	}
	return &Clock{stamps: stamps, spoolfetch: spoolfetchCursor, Now: time.Now}
}

// IsFreshEnough reports whether service was polled within rate of
// now and can be skipped this cycle. It only reads the stamp; the
// caller must call MarkPolled once its fetch actually succeeds, or a
// request that times out or errors would otherwise mark the plugin
// fresh and starve it of retries.
func (c *Clock) IsFreshEnough(service string, rate time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.stamps[service]
	return ok && c.now().Sub(last) < rate
}

// MarkPolled records that service was successfully polled at now.
func (c *Clock) MarkPolled(service string) {
	c.mu.Lock()
	c.stamps[service] = c.now()
	c.mu.Unlock()
}

func (c *Clock) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Stamps returns the current per-service last-poll timestamps, for
// persistence into per-worker state.
func (c *Clock) Stamps() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Time, len(c.stamps))
	for k, v := range c.stamps {
		out[k] = v
	}
	return out
}

// SpoolfetchCursor returns the cursor currently in effect.
func (c *Clock) SpoolfetchCursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spoolfetch
}

// AdvanceSpoolfetch replaces the cursor, but only when cursor is
// non-empty: an unreachable agent or a spoolfetch that returned
// nothing yields "no new cursor", and the previous one is retained.
func (c *Clock) AdvanceSpoolfetch(cursor string) {
	if cursor == "" {
		return
	}
	c.mu.Lock()
	c.spoolfetch = cursor
	c.mu.Unlock()
}
