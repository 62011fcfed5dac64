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

package freshness

import (
	"testing"
	"time"
)

func Test_IsFreshEnough_FirstPollAlwaysProceeds(t *testing.T) {
	c := NewClock(nil, "")
	if c.IsFreshEnough("load", time.Minute) {
		t.Errorf("first poll of a service should never be considered fresh")
	}
}

func Test_IsFreshEnough_SkipsWithinRate(t *testing.T) {
	now := time.Unix(1000000, 0)
	c := NewClock(nil, "")
	c.Now = func() time.Time { return now }
	c.MarkPolled("load")

	c.Now = func() time.Time { return now.Add(30 * time.Second) }
	if !c.IsFreshEnough("load", time.Minute) {
		t.Errorf("expected the service to be considered fresh within its rate")
	}
}

// IsFreshEnough must never itself record a poll: a caller that finds
// the plugin not fresh, then has its fetch fail or time out, must not
// have the failed attempt counted as a real poll.
func Test_IsFreshEnough_DoesNotStamp(t *testing.T) {
	now := time.Unix(1000000, 0)
	c := NewClock(nil, "")
	c.Now = func() time.Time { return now }
	c.IsFreshEnough("load", time.Minute)
	if _, ok := c.Stamps()["load"]; ok {
		t.Errorf("expected IsFreshEnough to leave the stamp untouched")
	}
}

func Test_MarkPolled_StampsNow(t *testing.T) {
	now := time.Unix(1000000, 0)
	c := NewClock(nil, "")
	c.Now = func() time.Time { return now }
	c.MarkPolled("load")
	if c.Stamps()["load"] != now {
		t.Errorf("expected the stamp to be advanced to now")
	}
}

func Test_IsFreshEnough_PollsAgainAfterRateElapses(t *testing.T) {
	now := time.Unix(1000000, 0)
	c := NewClock(nil, "")
	c.Now = func() time.Time { return now }
	c.MarkPolled("load")

	c.Now = func() time.Time { return now.Add(2 * time.Minute) }
	if c.IsFreshEnough("load", time.Minute) {
		t.Errorf("expected the service to need polling again after the rate elapsed")
	}
}

func Test_AdvanceSpoolfetch_IgnoresEmptyCursor(t *testing.T) {
	c := NewClock(nil, "abc")
	c.AdvanceSpoolfetch("")
	if c.SpoolfetchCursor() != "abc" {
		t.Errorf("empty cursor should not overwrite the previous one")
	}
}

func Test_AdvanceSpoolfetch_UpdatesOnNonEmptyCursor(t *testing.T) {
	c := NewClock(nil, "abc")
	c.AdvanceSpoolfetch("def")
	if c.SpoolfetchCursor() != "def" {
		t.Errorf("SpoolfetchCursor() = %q, want def", c.SpoolfetchCursor())
	}
}
