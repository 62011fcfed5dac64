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

package rrdengine

import (
	"fmt"
	"math"
	"time"
)

// consolidation picks how an archive folds several of a series' PDPs
// into one of its own, coarser data points.
type consolidation int

const (
	cfWMean consolidation = iota // time-weighted average
	cfMax
	cfMin
	cfLast
)

// pdp is a Primary Data Point: the partial, in-progress consolidation
// of whatever samples have landed in the current step but haven't yet
// completed it. A series has its own pdp for its native step, and
// each of its archives keeps a second one for its own, coarser step.
//
// A weighted-mean pdp spanning 4 time units that saw 1.0 for the
// first quarter, 3.0 for the middle half and 2.0 for the last
// quarter ends up at 0.25*1 + 0.50*3 + 0.25*2 = 2.25. A slice that
// never received a sample (all NaN) does not count toward the
// weighting at all, so a pdp that's one third 1.0 and two thirds 3.0
// (the remainder being unfilled) settles at 1/3*1 + 2/3*3 = 2.33333,
// as if it were simply shorter.
//
// The zero value is an empty pdp with an undefined (NaN) value.
type pdp struct {
	value    float64
	duration time.Duration
}

func (p *pdp) Value() float64 {
	if p.duration == 0 {
		return math.NaN()
	}
	return p.value
}

func (p *pdp) Duration() time.Duration { return p.duration }

func (p *pdp) setValue(val float64, dur time.Duration) {
	p.value = val
	p.duration = dur
}

// addValueMean folds val into the pdp using a time-weighted average.
func (p *pdp) addValueMean(val float64, dur time.Duration) {
	if math.IsNaN(val) || dur <= 0 {
		return
	}
	if math.IsNaN(p.value) {
		p.value = 0
	}
	p.value = p.value*float64(p.duration)/float64(p.duration+dur) +
		val*float64(dur)/float64(p.duration+dur)
	p.duration += dur
}

// addValueMax folds val in by keeping the larger of the two; a
// non-NaN value always beats an empty or NaN pdp.
func (p *pdp) addValueMax(val float64, dur time.Duration) {
	if math.IsNaN(val) || dur <= 0 {
		return
	}
	if math.IsNaN(p.value) || p.duration == 0 || p.value < val {
		p.value = val
	}
	p.duration += dur
}

// addValueMin is addValueMax's mirror image.
func (p *pdp) addValueMin(val float64, dur time.Duration) {
	if math.IsNaN(val) || dur <= 0 {
		return
	}
	if math.IsNaN(p.value) || p.duration == 0 || p.value > val {
		p.value = val
	}
	p.duration += dur
}

// addValueLast replaces the pdp's value outright, unless val is NaN
// or dur is empty, in which case it is a no-op.
func (p *pdp) addValueLast(val float64, dur time.Duration) {
	if math.IsNaN(val) || dur <= 0 {
		return
	}
	p.value = val
	p.duration += dur
}

// reset reports the pdp's value before clearing it back to empty.
func (p *pdp) reset() float64 {
	result := p.Value()
	p.value = 0
	p.duration = 0
	return result
}

// archive is one round-robin archive: a consolidation function, a
// step coarser than (a multiple of) its series' native step, and a
// fixed-size, sparse ring of already-consolidated data points keyed
// by slot index. Slots are addressed by absolute time so that
// latest, plus knowledge of step and size, is all that's needed to
// find any slot's timestamp without storing it.
type archive struct {
	pdp
	function consolidation
	step     time.Duration
	size     int64
	// xff is the fraction of an archive's step that must have been
	// known (non-NaN) for its consolidated slot to not be NaN itself.
	// This is the inverse of RRDTool's XFF, chosen so the Go zero
	// value defaults to "any known data counts" instead of "none does".
	xff    float32
	latest time.Time
	dps    map[int64]float64
}

func newArchive(function consolidation, step time.Duration, size int64, xff float32, latest time.Time, value float64, duration time.Duration, dps map[int64]float64) *archive {
	if dps == nil {
		dps = make(map[int64]float64)
	}
	return &archive{
		pdp:      pdp{value: value, duration: duration},
		function: function,
		step:     step,
		size:     size,
		xff:      xff,
		latest:   latest,
		dps:      dps,
	}
}

func (a *archive) pointCount() int { return len(a.dps) }

// begins returns the timestamp of this archive's oldest retained
// slot, assuming now falls within it. It lands on a step boundary,
// so it is approximately, not exactly, step*size in the past.
func (a *archive) begins(now time.Time) time.Time {
	start := now.Add(-a.step * time.Duration(a.size)).Truncate(a.step)
	if now.Equal(now.Truncate(a.step)) {
		start = start.Add(a.step)
	}
	return start
}

// update folds [periodBegin, periodEnd) of the series' pdp value into
// this archive's own pdp, committing a consolidated slot every time
// the archive's own step boundary is crossed.
func (a *archive) update(periodBegin, periodEnd time.Time, value float64, duration time.Duration) {
	cursor := a.begins(periodEnd)
	if periodBegin.After(cursor) {
		cursor = periodBegin
	}

	for cursor.Before(periodEnd) {
		endOfSlot := cursor.Truncate(a.step).Add(a.step)

		sliceEnd := endOfSlot
		if sliceEnd.After(periodEnd) {
			sliceEnd = periodEnd
		}

		switch a.function {
		case cfWMean:
			if duration == a.step && math.IsNaN(value) {
				// A whole step arriving as NaN (e.g. a heartbeat gap)
				// is recorded as NaN outright rather than averaged in.
				a.setValue(value, 0)
			} else {
				a.addValueMean(value, duration)
			}
		case cfMax:
			a.addValueMax(value, duration)
		case cfMin:
			a.addValueMin(value, duration)
		case cfLast:
			a.addValueLast(value, duration)
		}

		if sliceEnd.Equal(endOfSlot) {
			a.commit(endOfSlot)
		}
		cursor = sliceEnd
	}
}

// commit moves the archive's pdp into its slot and resets it, first
// checking the pdp had enough known data across its step to not be
// considered unknown.
func (a *archive) commit(endOfSlot time.Time) {
	known := float64(a.duration) / float64(a.step)
	if known < float64(a.xff) {
		a.setValue(math.NaN(), 0)
	}

	slot := slotIndex(endOfSlot, a.step, a.size)
	a.latest = endOfSlot
	if math.IsNaN(a.value) {
		delete(a.dps, slot) // no value beats storing a NaN
	} else {
		a.dps[slot] = a.value
	}
	a.reset()
}

// slotIndex maps a slot's end time to its (0-based) position in an
// archive of the given step and size. Size of zero panics.
func slotIndex(slotEnd time.Time, step time.Duration, size int64) int64 {
	return ((slotEnd.UnixNano() / 1e6) / (step.Nanoseconds() / 1e6)) % size
}

// series is one data source's live consolidation state: its own
// native-step pdp, the last time it was updated, and the archives
// that its pdp trickles down into once each of their steps completes.
type series struct {
	pdp
	step       time.Duration
	heartbeat  time.Duration // inactivity beyond this yields NaN; 0 disables it
	lastUpdate time.Time
	archives   []*archive
}

func (s *series) pointCount() int {
	total := 0
	for _, a := range s.archives {
		total += a.pointCount()
	}
	return total
}

// surroundingStep returns the [begin, end) native-step slice that
// either contains mark or ends exactly on it.
func surroundingStep(mark time.Time, step time.Duration) (time.Time, time.Time) {
	begin := mark.Truncate(step)
	if mark.Equal(begin) {
		begin = begin.Add(-step)
	}
	return begin, begin.Add(step)
}

// updateRange folds [begin, end) at value into the series' own pdp
// and, for every native step it completes along the way, trickles the
// result down into every archive.
//
//        [1]                 [2] [3]
//      ‖--|------- ... -------|---‖    the update range
//   |-----|-----|- ... -|-----|-----|  ---> time
//
// 1 - the remaining piece of the first step in the range
// 2 - all the full steps in between
// 3 - the starting piece of the last step
func (s *series) updateRange(begin, end time.Time, value float64) {
	lastStepBegin, lastStepEnd := surroundingStep(end, s.step)

	if begin.Before(lastStepBegin) || end.Equal(lastStepEnd) {
		if begin.Truncate(s.step) != begin {
			periodBegin := begin.Truncate(s.step)
			periodEnd := periodBegin.Add(s.step)
			s.addValueMean(value, periodEnd.Sub(begin))
			s.updateArchives(periodBegin, periodEnd)
			s.reset()
			begin = periodEnd
		}

		if begin.Before(lastStepBegin) || (begin.Equal(lastStepBegin) && end.Equal(lastStepEnd)) {
			s.setValue(value, s.step)
			periodBegin := begin
			periodEnd := lastStepBegin
			if end.Equal(end.Truncate(s.step)) {
				periodEnd = end
			}
			s.updateArchives(periodBegin, periodEnd)
			s.reset()
			begin = periodEnd
		}
	}

	if begin.Before(end) {
		s.addValueMean(value, end.Sub(begin))
	}
}

func (s *series) updateArchives(periodBegin, periodEnd time.Time) {
	for _, a := range s.archives {
		a.update(periodBegin, periodEnd, s.value, s.duration)
	}
}

// processDataPoint folds one (value, ts) sample into the series. The
// very first call for a series only stamps lastUpdate, since there is
// no prior point to measure a duration from.
func (s *series) processDataPoint(value float64, ts time.Time) error {
	if math.IsInf(value, 0) {
		return fmt.Errorf("rrdengine: %v is not a finite data point value", value)
	}
	if ts.Before(s.lastUpdate) {
		return fmt.Errorf("rrdengine: sample at %v is not after last update at %v", ts, s.lastUpdate)
	}

	if s.heartbeat > 0 && ts.Sub(s.lastUpdate) > s.heartbeat {
		value = math.NaN()
	}

	if !s.lastUpdate.IsZero() {
		s.updateRange(s.lastUpdate, ts, value)
	}
	s.lastUpdate = ts
	return nil
}
