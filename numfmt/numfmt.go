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

// Package numfmt normalises the sample values a wire fetch response
// may carry into fixed-point decimal, because neither the round-robin
// engine's on-disk format nor the Carbon relay accept scientific
// notation, and every consumer benefits from a stable, comparable
// number of fractional digits.
package numfmt

import (
	"math"
	"strconv"
)

// Rewrite renders s as a fixed-point decimal. Non-numeric input,
// including the unknown-value token "U", is returned unchanged.
//
// A value of magnitude 1 or greater is shown with exactly 4
// fractional digits. A value smaller than 1 carries at least 4
// significant digits instead: its leading zeros push the first
// significant digit past the tenths place, so a fixed count of 4
// fractional digits would otherwise erode precision the further the
// value sits below 1 — e.g. 1.5e-2 becomes "0.015000", not "0.0150".
func Rewrite(s string) string {
	if s == "U" {
		return s
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(v, 'f', fractionalDigits(v), 64)
}

func fractionalDigits(v float64) int {
	if v == 0 {
		return 4
	}
	magnitude := int(math.Floor(math.Log10(math.Abs(v))))
	if magnitude >= 0 {
		return 4
	}
	// magnitude is negative here: each step further below the tenths
	// place costs two more fractional digits to keep at least 4
	// significant digits on hand.
	return 2 - 2*magnitude
}
