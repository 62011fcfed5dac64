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

package numfmt

import "testing"

func Test_Rewrite_LeavesUnknownTokenAlone(t *testing.T) {
	if got := Rewrite("U"); got != "U" {
		t.Errorf("Rewrite(U) = %q", got)
	}
}

func Test_Rewrite_LeavesNonNumericAlone(t *testing.T) {
	if got := Rewrite("not-a-number"); got != "not-a-number" {
		t.Errorf("Rewrite(not-a-number) = %q", got)
	}
}

func Test_Rewrite_FourFractionalDigits(t *testing.T) {
	cases := map[string]string{
		"0.42":    "0.4200",
		"123.456": "123.4560",
		"1":       "1.0000",
		"2E+10":   "20000000000.0000",
	}
	for in, want := range cases {
		if got := Rewrite(in); got != want {
			t.Errorf("Rewrite(%q) = %q, want %q", in, got, want)
		}
	}
}

func Test_Rewrite_ExpandsScientificNotation(t *testing.T) {
	got := Rewrite("1.5e-2")
	if got != "0.015000" {
		t.Errorf("Rewrite(1.5e-2) = %q, want 0.015000", got)
	}
}

func Test_Rewrite_SmallMagnitudePreservesSignificantDigits(t *testing.T) {
	got := Rewrite("0.015")
	if got != "0.015000" {
		t.Errorf("Rewrite(0.015) = %q, want 0.015000", got)
	}
}

func Test_Rewrite_Zero(t *testing.T) {
	if got := Rewrite("0"); got != "0.0000" {
		t.Errorf("Rewrite(0) = %q, want 0.0000", got)
	}
}

func Test_Rewrite_Negative(t *testing.T) {
	if got := Rewrite("-0.42"); got != "-0.4200" {
		t.Errorf("Rewrite(-0.42) = %q, want -0.4200", got)
	}
}
