// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package traffic shifts traffic from an old slot to a new one.
package traffic

import (
	"fmt"
	"time"
)

// Stride is the number of percentage points moved to the new slot at every
// step of a shift.
const Stride = 20

// FractionSpec is one step of a target function: the new slot receives
// NewWeight percent of the traffic for Duration.
type FractionSpec struct {
	Duration  time.Duration
	NewWeight int
}

// TargetFn is a sequence of traffic weights applied to the new slot, one
// after another.
type TargetFn struct {
	Fractions []FractionSpec
}

// targetFunction returns the target function that shifts traffic to the new
// slot in steps of Stride points, from 0% to 100%, holding every step for
// interval.
func targetFunction(interval time.Duration) *TargetFn {
	var fractions []FractionSpec
	for w := 0; w <= 100; w += Stride {
		fractions = append(fractions, FractionSpec{Duration: interval, NewWeight: w})
	}
	return &TargetFn{Fractions: fractions}
}

// cutover returns the target function that moves all traffic to the new slot
// at once.
func cutover() *TargetFn {
	return &TargetFn{Fractions: []FractionSpec{{NewWeight: 100}}}
}

// Schedule returns the target function of a shift.
func Schedule(interval time.Duration, noShift bool) *TargetFn {
	if noShift {
		return cutover()
	}
	return targetFunction(interval)
}

// Length returns the total length of the TargetFn.
func Length(t *TargetFn) time.Duration {
	var d time.Duration
	for _, f := range t.Fractions {
		d += f.Duration
	}
	return d
}

// Split assigns traffic between two slots, identified by their composite
// service keys.
type Split struct {
	Old, New             string
	OldWeight, NewWeight int
}

// split returns the split of a fraction between two slots.
func split(oldKey, newKey string, f FractionSpec) Split {
	return Split{Old: oldKey, New: newKey, OldWeight: 100 - f.NewWeight, NewWeight: f.NewWeight}
}

// Validate checks that the split's weights are non-negative and sum to 100.
func (s Split) Validate() error {
	if s.OldWeight < 0 || s.NewWeight < 0 {
		return fmt.Errorf("split %v: negative weight", s)
	}
	if s.OldWeight+s.NewWeight != 100 {
		return fmt.Errorf("split %v: weights sum to %d, want 100", s, s.OldWeight+s.NewWeight)
	}
	return nil
}

// String returns a human-readable split, e.g., "shop-web-1=80 shop-web-2=20".
func (s Split) String() string {
	return fmt.Sprintf("%s=%d %s=%d", s.Old, s.OldWeight, s.New, s.NewWeight)
}
