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

package traffic

import (
	"context"
	"time"

	"log/slog"
)

// Applier applies a traffic split, e.g., by writing it where the proxy will
// pick it up.
type Applier interface {
	Apply(ctx context.Context, s Split) error
}

// Controller emits the sequence of splits of a shift.
type Controller struct {
	Applier Applier
	Logger  *slog.Logger

	// Sleep blocks for d or until ctx is done. Defaults to a timer-based
	// sleep; tests replace it to simulate the passage of time.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnApply, if not nil, is called after every split is applied.
	OnApply func(s Split)
}

// Shift moves traffic from the old slot to the new slot. Each step fully
// replaces the previously applied split. Unless noShift is set, every step is
// held for interval, including the final one. The shift is not conditioned
// on the health of either slot; once started, it runs to completion unless a
// split cannot be applied.
//
// Shift returns the splits it applied.
func (c *Controller) Shift(ctx context.Context, oldKey, newKey string, interval time.Duration, noShift bool) ([]Split, error) {
	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	fn := Schedule(interval, noShift)
	c.Logger.Info("Shifting traffic", "old", oldKey, "new", newKey, "steps", len(fn.Fractions), "duration", Length(fn))
	applied := make([]Split, 0, len(fn.Fractions))
	for i, f := range fn.Fractions {
		s := split(oldKey, newKey, f)
		if err := s.Validate(); err != nil {
			return applied, err
		}
		if err := c.Applier.Apply(ctx, s); err != nil {
			return applied, err
		}
		applied = append(applied, s)
		c.Logger.Info("Traffic shifted", "step", i+1, "of", len(fn.Fractions), "old", s.OldWeight, "new", s.NewWeight)
		if c.OnApply != nil {
			c.OnApply(s)
		}
		if f.Duration > 0 {
			if err := sleep(ctx, f.Duration); err != nil {
				return applied, err
			}
		}
	}
	return applied, nil
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
