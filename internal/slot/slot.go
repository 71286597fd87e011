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

// Package slot picks the identity of the slot a new service version is
// deployed into.
package slot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ServiceWeaver/weaver-shift/internal/docker"
)

// NamingScheme selects how slot identities are generated.
type NamingScheme int

const (
	// Sequential slots are named after the Unix time, in seconds, at which
	// they were resolved. Two rollouts of the same service started within the
	// same second get the same identity.
	Sequential NamingScheme = iota

	// Alternating slots flip between Blue and Green.
	Alternating
)

// The two alternating slot identities.
const (
	Blue  = "blue"
	Green = "green"
)

// String returns the flag spelling of the scheme.
func (s NamingScheme) String() string {
	switch s {
	case Sequential:
		return "sequential"
	case Alternating:
		return "alternating"
	default:
		return fmt.Sprintf("NamingScheme(%d)", int(s))
	}
}

// ParseNamingScheme parses the flag spelling of a scheme.
func ParseNamingScheme(s string) (NamingScheme, error) {
	switch s {
	case "sequential":
		return Sequential, nil
	case "alternating", "blue-green":
		return Alternating, nil
	default:
		return 0, fmt.Errorf("unknown naming scheme %q; want sequential or alternating", s)
	}
}

// Namespace returns the slot-qualified namespace of a slot within a project,
// e.g., "shop-blue".
func Namespace(project, id string) string {
	return fmt.Sprintf("%s-%s", project, id)
}

// Key returns the composite service key of a slot, which names the slot's
// routing identifiers at the proxy, e.g., "shop-web-blue".
func Key(project, service, id string) string {
	return fmt.Sprintf("%s-%s-%s", project, service, id)
}

// Resolution is the result of resolving a slot.
type Resolution struct {
	ID string // identity of the new slot

	// Previous is the identity of the live slot the new one replaces. It is
	// only known for the Alternating scheme, and is empty otherwise or if
	// there is no live slot.
	Previous string

	// First is true if the Alternating scheme found neither slot live. It
	// is always false for the Sequential scheme. In both cases the service
	// may still run outside of the blue and green slots; callers discover
	// such instances themselves.
	First bool
}

// Resolver resolves slot identities.
type Resolver struct {
	Runtime docker.Runtime
	Now     func() time.Time // defaults to time.Now
}

// Resolve returns an identity for a new slot of service within project that
// is not currently in use under the given scheme.
func (r *Resolver) Resolve(ctx context.Context, scheme NamingScheme, project, service string) (Resolution, error) {
	switch scheme {
	case Sequential:
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		return Resolution{ID: strconv.FormatInt(now().Unix(), 10)}, nil

	case Alternating:
		blue, err := docker.FindSlot(ctx, r.Runtime, service, Namespace(project, Blue))
		if err != nil {
			return Resolution{}, err
		}
		if blue != nil {
			return Resolution{ID: Green, Previous: Blue}, nil
		}
		green, err := docker.FindSlot(ctx, r.Runtime, service, Namespace(project, Green))
		if err != nil {
			return Resolution{}, err
		}
		if green != nil {
			return Resolution{ID: Blue, Previous: Green}, nil
		}
		return Resolution{ID: Blue, First: true}, nil

	default:
		return Resolution{}, fmt.Errorf("unknown naming scheme %v", scheme)
	}
}
