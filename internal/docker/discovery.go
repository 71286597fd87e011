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

package docker

import (
	"context"
	"fmt"
)

// FindLive returns the running instance of service in the given project
// namespace, or nil if there is none.
//
// An instance matches if both its compose project and service labels match.
// If none does, FindLive looks at every running instance of the service and
// returns, in order of preference, a slot of the namespace (an instance whose
// project is "<namespace>-<slot>") or an instance that belongs to no slot,
// which finds instances started before namespaced lookups were used. Slots of
// other namespaces never match. At most one instance is expected to match; if
// there are more, the first one listed is returned.
func FindLive(ctx context.Context, rt Runtime, service, namespace string) (*Instance, error) {
	inst, err := FindSlot(ctx, rt, service, namespace)
	if err != nil || inst != nil {
		return inst, err
	}
	instances, err := rt.List(ctx, map[string]string{ServiceLabel: service})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", service, err)
	}
	var unslotted *Instance
	for i, inst := range instances {
		if inst.Slot == "" {
			if unslotted == nil {
				unslotted = &instances[i]
			}
			continue
		}
		if inst.Project == namespace+"-"+inst.Slot {
			return &instances[i], nil
		}
	}
	return unslotted, nil
}

// FindSlot returns the running instance of service started in exactly the
// given namespace, or nil. Unlike FindLive, it never falls back to other
// namespaces, so an instance of another slot is never mistaken for this one.
func FindSlot(ctx context.Context, rt Runtime, service, namespace string) (*Instance, error) {
	instances, err := rt.List(ctx, map[string]string{
		ProjectLabel: namespace,
		ServiceLabel: service,
	})
	if err != nil {
		return nil, fmt.Errorf("find %s in %s: %w", service, namespace, err)
	}
	if len(instances) == 0 {
		return nil, nil
	}
	inst := instances[0]
	return &inst, nil
}
