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
	"strings"
	"sync"
)

// FakeRuntime is a simple, in-memory implementation of a Runtime. It is meant
// to be used in tests.
type FakeRuntime struct {
	mu        sync.Mutex
	next      int
	instances []*fakeInstance
	calls     []string

	// UpFunc, if not nil, is called by Up instead of starting an instance.
	// It may call Add to simulate a successful start.
	UpFunc func(project, descriptorPath, service string) error

	// ListErr, StopErr, and RemoveErr, if not nil, are returned by the
	// corresponding methods.
	ListErr, StopErr, RemoveErr error
}

type fakeInstance struct {
	Instance
	labels  map[string]string
	running bool
}

// Check that FakeRuntime implements the Runtime interface.
var _ Runtime = &FakeRuntime{}

// NewFakeRuntime returns a new fake runtime with no instances.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{}
}

// Add adds a running instance of service in project with the given slot and
// returns it. The instance is assigned a unique id and address.
func (f *FakeRuntime) Add(project, service, slot string) Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.add(project, service, slot)
}

func (f *FakeRuntime) add(project, service, slot string) Instance {
	f.next++
	labels := map[string]string{ProjectLabel: project, ServiceLabel: service}
	if slot != "" {
		labels[SlotLabel] = slot
	}
	inst := Instance{
		ID:      fmt.Sprintf("fake-%d", f.next),
		Name:    fmt.Sprintf("%s-%s-%d", project, service, f.next),
		Project: project,
		Service: service,
		Slot:    slot,
		Address: fmt.Sprintf("10.0.0.%d", f.next),
	}
	f.instances = append(f.instances, &fakeInstance{Instance: inst, labels: labels, running: true})
	return inst
}

// SetAddress sets the network address of an instance.
func (f *FakeRuntime) SetAddress(id, address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst := f.find(id); inst != nil {
		inst.Address = address
	}
}

// Running returns the running instances, in the order they were added.
func (f *FakeRuntime) Running() []Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Instance
	for _, inst := range f.instances {
		if inst.running {
			out = append(out, inst.Instance)
		}
	}
	return out
}

// Calls returns a log of the mutating calls made on the runtime, e.g.,
// "up shop-blue web" or "stop fake-1".
func (f *FakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// List implements the Runtime interface.
func (f *FakeRuntime) List(_ context.Context, filters map[string]string) ([]Instance, error) {
	return f.list(filters, false)
}

// ListAll implements the Runtime interface.
func (f *FakeRuntime) ListAll(_ context.Context, filters map[string]string) ([]Instance, error) {
	return f.list(filters, true)
}

func (f *FakeRuntime) list(filters map[string]string, all bool) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []Instance
	for _, inst := range f.instances {
		if (all || inst.running) && matches(inst.labels, filters) {
			out = append(out, inst.Instance)
		}
	}
	return out, nil
}

func matches(labels, filters map[string]string) bool {
	for k, v := range filters {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// Inspect implements the Runtime interface.
func (f *FakeRuntime) Inspect(_ context.Context, id string) (*Details, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := f.find(id)
	if inst == nil {
		return nil, fmt.Errorf("inspect %s: %w", id, ErrNotFound)
	}
	labels := map[string]string{}
	for k, v := range inst.labels {
		labels[k] = v
	}
	return &Details{Labels: labels, Address: inst.Address}, nil
}

// Up implements the Runtime interface. Unless UpFunc is set, it starts an
// instance whose slot is the suffix of project after the last "-".
func (f *FakeRuntime) Up(_ context.Context, project, descriptorPath, service string) error {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("up %s %s", project, service))
	upFunc := f.UpFunc
	if upFunc == nil {
		slot := project[strings.LastIndex(project, "-")+1:]
		f.add(project, service, slot)
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	return upFunc(project, descriptorPath, service)
}

// Stop implements the Runtime interface.
func (f *FakeRuntime) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop "+id)
	if f.StopErr != nil {
		return f.StopErr
	}
	inst := f.find(id)
	if inst == nil {
		return fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	inst.running = false
	return nil
}

// Remove implements the Runtime interface.
func (f *FakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "remove "+id)
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	for i, inst := range f.instances {
		if inst.ID == id {
			f.instances = append(f.instances[:i], f.instances[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("remove %s: %w", id, ErrNotFound)
}

func (f *FakeRuntime) find(id string) *fakeInstance {
	for _, inst := range f.instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}
