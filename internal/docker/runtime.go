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

// Package docker talks to the container runtime that runs service slots.
//
// The rollout logic only depends on the Runtime interface. CLI implements it
// by shelling out to the docker binary, and FakeRuntime implements it in
// memory for tests.
package docker

import (
	"context"
	"errors"
)

// Labels attached to every instance. The first two are set by docker compose
// itself; the slot label is written into every slot descriptor.
const (
	ProjectLabel = "com.docker.compose.project"
	ServiceLabel = "com.docker.compose.service"
	SlotLabel    = "dev.serviceweaver.shift.slot"
)

// ErrNotFound is returned when an instance no longer exists.
var ErrNotFound = errors.New("instance not found")

// Instance is a non-owning reference to an instance. The runtime may stop or
// remove the instance at any time after it was listed.
type Instance struct {
	ID      string // runtime-assigned id
	Name    string // container name
	Project string // compose project, i.e., the instance's namespace
	Service string // compose service
	Slot    string // slot identity, empty for instances not started by us
	Address string // network address, empty if unknown
}

// Details holds the result of inspecting an instance.
type Details struct {
	Labels  map[string]string
	Address string
}

// Runtime is the set of container runtime operations a rollout needs. All
// calls are synchronous.
type Runtime interface {
	// List returns the running instances whose labels match every filter.
	List(ctx context.Context, filters map[string]string) ([]Instance, error)

	// ListAll is like List, but also returns instances that have stopped
	// or exited and not been removed yet.
	ListAll(ctx context.Context, filters map[string]string) ([]Instance, error)

	// Inspect returns the labels and network address of an instance, or
	// ErrNotFound.
	Inspect(ctx context.Context, id string) (*Details, error)

	// Up builds and starts service from the descriptor at descriptorPath
	// under the given project namespace.
	Up(ctx context.Context, project, descriptorPath, service string) error

	// Stop stops an instance. It returns ErrNotFound if the instance is gone.
	Stop(ctx context.Context, id string) error

	// Remove removes a stopped instance. It returns ErrNotFound if the
	// instance is gone.
	Remove(ctx context.Context, id string) error
}

// instanceFromLabels builds an Instance out of an id and a label set.
func instanceFromLabels(id, name, address string, labels map[string]string) Instance {
	return Instance{
		ID:      id,
		Name:    name,
		Project: labels[ProjectLabel],
		Service: labels[ServiceLabel],
		Slot:    labels[SlotLabel],
		Address: address,
	}
}
