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

// Package cleanup tears down the losing slot of a rollout and the transient
// files the rollout created.
//
// Every teardown step is attempted independently: a failing step is logged
// and doesn't prevent later steps from running. Steps that find their target
// already gone succeed, so a teardown can be safely repeated after a partial
// failure.
package cleanup

import (
	"context"
	"errors"
	"fmt"

	"github.com/ServiceWeaver/weaver-shift/internal/descriptor"
	"github.com/ServiceWeaver/weaver-shift/internal/docker"
	"github.com/ServiceWeaver/weaver-shift/internal/errlist"
	"github.com/ServiceWeaver/weaver-shift/internal/proxy"
	"log/slog"
)

// CleanupError is returned when a teardown step fails.
type CleanupError struct {
	Step string // e.g., "stop fake-1"
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup: %s: %v", e.Step, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// Slot identifies a slot of a service.
type Slot struct {
	Project    string // compose project of the service
	Service    string
	ID         string // slot identity
	Descriptor string // path of the base descriptor the slot was derived from
}

// Namespace returns the slot-qualified namespace of the slot.
func (s Slot) Namespace() string {
	return fmt.Sprintf("%s-%s", s.Project, s.ID)
}

// Manager tears down slots.
type Manager struct {
	Runtime docker.Runtime
	Proxy   *proxy.ConfigDir
	Logger  *slog.Logger
}

// steps runs teardown steps and collects their failures.
type steps struct {
	logger *slog.Logger
	errs   errlist.ErrList
}

func (s *steps) run(name string, fn func() error) {
	err := fn()
	if err == nil {
		s.logger.Debug("Cleanup step done", "step", name)
		return
	}
	s.logger.Error("Cleanup step failed", "step", name, "err", err)
	s.errs.Add(&CleanupError{Step: name, Err: err})
}

// Rollback stops and removes every instance of a slot, including started,
// the instance the rollout started for it, and removes the slot's
// descriptor. Instances that have already exited are removed too. It leaves
// every other slot and the proxy configuration alone.
//
// The returned error, if any, lists every failed step. Failures are logged as
// they happen.
func (m *Manager) Rollback(ctx context.Context, s Slot, started *docker.Instance) error {
	st := &steps{logger: m.Logger.With("slot", s.ID)}
	removed := map[string]bool{}
	if started != nil {
		m.removeInstance(ctx, st, *started)
		removed[started.ID] = true
	}
	m.removeSlotInstances(ctx, st, s, removed)
	st.run("remove descriptor", func() error { return descriptor.Remove(s.Descriptor, s.ID) })
	return st.errs.ErrorOrNil()
}

// Purge rolls back a slot like Rollback does and also removes the traffic
// split of its project, if any.
func (m *Manager) Purge(ctx context.Context, s Slot) error {
	st := &steps{logger: m.Logger.With("slot", s.ID)}
	m.removeSlotInstances(ctx, st, s, nil)
	st.run("remove descriptor", func() error { return descriptor.Remove(s.Descriptor, s.ID) })
	st.run("remove traffic split", func() error { return m.Proxy.Remove(s.Project) })
	return st.errs.ErrorOrNil()
}

// Finalize completes a rollout to the slot s. It stops and removes the old
// instance, if not nil, and removes the descriptor of s and the traffic split
// of its project.
func (m *Manager) Finalize(ctx context.Context, old *docker.Instance, s Slot) error {
	st := &steps{logger: m.Logger.With("slot", s.ID)}
	if old != nil {
		m.removeInstance(ctx, st, *old)
	}
	st.run("remove descriptor", func() error { return descriptor.Remove(s.Descriptor, s.ID) })
	st.run("remove traffic split", func() error { return m.Proxy.Remove(s.Project) })
	return st.errs.ErrorOrNil()
}

// removeSlotInstances stops and removes the instances of a slot, running or
// not, except those in skip.
func (m *Manager) removeSlotInstances(ctx context.Context, st *steps, s Slot, skip map[string]bool) {
	var instances []docker.Instance
	st.run("list "+s.Namespace(), func() error {
		var err error
		instances, err = m.Runtime.ListAll(ctx, map[string]string{
			docker.ProjectLabel: s.Namespace(),
			docker.ServiceLabel: s.Service,
		})
		return err
	})
	for _, inst := range instances {
		if !skip[inst.ID] {
			m.removeInstance(ctx, st, inst)
		}
	}
}

// removeInstance stops and removes an instance. An instance that is already
// gone is not an error.
func (m *Manager) removeInstance(ctx context.Context, st *steps, inst docker.Instance) {
	ignoreGone := func(err error) error {
		if errors.Is(err, docker.ErrNotFound) {
			return nil
		}
		return err
	}
	failed := len(st.errs)
	st.run("stop "+inst.ID, func() error { return ignoreGone(m.Runtime.Stop(ctx, inst.ID)) })
	st.run("remove "+inst.ID, func() error { return ignoreGone(m.Runtime.Remove(ctx, inst.ID)) })
	if len(st.errs) == failed {
		m.Logger.Info("Instance removed", "id", inst.ID, "project", inst.Project, "service", inst.Service)
	}
}
