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

// Package rollout drives the rollout of a new version of a service.
//
// A rollout starts the new version in a fresh slot next to the live one,
// waits for the new slot to pass its health gate, gradually shifts the
// domain's traffic to it, and finally tears down the old slot:
//
//	INIT -> RESOLVING_SLOT -> STARTING_NEW -> AWAITING_HEALTH -> SHIFTING -> FINALIZED
//	                                |                 |
//	                                |                 +-> ROLLING_BACK -> ROLLED_BACK
//	                                +-> INITIAL_DEPLOY_DONE
//
// If no live version of the service exists, the new slot is trusted
// unconditionally: it is neither health gated nor shifted to. A rollout that
// hits an unrecoverable error ends in the ABORTED state.
package rollout

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ServiceWeaver/weaver-shift/internal/cleanup"
	"github.com/ServiceWeaver/weaver-shift/internal/config"
	"github.com/ServiceWeaver/weaver-shift/internal/descriptor"
	"github.com/ServiceWeaver/weaver-shift/internal/docker"
	"github.com/ServiceWeaver/weaver-shift/internal/health"
	"github.com/ServiceWeaver/weaver-shift/internal/proxy"
	"github.com/ServiceWeaver/weaver-shift/internal/slot"
	"github.com/ServiceWeaver/weaver-shift/internal/traffic"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slices"
	"log/slog"
)

// Orchestrator runs a single rollout.
type Orchestrator struct {
	Config  *config.Deploy
	Runtime docker.Runtime
	Proxy   *proxy.ConfigDir
	Logger  *slog.Logger

	// Sleep blocks for d or until ctx is done. It paces both the health
	// gate and the traffic shift. Defaults to a timer-based sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// HealthClient issues health requests. If nil, the health gate uses
	// its default client.
	HealthClient *http.Client

	// Metrics, if not nil, records the progress of the rollout.
	Metrics *Metrics

	// Tracer, if not nil, records a span per phase of the rollout.
	Tracer trace.Tracer
}

// Outcome describes a finished rollout.
type Outcome struct {
	State          State
	Slot           string           // identity of the new slot
	Previous       *docker.Instance // instance being replaced, nil if none
	HealthAttempts int              // health polls made, 0 if not gated
	Splits         []traffic.Split  // traffic splits applied
}

// Run runs the rollout. It returns a nil error iff the rollout ends in the
// FINALIZED or INITIAL_DEPLOY_DONE state. The returned Outcome is never nil.
func (o *Orchestrator) Run(ctx context.Context) (*Outcome, error) {
	tracer := o.Tracer
	if tracer == nil {
		tracer = noopTracer()
	}
	now := o.Now
	if now == nil {
		now = time.Now
	}
	cfg := o.Config
	ctx, root := tracer.Start(ctx, "rollout", trace.WithAttributes(
		attribute.String("project", cfg.Project),
		attribute.String("service", cfg.Service),
		attribute.String("domain", cfg.Domain),
	))
	r := &run{
		Orchestrator: o,
		tracer:       tracer,
		now:          now,
		ctx:          ctx,
		root:         root,
		entered:      now(),
		logger:       o.Logger.With("service", cfg.Service),
		outcome:      &Outcome{State: Init},
	}
	err := r.run(ctx)
	r.finish(err)
	return r.outcome, err
}

// run holds the state of a single rollout.
type run struct {
	*Orchestrator
	tracer  trace.Tracer
	now     func() time.Time
	ctx     context.Context // carries the root span
	root    trace.Span
	span    trace.Span // span of the current phase
	state   State
	entered time.Time // when the current state was entered
	logger  *slog.Logger
	outcome *Outcome
}

// enter moves the rollout to state to.
func (r *run) enter(to State) {
	if !legal(r.state, to) {
		panic(fmt.Sprintf("rollout: illegal transition %v -> %v", r.state, to))
	}
	now := r.now()
	r.Metrics.phaseDone(r.state, now.Sub(r.entered))
	if r.span != nil {
		r.span.End()
		r.span = nil
	}
	r.state, r.entered, r.outcome.State = to, now, to
	r.logger.Info("Rollout state", "state", to)
	if !to.Terminal() {
		_, r.span = r.tracer.Start(r.ctx, to.String())
	}
}

// abort records err on the current phase and moves the rollout to Aborted.
func (r *run) abort(err error) error {
	if r.span != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.enter(Aborted)
	return err
}

// finish records the outcome of the rollout.
func (r *run) finish(err error) {
	r.Metrics.done(r.state)
	if err != nil {
		r.root.RecordError(err)
		r.root.SetStatus(codes.Error, err.Error())
	}
	r.root.SetAttributes(attribute.String("state", r.state.String()), attribute.String("slot", r.outcome.Slot))
	r.root.End()
	if r.state.Succeeded() {
		r.logger.Info("Rollout succeeded", "state", r.state)
	} else {
		r.logger.Error("Rollout failed", "state", r.state, "err", err)
	}
}

func (r *run) run(ctx context.Context) error {
	cfg := r.Config

	r.enter(ResolvingSlot)
	resolver := &slot.Resolver{Runtime: r.Runtime, Now: r.now}
	res, err := resolver.Resolve(ctx, cfg.Scheme, cfg.Project, cfg.Service)
	if err != nil {
		return r.abort(fmt.Errorf("resolve slot: %w", err))
	}
	r.outcome.Slot = res.ID
	r.logger = r.logger.With("slot", res.ID)
	old, err := r.findPrevious(ctx, res)
	if err != nil {
		return r.abort(fmt.Errorf("find live instance: %w", err))
	}
	r.outcome.Previous = old
	if old != nil {
		r.logger.Info("Found live instance", "id", old.ID, "project", old.Project)
	}

	r.enter(StartingNew)
	target := cleanup.Slot{Project: cfg.Project, Service: cfg.Service, ID: res.ID, Descriptor: cfg.Descriptor}
	desc, err := descriptor.Write(cfg.Descriptor, descriptor.Options{
		Project:       cfg.Project,
		Service:       cfg.Service,
		Slot:          res.ID,
		Domain:        cfg.Domain,
		Port:          cfg.Port,
		HealthPath:    cfg.HealthPath,
		HealthTimeout: cfg.HealthTimeoutDuration(),
	})
	if err != nil {
		return r.abort(err)
	}
	inst, err := r.start(ctx, target.Namespace(), desc.Path)
	if err != nil {
		r.removeDescriptor(target)
		return r.abort(err)
	}
	r.logger.Info("Started new instance", "id", inst.ID, "key", desc.Key)
	if old == nil {
		r.removeDescriptor(target)
		r.enter(InitialDeployDone)
		return nil
	}

	mgr := &cleanup.Manager{Runtime: r.Runtime, Proxy: r.Proxy, Logger: r.logger}
	r.enter(AwaitingHealth)
	gate := &health.Gate{
		Runtime: r.Runtime,
		Logger:  r.logger,
		Client:  r.HealthClient,
		Expect:  cfg.Expect,
		Sleep:   r.Sleep,
	}
	result, err := gate.Await(ctx, *inst, cfg.HealthPath, cfg.Port, cfg.HealthTimeout)
	r.outcome.HealthAttempts = result.Attempts
	r.Metrics.healthChecked(result.Attempts)
	if err != nil || !result.Healthy {
		r.enter(RollingBack)
		if err := mgr.Rollback(context.WithoutCancel(ctx), target, inst); err != nil {
			r.logger.Error("Rollback incomplete", "err", err)
		}
		r.enter(RolledBack)
		return &HealthTimeout{Key: desc.Key, Attempts: result.Attempts, Err: err}
	}

	r.enter(Shifting)
	oldKey, err := r.serviceKey(ctx, old)
	if err != nil {
		r.removeDescriptor(target)
		return r.abort(fmt.Errorf("routing key of %s: %w", old.Name, err))
	}
	ctrl := &traffic.Controller{
		Applier: &proxy.SplitWriter{
			Dir:     r.Proxy,
			Project: cfg.Project,
			Router:  fmt.Sprintf("%s-%s", cfg.Project, cfg.Service),
			Domain:  cfg.Domain,
			Edge:    desc.Edge,
		},
		Logger: r.logger,
		Sleep:  r.Sleep,
		OnApply: func(s traffic.Split) {
			r.Metrics.weights(s.OldWeight, s.NewWeight)
		},
	}
	splits, err := ctrl.Shift(ctx, oldKey, desc.Key, cfg.Interval, cfg.NoShift)
	r.outcome.Splits = splits
	if err != nil {
		if len(splits) > 0 {
			r.logger.Error("Traffic shift interrupted, last split left in place",
				"split", splits[len(splits)-1], "file", r.Proxy.Path(cfg.Project))
		}
		r.removeDescriptor(target)
		return r.abort(fmt.Errorf("shift traffic: %w", err))
	}
	if err := mgr.Finalize(context.WithoutCancel(ctx), old, target); err != nil {
		r.logger.Error("Finalize incomplete", "err", err)
	}
	r.enter(Finalized)
	return nil
}

// findPrevious returns the live instance a new slot replaces, or nil if
// there is none.
func (r *run) findPrevious(ctx context.Context, res slot.Resolution) (*docker.Instance, error) {
	cfg := r.Config
	if cfg.Scheme == slot.Alternating && res.Previous != "" {
		return docker.FindSlot(ctx, r.Runtime, cfg.Service, slot.Namespace(cfg.Project, res.Previous))
	}
	// Neither blue nor green is live, or slots are sequential. The service
	// may run from a sequential slot or from the base descriptor.
	return docker.FindLive(ctx, r.Runtime, cfg.Service, cfg.Project)
}

// start starts the new slot and returns its instance.
func (r *run) start(ctx context.Context, namespace, descriptorPath string) (*docker.Instance, error) {
	service := r.Config.Service
	if err := r.Runtime.Up(ctx, namespace, descriptorPath, service); err != nil {
		return nil, &StartFailure{Namespace: namespace, Service: service, Err: err}
	}
	inst, err := docker.FindSlot(ctx, r.Runtime, service, namespace)
	if err != nil {
		return nil, &StartFailure{Namespace: namespace, Service: service, Err: err}
	}
	if inst == nil {
		return nil, &StartFailure{Namespace: namespace, Service: service}
	}
	return inst, nil
}

// serviceKey returns the name under which the proxy knows the service of a
// live instance. Slots are known by their composite key. Instances started
// from the base descriptor are known by the first service their labels
// declare or, lacking one, by the name the proxy derives for compose
// services.
func (r *run) serviceKey(ctx context.Context, inst *docker.Instance) (string, error) {
	if inst.Slot != "" {
		project := strings.TrimSuffix(inst.Project, "-"+inst.Slot)
		return slot.Key(project, inst.Service, inst.Slot), nil
	}
	details, err := r.Runtime.Inspect(ctx, inst.ID)
	if err != nil {
		return "", err
	}
	const prefix = "traefik.http.services."
	var names []string
	for label := range details.Labels {
		if rest, ok := strings.CutPrefix(label, prefix); ok {
			if name, _, ok := strings.Cut(rest, "."); ok && name != "" {
				names = append(names, name)
			}
		}
	}
	if len(names) > 0 {
		slices.Sort(names)
		return names[0], nil
	}
	return fmt.Sprintf("%s-%s", inst.Service, inst.Project), nil
}

// removeDescriptor removes the descriptor of a slot, logging any failure.
func (r *run) removeDescriptor(s cleanup.Slot) {
	if err := descriptor.Remove(s.Descriptor, s.ID); err != nil {
		r.logger.Error("Remove descriptor", "err", &cleanup.CleanupError{Step: "remove descriptor", Err: err})
	}
}
