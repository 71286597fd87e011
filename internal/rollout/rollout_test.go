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

package rollout

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ServiceWeaver/weaver-shift/internal/config"
	"github.com/ServiceWeaver/weaver-shift/internal/descriptor"
	"github.com/ServiceWeaver/weaver-shift/internal/docker"
	"github.com/ServiceWeaver/weaver-shift/internal/proxy"
	"github.com/ServiceWeaver/weaver-shift/internal/slot"
	"github.com/ServiceWeaver/weaver-shift/internal/traffic"
	"github.com/ServiceWeaver/weaver/runtime/logging"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const compose = `
services:
  web:
    build: .
    ports: ["8080:80"]
    labels:
      traefik.http.routers.web.entrypoints: websecure
      traefik.http.routers.web.tls.certresolver: letsencrypt
`

var epoch = time.Unix(1700000000, 0)

// env is a rollout environment backed by a fake runtime, an HTTP server
// that plays the health endpoint of every new instance, and a virtual clock.
type env struct {
	t       *testing.T
	rt      *docker.FakeRuntime
	proxy   *proxy.ConfigDir
	cfg     *config.Deploy
	status  atomic.Int32 // status returned by the health endpoint
	polls   atomic.Int32
	elapsed time.Duration
	sleeps  []time.Duration

	// splitSeen records whether the split file existed at any sleep.
	splitSeen bool

	// onSleep, if not nil, is called at every sleep.
	onSleep func()

	// foreign is a slot of another project that runs a service with the
	// same name. No rollout may touch it.
	foreign docker.Instance
}

func newEnv(t *testing.T, scheme slot.NamingScheme) *env {
	t.Helper()
	e := &env{t: t, rt: docker.NewFakeRuntime()}
	e.status.Store(http.StatusOK)
	e.foreign = e.rt.Add("blog-1690000000", "web", "1690000000")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.polls.Add(1)
		w.WriteHeader(int(e.status.Load()))
	}))
	t.Cleanup(srv.Close)
	host, p, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		t.Fatal(err)
	}

	// New instances are reachable through the health server.
	e.rt.UpFunc = func(project, _, service string) error {
		inst := e.rt.Add(project, service, project[strings.LastIndex(project, "-")+1:])
		e.rt.SetAddress(inst.ID, host)
		return nil
	}

	work := t.TempDir()
	base := filepath.Join(work, "docker-compose.yml")
	if err := os.WriteFile(base, []byte(compose), 0o644); err != nil {
		t.Fatal(err)
	}
	e.proxy = &proxy.ConfigDir{Dir: t.TempDir()}
	e.cfg = &config.Deploy{
		Domain:        "shop.example.com",
		Service:       "web",
		Port:          port,
		Descriptor:    base,
		Project:       "shop",
		HealthPath:    "/health",
		HealthTimeout: 60,
		Interval:      10 * time.Second,
		Scheme:        scheme,
		ProxyDir:      e.proxy.Dir,
	}
	return e
}

func (e *env) sleep(_ context.Context, d time.Duration) error {
	e.elapsed += d
	e.sleeps = append(e.sleeps, d)
	if ok, _ := e.proxy.Exists(e.cfg.Project); ok {
		e.splitSeen = true
	}
	if e.onSleep != nil {
		e.onSleep()
	}
	return nil
}

func (e *env) orchestrator() *Orchestrator {
	return &Orchestrator{
		Config:  e.cfg,
		Runtime: e.rt,
		Proxy:   e.proxy,
		Logger:  logging.NewTestSlogger(e.t, testing.Verbose()),
		Sleep:   e.sleep,
		Now:     func() time.Time { return epoch.Add(e.elapsed) },
	}
}

// checkClean checks that no transient files are left behind.
func (e *env) checkClean(id string) {
	e.t.Helper()
	if ok, _ := e.proxy.Exists(e.cfg.Project); ok {
		e.t.Error("traffic split file left behind")
	}
	if _, err := os.Stat(descriptor.PathFor(e.cfg.Descriptor, id)); !errors.Is(err, os.ErrNotExist) {
		e.t.Errorf("descriptor of slot %q left behind", id)
	}
}

// checkForeign checks that the other project's instance was left alone.
func (e *env) checkForeign() {
	e.t.Helper()
	for _, call := range e.rt.Calls() {
		if strings.HasSuffix(call, " "+e.foreign.ID) {
			e.t.Errorf("rollout of %s touched instance %s of %s: %q", e.cfg.Project, e.foreign.ID, e.foreign.Project, call)
		}
	}
	if _, err := e.rt.Inspect(context.Background(), e.foreign.ID); err != nil {
		e.t.Errorf("instance %s of %s: %v", e.foreign.ID, e.foreign.Project, err)
	}
}

// projects returns the projects of the running instances.
func (e *env) projects() []string {
	var out []string
	for _, inst := range e.rt.Running() {
		out = append(out, inst.Project)
	}
	return out
}

func ids(instances []docker.Instance) []string {
	var out []string
	for _, inst := range instances {
		out = append(out, inst.ID)
	}
	return out
}

func TestInitialDeploy(t *testing.T) {
	for _, test := range []struct {
		scheme slot.NamingScheme
		slot   string
	}{
		{slot.Sequential, "1700000000"},
		{slot.Alternating, slot.Blue},
	} {
		t.Run(test.scheme.String(), func(t *testing.T) {
			e := newEnv(t, test.scheme)
			outcome, err := e.orchestrator().Run(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if got, want := outcome.State, InitialDeployDone; got != want {
				t.Errorf("state: got %v, want %v", got, want)
			}
			if got, want := outcome.Slot, test.slot; got != want {
				t.Errorf("slot: got %q, want %q", got, want)
			}
			if outcome.Previous != nil {
				t.Errorf("previous: got %+v, want none", outcome.Previous)
			}
			if diff := cmp.Diff([]string{"up shop-" + test.slot + " web"}, e.rt.Calls()); diff != "" {
				t.Errorf("calls (-want +got):\n%s", diff)
			}
			if e.polls.Load() != 0 || outcome.HealthAttempts != 0 {
				t.Errorf("initial deploy was health gated")
			}
			if len(outcome.Splits) != 0 || e.splitSeen {
				t.Errorf("initial deploy shifted traffic: %v", outcome.Splits)
			}
			if diff := cmp.Diff([]string{"blog-1690000000", "shop-" + test.slot}, e.projects()); diff != "" {
				t.Errorf("running projects (-want +got):\n%s", diff)
			}
			e.checkClean(outcome.Slot)
			e.checkForeign()
		})
	}
}

func TestSuccessfulRollout(t *testing.T) {
	e := newEnv(t, slot.Alternating)
	e.rt.Add("shop-blue", "web", "blue")
	outcome, err := e.orchestrator().Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := outcome.State, Finalized; got != want {
		t.Errorf("state: got %v, want %v", got, want)
	}
	if got, want := outcome.Slot, slot.Green; got != want {
		t.Errorf("slot: got %q, want %q", got, want)
	}
	if got, want := outcome.HealthAttempts, 1; got != want {
		t.Errorf("health attempts: got %d, want %d", got, want)
	}

	var want []traffic.Split
	for w := 0; w <= 100; w += 20 {
		want = append(want, traffic.Split{Old: "shop-web-blue", New: "shop-web-green", OldWeight: 100 - w, NewWeight: w})
	}
	if diff := cmp.Diff(want, outcome.Splits); diff != "" {
		t.Errorf("splits (-want +got):\n%s", diff)
	}
	if got, want := e.elapsed, time.Minute; got != want {
		t.Errorf("elapsed: got %v, want %v", got, want)
	}
	if !e.splitSeen {
		t.Error("traffic split file never written")
	}

	// Only the new slot survives.
	if diff := cmp.Diff([]string{"blog-1690000000", "shop-green"}, e.projects()); diff != "" {
		t.Errorf("running projects (-want +got):\n%s", diff)
	}
	e.checkClean(slot.Green)
	e.checkForeign()
}

func TestSequentialRollout(t *testing.T) {
	e := newEnv(t, slot.Sequential)
	old := e.rt.Add("shop-1690000000", "web", "1690000000")
	outcome, err := e.orchestrator().Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := outcome.State, Finalized; got != want {
		t.Errorf("state: got %v, want %v", got, want)
	}
	if outcome.Previous == nil || outcome.Previous.ID != old.ID {
		t.Fatalf("previous: got %+v, want %+v", outcome.Previous, old)
	}
	want := traffic.Split{Old: "shop-web-1690000000", New: "shop-web-1700000000", OldWeight: 100, NewWeight: 0}
	if diff := cmp.Diff(want, outcome.Splits[0]); diff != "" {
		t.Errorf("first split (-want +got):\n%s", diff)
	}
	wantCalls := []string{"up shop-1700000000 web", "stop " + old.ID, "remove " + old.ID}
	if diff := cmp.Diff(wantCalls, e.rt.Calls()); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"blog-1690000000", "shop-1700000000"}, e.projects()); diff != "" {
		t.Errorf("running projects (-want +got):\n%s", diff)
	}
	e.checkClean(outcome.Slot)
	e.checkForeign()
}

func TestAlternatingFromBaseInstance(t *testing.T) {
	e := newEnv(t, slot.Alternating)
	old := e.rt.Add("shop", "web", "")
	outcome, err := e.orchestrator().Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := outcome.State, Finalized; got != want {
		t.Errorf("state: got %v, want %v", got, want)
	}
	if outcome.Previous == nil || outcome.Previous.ID != old.ID {
		t.Fatalf("previous: got %+v, want %+v", outcome.Previous, old)
	}
	if got, want := outcome.HealthAttempts, 1; got != want {
		t.Errorf("health attempts: got %d, want %d", got, want)
	}
	want := traffic.Split{Old: "web-shop", New: "shop-web-blue", OldWeight: 100, NewWeight: 0}
	if diff := cmp.Diff(want, outcome.Splits[0]); diff != "" {
		t.Errorf("first split (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"blog-1690000000", "shop-blue"}, e.projects()); diff != "" {
		t.Errorf("running projects (-want +got):\n%s", diff)
	}
	e.checkClean(slot.Blue)
	e.checkForeign()
}

func TestSuccessfulRolloutNoShift(t *testing.T) {
	e := newEnv(t, slot.Alternating)
	e.cfg.NoShift = true
	e.rt.Add("shop-green", "web", "green")
	outcome, err := e.orchestrator().Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []traffic.Split{{Old: "shop-web-green", New: "shop-web-blue", OldWeight: 0, NewWeight: 100}}
	if diff := cmp.Diff(want, outcome.Splits); diff != "" {
		t.Errorf("splits (-want +got):\n%s", diff)
	}
	if len(e.sleeps) != 0 {
		t.Errorf("sleeps: got %v, want none", e.sleeps)
	}
	e.checkClean(slot.Blue)
}

func TestRolloutFromUnslottedInstance(t *testing.T) {
	e := newEnv(t, slot.Sequential)
	old := e.rt.Add("shop", "web", "")
	outcome, err := e.orchestrator().Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Previous == nil || outcome.Previous.ID != old.ID {
		t.Fatalf("previous: got %v, want %v", outcome.Previous, old)
	}
	if got, want := outcome.Splits[0].Old, "web-shop"; got != want {
		t.Errorf("old key: got %q, want %q", got, want)
	}
	if got, want := outcome.Splits[0].New, "shop-web-1700000000"; got != want {
		t.Errorf("new key: got %q, want %q", got, want)
	}
	if diff := cmp.Diff([]string{"blog-1690000000", "shop-1700000000"}, e.projects()); diff != "" {
		t.Errorf("running projects (-want +got):\n%s", diff)
	}
	e.checkForeign()
}

func TestFailedRollout(t *testing.T) {
	e := newEnv(t, slot.Alternating)
	e.status.Store(http.StatusServiceUnavailable)
	e.cfg.HealthTimeout = 5
	old := e.rt.Add("shop-blue", "web", "blue")

	outcome, err := e.orchestrator().Run(context.Background())
	var herr *HealthTimeout
	if !errors.As(err, &herr) {
		t.Fatalf("Run: got %v, want HealthTimeout", err)
	}
	if got, want := herr.Attempts, 5; got != want {
		t.Errorf("attempts: got %d, want %d", got, want)
	}
	if got, want := outcome.State, RolledBack; got != want {
		t.Errorf("state: got %v, want %v", got, want)
	}
	if got := e.polls.Load(); got != 5 {
		t.Errorf("polls: got %d, want 5", got)
	}
	if e.splitSeen || len(outcome.Splits) != 0 {
		t.Error("traffic split written for an unhealthy slot")
	}
	if diff := cmp.Diff([]string{e.foreign.ID, old.ID}, ids(e.rt.Running())); diff != "" {
		t.Errorf("running (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"up shop-green web", "stop fake-3", "remove fake-3"}, e.rt.Calls()); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	e.checkClean(slot.Green)
	e.checkForeign()
}

func TestRollbackExitedInstance(t *testing.T) {
	e := newEnv(t, slot.Alternating)
	e.status.Store(http.StatusServiceUnavailable)
	e.cfg.HealthTimeout = 5
	old := e.rt.Add("shop-blue", "web", "blue")

	// The new instance exits while the gate waits for it.
	var exited []string
	e.onSleep = func() {
		for _, inst := range e.rt.Running() {
			if inst.Project == "shop-green" {
				if err := e.rt.Stop(context.Background(), inst.ID); err != nil {
					t.Error(err)
				}
				exited = append(exited, inst.ID)
			}
		}
	}

	outcome, err := e.orchestrator().Run(context.Background())
	var herr *HealthTimeout
	if !errors.As(err, &herr) {
		t.Fatalf("Run: got %v, want HealthTimeout", err)
	}
	if got, want := outcome.State, RolledBack; got != want {
		t.Errorf("state: got %v, want %v", got, want)
	}
	if len(exited) != 1 {
		t.Fatalf("exited: got %v, want one instance", exited)
	}
	id := exited[0]
	if _, err := e.rt.Inspect(context.Background(), id); !errors.Is(err, docker.ErrNotFound) {
		t.Errorf("exited instance %s: got %v, want removed", id, err)
	}
	left, err := e.rt.ListAll(context.Background(), map[string]string{docker.ProjectLabel: "shop-green"})
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("green slot: got %v, want no instances", left)
	}
	if diff := cmp.Diff([]string{e.foreign.ID, old.ID}, ids(e.rt.Running())); diff != "" {
		t.Errorf("running (-want +got):\n%s", diff)
	}
	e.checkClean(slot.Green)
	e.checkForeign()
}

func TestStartFailure(t *testing.T) {
	for name, up := range map[string]func(string, string, string) error{
		"not discoverable": func(string, string, string) error { return nil },
		"up error":         func(string, string, string) error { return errors.New("build failed") },
	} {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, slot.Alternating)
			e.rt.Add("shop-blue", "web", "blue")
			e.rt.UpFunc = up
			outcome, err := e.orchestrator().Run(context.Background())
			var serr *StartFailure
			if !errors.As(err, &serr) {
				t.Fatalf("Run: got %v, want StartFailure", err)
			}
			if got, want := outcome.State, Aborted; got != want {
				t.Errorf("state: got %v, want %v", got, want)
			}
			// Nothing is rolled back.
			if diff := cmp.Diff([]string{"up shop-green web"}, e.rt.Calls()); diff != "" {
				t.Errorf("calls (-want +got):\n%s", diff)
			}
			e.checkClean(slot.Green)
		})
	}
}

func TestDescriptorError(t *testing.T) {
	e := newEnv(t, slot.Sequential)
	e.cfg.Service = "api"
	_, err := e.orchestrator().Run(context.Background())
	var derr *descriptor.DescriptorError
	if !errors.As(err, &derr) {
		t.Fatalf("Run: got %v, want DescriptorError", err)
	}
	if calls := e.rt.Calls(); len(calls) != 0 {
		t.Errorf("calls: got %v, want none", calls)
	}
}

func TestMetrics(t *testing.T) {
	e := newEnv(t, slot.Alternating)
	e.rt.Add("shop-blue", "web", "blue")
	o := e.orchestrator()
	o.Metrics = NewMetrics("shop", "web")
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	m := o.Metrics
	for _, test := range []struct {
		name string
		got  float64
		want float64
	}{
		{"rollouts", testutil.ToFloat64(m.rollouts.WithLabelValues("FINALIZED")), 1},
		{"health attempts", testutil.ToFloat64(m.healthAttempts), 1},
		{"old weight", testutil.ToFloat64(m.weight.WithLabelValues("old")), 0},
		{"new weight", testutil.ToFloat64(m.weight.WithLabelValues("new")), 100},
		{"shift seconds", testutil.ToFloat64(m.phase.WithLabelValues("SHIFTING")), 60},
	} {
		if test.got != test.want {
			t.Errorf("%s: got %v, want %v", test.name, test.got, test.want)
		}
	}

	path := filepath.Join(t.TempDir(), "rollout.prom")
	if err := m.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `weaver_shift_rollouts_total{outcome="FINALIZED",project="shop",service="web"} 1`) {
		t.Errorf("metrics file missing rollout counter:\n%s", data)
	}
}

func TestTracing(t *testing.T) {
	e := newEnv(t, slot.Alternating)
	e.rt.Add("shop-blue", "web", "blue")
	var buf bytes.Buffer
	tracer, shutdown, err := writerTracer(&buf)
	if err != nil {
		t.Fatal(err)
	}
	o := e.orchestrator()
	o.Tracer = tracer
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := shutdown(); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"rollout", "RESOLVING_SLOT", "STARTING_NEW", "AWAITING_HEALTH", "SHIFTING"} {
		if !strings.Contains(buf.String(), strconv.Quote(name)) {
			t.Errorf("no %q span in\n%s", name, buf.String())
		}
	}
}

func TestLegalTransitions(t *testing.T) {
	for _, test := range []struct {
		from, to State
		want     bool
	}{
		{Init, ResolvingSlot, true},
		{StartingNew, InitialDeployDone, true},
		{AwaitingHealth, RollingBack, true},
		{AwaitingHealth, Finalized, false},
		{Shifting, RollingBack, false},
		{Shifting, Aborted, true},
		{Finalized, Aborted, false},
		{RolledBack, Shifting, false},
	} {
		if got := legal(test.from, test.to); got != test.want {
			t.Errorf("legal(%v, %v): got %v, want %v", test.from, test.to, got, test.want)
		}
	}
}
