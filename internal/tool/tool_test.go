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

package tool

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ServiceWeaver/weaver-shift/internal/cleanup"
	"github.com/ServiceWeaver/weaver-shift/internal/config"
	"github.com/ServiceWeaver/weaver-shift/internal/docker"
	"github.com/ServiceWeaver/weaver-shift/internal/proxy"
	"github.com/ServiceWeaver/weaver-shift/internal/slot"
	"github.com/ServiceWeaver/weaver/runtime/logging"
	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newDeploySpec() *DeploySpec {
	spec := &DeploySpec{Tool: "weaver-shift", Flags: flag.NewFlagSet("deploy", flag.ContinueOnError)}
	DeployCmd(spec)
	return spec
}

func TestDeployConfigLayering(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "compose.yml")
	writeFile(t, base, "services: {}\n")
	file := filepath.Join(dir, "shift.toml")
	writeFile(t, file, `
domain = "file.example.com"
file = "compose.yml"
service = "api"
port = 8080
interval = "30s"
`)

	spec := newDeploySpec()
	err := spec.Flags.Parse([]string{"--config", file, "--port", "9090", "--naming", "blue-green", "shop.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := spec.config(spec.Flags.Args())
	if err != nil {
		t.Fatal(err)
	}
	for _, test := range []struct {
		name      string
		got, want any
	}{
		{"domain (argument over file)", got.Domain, "shop.example.com"},
		{"service (file over default)", got.Service, "api"},
		{"port (flag over file)", got.Port, 9090},
		{"interval (file over default)", got.Interval, 30 * time.Second},
		{"naming (flag over default)", got.Scheme, slot.Alternating},
		{"health path (default)", got.HealthPath, config.DefaultHealthPath},
		{"descriptor (relative to file)", got.Descriptor, base},
	} {
		if diff := cmp.Diff(test.want, test.got); diff != "" {
			t.Errorf("%s (-want +got):\n%s", test.name, diff)
		}
	}
}

func TestDeployConfigErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"no domain":      {"--file", "/nonexistent/compose.yml"},
		"two domains":    {"a.example.com", "b.example.com"},
		"missing config": {"--config", "/nonexistent/shift.toml", "a.example.com"},
	} {
		t.Run(name, func(t *testing.T) {
			spec := newDeploySpec()
			if err := spec.Flags.Parse(args); err != nil {
				t.Fatal(err)
			}
			if _, err := spec.config(spec.Flags.Args()); err == nil {
				t.Fatal("config: unexpected success")
			}
		})
	}
}

type checker struct{ err error }

func (c checker) CheckInstalled(context.Context) error { return c.err }

func TestCheckPrerequisites(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	writeFile(t, file, "")
	for _, test := range []struct {
		name    string
		rt      checker
		dir     string
		wantErr bool
	}{
		{"ok", checker{}, dir, false},
		{"no docker", checker{errors.New("docker not found")}, dir, true},
		{"no proxy dir", checker{}, filepath.Join(dir, "missing"), true},
		{"proxy dir is a file", checker{}, file, true},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := checkPrerequisites(context.Background(), test.rt, test.dir)
			if !test.wantErr {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			var perr *PrerequisiteError
			if !errors.As(err, &perr) {
				t.Fatalf("checkPrerequisites: got %v, want PrerequisiteError", err)
			}
		})
	}
}

func TestRunRolloutInitialDeploy(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "docker-compose.yml")
	writeFile(t, base, "services:\n  web:\n    image: nginx\n")
	cfg := &config.Deploy{
		Domain:        "shop.example.com",
		Service:       "web",
		Port:          80,
		Descriptor:    base,
		Project:       "shop",
		HealthPath:    "/health",
		HealthTimeout: 60,
		Interval:      10 * time.Second,
		ProxyDir:      t.TempDir(),
		MetricsFile:   filepath.Join(dir, "rollout.prom"),
		TraceFile:     filepath.Join(dir, "rollout.json"),
	}
	rt := docker.NewFakeRuntime()
	if err := runRollout(context.Background(), cfg, rt, logging.NewTestSlogger(t, testing.Verbose())); err != nil {
		t.Fatal(err)
	}
	if got := len(rt.Running()); got != 1 {
		t.Errorf("running: got %d instances, want 1", got)
	}
	metrics, err := os.ReadFile(cfg.MetricsFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(metrics), `outcome="INITIAL_DEPLOY_DONE"`) {
		t.Errorf("metrics file missing outcome:\n%s", metrics)
	}
	trace, err := os.ReadFile(cfg.TraceFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(trace), `"STARTING_NEW"`) {
		t.Errorf("trace file missing STARTING_NEW span:\n%s", trace)
	}
}

func TestStatus(t *testing.T) {
	rt := docker.NewFakeRuntime()
	rt.Add("shop-blue", "web", "blue")
	rt.Add("shop-green", "web", "green")
	rt.Add("blog-1700000000", "web", "1700000000")
	rt.Add("shop", "db", "") // not a slot

	dir := &proxy.ConfigDir{Dir: t.TempDir()}
	route := &proxy.Route{
		Name:     "shop-web",
		Domain:   "shop.example.com",
		Backends: []proxy.Backend{{Name: "shop-web-blue", Weight: 60}, {Name: "shop-web-green", Weight: 40}},
	}
	if err := dir.Write("shop", route); err != nil {
		t.Fatal(err)
	}

	var b bytes.Buffer
	if err := status(context.Background(), &b, rt, dir, "shop", ""); err != nil {
		t.Fatal(err)
	}
	out := b.String()
	for _, want := range []string{"SLOTS", "shop-blue", "shop-green", "fake-1", "10.0.0.2", "TRAFFIC SPLITS", "shop-web-blue", "60%", "40%"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
	for _, unwanted := range []string{"blog-1700000000", "db"} {
		if strings.Contains(out, unwanted) {
			t.Errorf("status output contains %q:\n%s", unwanted, out)
		}
	}
}

func TestCleanupTarget(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shop")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	spec := &CleanupSpec{Tool: "weaver-shift", Flags: flag.NewFlagSet("cleanup", flag.ContinueOnError)}
	CleanupCmd(spec)
	base := filepath.Join(dir, "docker-compose.yml")
	if err := spec.Flags.Parse([]string{"--file", base, "--force", "green"}); err != nil {
		t.Fatal(err)
	}
	got, proxyDir, err := spec.target(spec.Flags.Args())
	if err != nil {
		t.Fatal(err)
	}
	want := cleanup.Slot{Project: "shop", Service: "web", ID: "green", Descriptor: base}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("target (-want +got):\n%s", diff)
	}
	if proxyDir != config.DefaultProxyDir {
		t.Errorf("proxy dir: got %q, want %q", proxyDir, config.DefaultProxyDir)
	}
	if !*spec.force {
		t.Error("--force not set")
	}
}

func TestConfirm(t *testing.T) {
	s := cleanup.Slot{Project: "shop", Service: "web", ID: "blue"}
	for input, want := range map[string]bool{
		"y\n":   true,
		"YES\n": true,
		"n\n":   false,
		"\n":    false,
		"":      false,
	} {
		if got := confirm(strings.NewReader(input), &bytes.Buffer{}, s); got != want {
			t.Errorf("confirm(%q): got %v, want %v", input, got, want)
		}
	}
}

func TestVersionString(t *testing.T) {
	if got := versionString("weaver-shift"); !strings.HasPrefix(got, "weaver-shift v0.") {
		t.Errorf("versionString: got %q", got)
	}
}
