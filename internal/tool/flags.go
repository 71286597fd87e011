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

// Package tool implements the weaver-shift commands.
package tool

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ServiceWeaver/weaver-shift/internal/config"
)

// flagValues binds command line flags to the fields of a raw configuration.
// Only the flags that are explicitly set on the command line are layered on
// top of the config file, so that the file's values aren't shadowed by flag
// defaults.
type flagValues struct {
	fs      *flag.FlagSet
	values  config.Raw
	file    string            // --config
	setters map[string]func(*config.Raw)
}

func newFlagValues(fs *flag.FlagSet) *flagValues {
	f := &flagValues{fs: fs, setters: map[string]func(*config.Raw){}}
	fs.StringVar(&f.file, "config", "", "TOML file with default flag values")
	return f
}

func (f *flagValues) stringFlag(name string, dst func(*config.Raw) *string, value, usage string) {
	f.fs.StringVar(dst(&f.values), name, value, usage)
	f.setters[name] = func(r *config.Raw) { *dst(r) = *dst(&f.values) }
}

func (f *flagValues) intFlag(name string, dst func(*config.Raw) *int, value int, usage string) {
	f.fs.IntVar(dst(&f.values), name, value, usage)
	f.setters[name] = func(r *config.Raw) { *dst(r) = *dst(&f.values) }
}

// common binds the flags that locate a service.
func (f *flagValues) common() {
	d := config.Defaults()
	f.stringFlag("service", func(r *config.Raw) *string { return &r.Service }, d.Service, "Compose service to operate on")
	f.stringFlag("file", func(r *config.Raw) *string { return &r.Descriptor }, d.Descriptor, "Base compose file")
	f.stringFlag("project", func(r *config.Raw) *string { return &r.Project }, "", "Compose project (default: name of the compose file's directory)")
	f.stringFlag("proxy_dir", func(r *config.Raw) *string { return &r.ProxyDir }, d.ProxyDir, "Directory watched by the reverse proxy")
}

// deploy binds the flags of a rollout.
func (f *flagValues) deploy() {
	f.common()
	d := config.Defaults()
	f.intFlag("port", func(r *config.Raw) *int { return &r.Port }, d.Port, "Port the service listens on inside its container")
	f.stringFlag("health_path", func(r *config.Raw) *string { return &r.HealthPath }, d.HealthPath, "HTTP path of the health check")
	f.intFlag("health_timeout", func(r *config.Raw) *int { return &r.HealthTimeout }, d.HealthTimeout, "Number of seconds to wait for the new slot to become healthy")
	f.stringFlag("health_expect", func(r *config.Raw) *string { return &r.HealthExpect }, "", `CEL predicate over the health response "status" (default: any 2xx)`)
	f.stringFlag("naming", func(r *config.Raw) *string { return &r.Naming }, d.Naming, "Slot naming scheme: sequential or alternating (a.k.a. blue-green)")
	f.stringFlag("metrics_file", func(r *config.Raw) *string { return &r.MetricsFile }, "", "If set, write rollout metrics to this file in the Prometheus text format")
	f.stringFlag("trace_file", func(r *config.Raw) *string { return &r.TraceFile }, "", "If set, write a trace of the rollout phases to this file")

	f.fs.DurationVar(&f.values.Interval, "interval", d.Interval, "Time between two traffic shift steps")
	f.setters["interval"] = func(r *config.Raw) { r.Interval = f.values.Interval }
	f.fs.BoolVar(&f.values.NoShift, "no_shift", false, "Cut traffic over to the new slot at once")
	f.setters["no_shift"] = func(r *config.Raw) { r.NoShift = f.values.NoShift }
}

// raw returns the layered raw configuration: defaults, then the config file,
// then the explicitly set flags.
func (f *flagValues) raw() (config.Raw, error) {
	r := config.Defaults()
	if f.file != "" {
		if err := r.ApplyFile(f.file); err != nil {
			return config.Raw{}, err
		}
	}
	f.fs.Visit(func(fl *flag.Flag) {
		if set, ok := f.setters[fl.Name]; ok {
			set(&r)
		}
	})
	return r, nil
}

// PrerequisiteError is returned when something a command needs is missing
// from the machine.
type PrerequisiteError struct {
	What string
	Err  error
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("missing prerequisite %s: %v", e.What, e.Err)
}

func (e *PrerequisiteError) Unwrap() error { return e.Err }

// installChecker checks that a runtime's tools are installed.
type installChecker interface {
	CheckInstalled(ctx context.Context) error
}

// checkPrerequisites checks that the container runtime is installed and that
// the proxy configuration directory exists.
func checkPrerequisites(ctx context.Context, rt installChecker, proxyDir string) error {
	if err := rt.CheckInstalled(ctx); err != nil {
		return &PrerequisiteError{What: "container runtime", Err: err}
	}
	info, err := os.Stat(proxyDir)
	if err != nil {
		return &PrerequisiteError{What: "proxy directory", Err: err}
	}
	if !info.IsDir() {
		return &PrerequisiteError{What: "proxy directory", Err: fmt.Errorf("%s is not a directory", proxyDir)}
	}
	return nil
}
