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

// Package config holds the configuration of a single rollout.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ServiceWeaver/weaver-shift/internal/health"
	"github.com/ServiceWeaver/weaver-shift/internal/slot"
)

// Default values of a rollout configuration.
const (
	DefaultService       = "web"
	DefaultPort          = 80
	DefaultDescriptor    = "docker-compose.yml"
	DefaultHealthPath    = "/health"
	DefaultHealthTimeout = 60
	DefaultInterval      = 10 * time.Second
	DefaultProxyDir      = "/etc/traefik/dynamic"
)

// Deploy is the configuration of a rollout. It is built once per invocation
// and never modified afterwards.
type Deploy struct {
	Domain        string            // domain the service is routed on, e.g., "shop.example.com"
	Service       string            // compose service to roll out
	Port          int               // port the service listens on inside the container
	Descriptor    string            // absolute path of the base compose file
	Project       string            // compose project the service belongs to
	HealthPath    string            // HTTP path polled by the health gate
	HealthTimeout int               // number of 1s health polls before giving up
	HealthExpect  string            // optional CEL predicate over the response status
	Expect        *health.Predicate // compiled HealthExpect, nil if empty
	Interval      time.Duration     // time between traffic shift steps
	Scheme        slot.NamingScheme // slot naming scheme
	NoShift       bool              // cut over directly instead of shifting
	ProxyDir      string            // directory watched by the reverse proxy
	MetricsFile   string            // if not empty, metrics are written here on exit
	TraceFile     string            // if not empty, phase traces are written here
}

// HealthTimeoutDuration returns the health timeout as a duration.
func (d *Deploy) HealthTimeoutDuration() time.Duration {
	return time.Duration(d.HealthTimeout) * time.Second
}

// ConfigError is returned for a missing or invalid configuration value.
// Nothing has been changed on the machine when a ConfigError is returned.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErr(field string, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Raw holds unvalidated configuration values. Values are layered as
// defaults, then the config file, then explicitly set flags, and finally
// validated by Build.
type Raw struct {
	Domain        string
	Service       string
	Port          int
	Descriptor    string
	Project       string
	HealthPath    string
	HealthTimeout int
	HealthExpect  string
	Interval      time.Duration
	Naming        string
	NoShift       bool
	ProxyDir      string
	MetricsFile   string
	TraceFile     string
}

// Defaults returns the default raw configuration.
func Defaults() Raw {
	return Raw{
		Service:       DefaultService,
		Port:          DefaultPort,
		Descriptor:    DefaultDescriptor,
		HealthPath:    DefaultHealthPath,
		HealthTimeout: DefaultHealthTimeout,
		Interval:      DefaultInterval,
		Naming:        slot.Sequential.String(),
		ProxyDir:      DefaultProxyDir,
	}
}

// fileSchema is the schema of a TOML config file. Pointer fields tell apart
// unset keys from keys set to the zero value.
type fileSchema struct {
	Domain        *string `toml:"domain"`
	Service       *string `toml:"service"`
	Port          *int    `toml:"port"`
	File          *string `toml:"file"`
	Project       *string `toml:"project"`
	HealthPath    *string `toml:"health_path"`
	HealthTimeout *int    `toml:"health_timeout"`
	HealthExpect  *string `toml:"health_expect"`
	Interval      *string `toml:"interval"`
	Naming        *string `toml:"naming"`
	NoShift       *bool   `toml:"no_shift"`
	ProxyDir      *string `toml:"proxy_dir"`
	MetricsFile   *string `toml:"metrics_file"`
	TraceFile     *string `toml:"trace_file"`
}

// ApplyFile overrides r with the values set in the TOML file at path. A
// relative descriptor path in the file is resolved against the file's
// directory.
func (r *Raw) ApplyFile(path string) error {
	var parsed fileSchema
	md, err := toml.DecodeFile(path, &parsed)
	if err != nil {
		return &ConfigError{Field: "config file", Err: err}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return configErr("config file", "%s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&r.Domain, parsed.Domain)
	setString(&r.Service, parsed.Service)
	setString(&r.Project, parsed.Project)
	setString(&r.HealthPath, parsed.HealthPath)
	setString(&r.HealthExpect, parsed.HealthExpect)
	setString(&r.Naming, parsed.Naming)
	setString(&r.ProxyDir, parsed.ProxyDir)
	setString(&r.MetricsFile, parsed.MetricsFile)
	setString(&r.TraceFile, parsed.TraceFile)
	if parsed.File != nil {
		r.Descriptor = *parsed.File
		if !filepath.IsAbs(r.Descriptor) {
			r.Descriptor = filepath.Join(filepath.Dir(path), r.Descriptor)
		}
	}
	if parsed.Port != nil {
		r.Port = *parsed.Port
	}
	if parsed.HealthTimeout != nil {
		r.HealthTimeout = *parsed.HealthTimeout
	}
	if parsed.NoShift != nil {
		r.NoShift = *parsed.NoShift
	}
	if parsed.Interval != nil {
		d, err := time.ParseDuration(*parsed.Interval)
		if err != nil {
			return configErr("interval", "%s: %w", path, err)
		}
		r.Interval = d
	}
	return nil
}

// Names of compose projects and services.
var nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Build validates r and returns the resulting configuration.
func (r Raw) Build() (*Deploy, error) {
	if r.Domain == "" {
		return nil, configErr("domain", "a target domain is required")
	}
	if !nameRE.MatchString(r.Service) {
		return nil, configErr("service", "%q is not a valid compose service name", r.Service)
	}
	if r.Port < 1 || r.Port > 65535 {
		return nil, configErr("port", "%d is not in [1, 65535]", r.Port)
	}
	if !strings.HasPrefix(r.HealthPath, "/") {
		return nil, configErr("health path", "%q must start with /", r.HealthPath)
	}
	if r.HealthTimeout < 1 {
		return nil, configErr("health timeout", "got %d, want at least 1 second", r.HealthTimeout)
	}
	if r.Interval < 0 {
		return nil, configErr("interval", "got %v, want a non-negative duration", r.Interval)
	}
	var expect *health.Predicate
	if r.HealthExpect != "" {
		p, err := health.CompilePredicate(r.HealthExpect)
		if err != nil {
			return nil, &ConfigError{Field: "health expectation", Err: err}
		}
		expect = p
	}
	scheme, err := slot.ParseNamingScheme(r.Naming)
	if err != nil {
		return nil, &ConfigError{Field: "naming scheme", Err: err}
	}
	if r.ProxyDir == "" {
		return nil, configErr("proxy dir", "a proxy configuration directory is required")
	}

	descriptor, err := filepath.Abs(r.Descriptor)
	if err != nil {
		return nil, &ConfigError{Field: "descriptor", Err: err}
	}
	info, err := os.Stat(descriptor)
	if errors.Is(err, os.ErrNotExist) {
		return nil, configErr("descriptor", "%s does not exist", descriptor)
	} else if err != nil {
		return nil, &ConfigError{Field: "descriptor", Err: err}
	}
	if info.IsDir() {
		return nil, configErr("descriptor", "want a file, found directory at %s", descriptor)
	}

	project := r.Project
	if project == "" {
		project = ProjectName(filepath.Dir(descriptor))
	}
	if !nameRE.MatchString(project) {
		return nil, configErr("project", "%q is not a valid compose project name", project)
	}

	return &Deploy{
		Domain:        r.Domain,
		Service:       r.Service,
		Port:          r.Port,
		Descriptor:    descriptor,
		Project:       project,
		HealthPath:    r.HealthPath,
		HealthTimeout: r.HealthTimeout,
		HealthExpect:  r.HealthExpect,
		Expect:        expect,
		Interval:      r.Interval,
		Scheme:        scheme,
		NoShift:       r.NoShift,
		ProxyDir:      r.ProxyDir,
		MetricsFile:   r.MetricsFile,
		TraceFile:     r.TraceFile,
	}, nil
}

// ProjectName returns the compose project name docker compose derives from
// a project directory: its lowercased base name with every character other
// than letters, digits, dashes, and underscores removed.
func ProjectName(dir string) string {
	base := strings.ToLower(filepath.Base(dir))
	var b strings.Builder
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), "-_")
}
