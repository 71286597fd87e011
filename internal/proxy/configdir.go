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

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ServiceWeaver/weaver-shift/internal/traffic"
	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v3"
)

// ConfigDir is a directory of dynamic configuration files watched by the
// proxy. Every project gets at most one file.
type ConfigDir struct {
	Dir string
}

// Path returns the path of the configuration file of a project.
func (c *ConfigDir) Path(project string) string {
	return filepath.Join(c.Dir, project+".yml")
}

// Exists returns whether the configuration file of a project exists.
func (c *ConfigDir) Exists(project string) (bool, error) {
	_, err := os.Stat(c.Path(project))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Write replaces the configuration file of a project with the rendered
// route. The file is replaced atomically, so the proxy never reads a
// partially written file.
func (c *ConfigDir) Write(project string, r *Route) error {
	data, err := Render(r)
	if err != nil {
		return err
	}
	dst := c.Path(project)
	tmp, err := os.CreateTemp(c.Dir, "."+project+".*.tmp")
	if err != nil {
		return fmt.Errorf("write proxy config: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write proxy config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write proxy config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write proxy config: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("write proxy config: %w", err)
	}
	return nil
}

// Read returns the weighted backends of the route in the configuration file
// of a project, with the provider qualifier stripped from their names.
func (c *ConfigDir) Read(project string) ([]Backend, error) {
	data, err := os.ReadFile(c.Path(project))
	if err != nil {
		return nil, err
	}
	var cfg dynamicConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", c.Path(project), err)
	}
	var backends []Backend
	for _, name := range maps.Keys(cfg.HTTP.Services) {
		for _, ws := range cfg.HTTP.Services[name].Weighted.Services {
			backends = append(backends, Backend{
				Name:   strings.TrimSuffix(ws.Name, "@"+Provider),
				Weight: ws.Weight,
			})
		}
	}
	return backends, nil
}

// Remove removes the configuration file of a project. Removing a file that
// doesn't exist is not an error.
func (c *ConfigDir) Remove(project string) error {
	err := os.Remove(c.Path(project))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove proxy config: %w", err)
	}
	return nil
}

// SplitWriter applies traffic splits of one domain by writing them to a
// ConfigDir.
type SplitWriter struct {
	Dir     *ConfigDir
	Project string // names the file
	Router  string // names the router, e.g., "shop-web"
	Domain  string
	Edge    Edge
}

var _ traffic.Applier = &SplitWriter{}

// Apply implements the traffic.Applier interface.
func (w *SplitWriter) Apply(_ context.Context, s traffic.Split) error {
	return w.Dir.Write(w.Project, &Route{
		Name:   w.Router,
		Domain: w.Domain,
		Edge:   w.Edge,
		Backends: []Backend{
			{Name: s.Old, Weight: s.OldWeight},
			{Name: s.New, Weight: s.NewWeight},
		},
	})
}
