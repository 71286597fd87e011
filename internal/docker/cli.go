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
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"log/slog"
)

// CLI is a Runtime that shells out to the docker binary.
type CLI struct {
	Binary string // docker binary, "docker" if empty
	Logger *slog.Logger
}

var _ Runtime = &CLI{}

// NewCLI returns a CLI runtime that logs the commands it runs to logger.
func NewCLI(logger *slog.Logger) *CLI {
	return &CLI{Binary: "docker", Logger: logger}
}

func (c *CLI) run(ctx context.Context, opts cmdOptions, args ...string) (string, error) {
	bin := c.Binary
	if bin == "" {
		bin = "docker"
	}
	return runCmd(ctx, c.Logger, opts, bin, args...)
}

// CheckInstalled verifies that the docker binary and its compose plugin are
// available on the machine.
func (c *CLI) CheckInstalled(ctx context.Context) error {
	bin := c.Binary
	if bin == "" {
		bin = "docker"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("%q not found in PATH: %w", bin, err)
	}
	if _, err := c.run(ctx, cmdOptions{}, "compose", "version"); err != nil {
		return fmt.Errorf("docker compose plugin is not available: %w", err)
	}
	return nil
}

// List implements the Runtime interface.
func (c *CLI) List(ctx context.Context, filters map[string]string) ([]Instance, error) {
	return c.list(ctx, filters, false)
}

// ListAll implements the Runtime interface.
func (c *CLI) ListAll(ctx context.Context, filters map[string]string) ([]Instance, error) {
	return c.list(ctx, filters, true)
}

func (c *CLI) list(ctx context.Context, filters map[string]string, all bool) ([]Instance, error) {
	args := []string{"ps", "--quiet", "--no-trunc"}
	if all {
		args = append(args, "--all")
	}
	keys := maps.Keys(filters)
	slices.Sort(keys)
	for _, k := range keys {
		args = append(args, "--filter", fmt.Sprintf("label=%s=%s", k, filters[k]))
	}
	out, err := c.run(ctx, cmdOptions{}, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	ids := strings.Fields(out)
	if len(ids) == 0 {
		return nil, nil
	}
	containers, err := c.inspectListed(ctx, ids)
	if err != nil {
		return nil, err
	}
	var instances []Instance
	for _, ct := range containers {
		// An instance may exit between ps and inspect.
		if !all && !ct.State.Running {
			continue
		}
		instances = append(instances, instanceFromLabels(ct.ID, ct.name(), ct.address(), ct.Config.Labels))
	}
	return instances, nil
}

// inspectListed inspects the listed containers with ids. Containers removed
// since they were listed are skipped.
func (c *CLI) inspectListed(ctx context.Context, ids []string) ([]container, error) {
	containers, err := c.inspect(ctx, ids...)
	if !notFound(err) {
		return containers, err
	}
	// docker inspect fails as a whole if any id is missing.
	containers = nil
	for _, id := range ids {
		cs, err := c.inspect(ctx, id)
		if notFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		containers = append(containers, cs...)
	}
	return containers, nil
}

// Inspect implements the Runtime interface.
func (c *CLI) Inspect(ctx context.Context, id string) (*Details, error) {
	containers, err := c.inspect(ctx, id)
	if notFound(err) {
		return nil, fmt.Errorf("inspect %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("inspect %s: %w", id, ErrNotFound)
	}
	ct := containers[0]
	return &Details{Labels: ct.Config.Labels, Address: ct.address()}, nil
}

// Up implements the Runtime interface.
func (c *CLI) Up(ctx context.Context, project, descriptorPath, service string) error {
	opts := cmdOptions{Dir: filepath.Dir(descriptorPath)}
	_, err := c.run(ctx, opts, "compose",
		"--project-name", project,
		"--file", descriptorPath,
		"up", "--detach", "--build", "--no-deps", service)
	if err != nil {
		return fmt.Errorf("start %s in project %s: %w", service, project, err)
	}
	return nil
}

// Stop implements the Runtime interface.
func (c *CLI) Stop(ctx context.Context, id string) error {
	_, err := c.run(ctx, cmdOptions{}, "stop", id)
	if notFound(err) {
		return fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	return err
}

// Remove implements the Runtime interface.
func (c *CLI) Remove(ctx context.Context, id string) error {
	_, err := c.run(ctx, cmdOptions{}, "rm", "--volumes", id)
	if notFound(err) {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	return err
}

// container is the subset of "docker inspect" output that we use.
type container struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Running bool `json:"Running"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	NetworkSettings struct {
		IPAddress string `json:"IPAddress"`
		Networks  map[string]struct {
			IPAddress string `json:"IPAddress"`
		} `json:"Networks"`
	} `json:"NetworkSettings"`
}

func (ct *container) name() string {
	return strings.TrimPrefix(ct.Name, "/")
}

// address returns the first non-empty IP address across the instance's
// networks, visiting networks in name order.
func (ct *container) address() string {
	names := maps.Keys(ct.NetworkSettings.Networks)
	slices.Sort(names)
	for _, n := range names {
		if ip := ct.NetworkSettings.Networks[n].IPAddress; ip != "" {
			return ip
		}
	}
	return ct.NetworkSettings.IPAddress
}

func (c *CLI) inspect(ctx context.Context, ids ...string) ([]container, error) {
	args := append([]string{"inspect", "--type", "container"}, ids...)
	out, err := c.run(ctx, cmdOptions{}, args...)
	if err != nil {
		return nil, err
	}
	return parseInspect([]byte(out))
}

func parseInspect(data []byte) ([]container, error) {
	var containers []container
	if err := json.Unmarshal(data, &containers); err != nil {
		return nil, fmt.Errorf("parse inspect output: %w", err)
	}
	return containers, nil
}
