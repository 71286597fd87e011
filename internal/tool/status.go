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
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/ServiceWeaver/weaver-shift/internal/config"
	"github.com/ServiceWeaver/weaver-shift/internal/docker"
	"github.com/ServiceWeaver/weaver-shift/internal/proxy"
	"github.com/ServiceWeaver/weaver/runtime/colors"
	"github.com/ServiceWeaver/weaver/runtime/logging"
	"github.com/ServiceWeaver/weaver/runtime/tool"
	"golang.org/x/exp/maps"
)

type StatusSpec struct {
	Tool    string        // e.g., weaver-shift
	Flags   *flag.FlagSet // command line flags
	project *string       // the --project flag
	service *string       // the --service flag
	dir     *string       // the --proxy_dir flag
}

// StatusCmd implements the "status" command, which shows the live slots of
// every service and the traffic splits of the rollouts in flight.
func StatusCmd(spec *StatusSpec) *tool.Command {
	spec.project = spec.Flags.String("project", "", "Only show slots of this compose project")
	spec.service = spec.Flags.String("service", "", "Only show slots of this compose service")
	spec.dir = spec.Flags.String("proxy_dir", config.DefaultProxyDir, "Directory watched by the reverse proxy")
	return &tool.Command{
		Name:        "status",
		Flags:       spec.Flags,
		Description: "Show live slots and traffic splits",
		Help: fmt.Sprintf(`Usage:
  %s status [--project <project>] [--service <service>]

Flags:
  -h, --help	Print this help message.
%s`, spec.Tool, tool.FlagsHelp(spec.Flags)),
		Fn: spec.statusFn,
	}
}

func (s *StatusSpec) statusFn(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: %s status [--project <project>] [--service <service>]", s.Tool)
	}
	logger := logging.StderrLogger(logging.Options{Component: "status"})
	rt := docker.NewCLI(logger)
	if err := rt.CheckInstalled(ctx); err != nil {
		return &PrerequisiteError{What: "container runtime", Err: err}
	}
	return status(ctx, os.Stdout, rt, &proxy.ConfigDir{Dir: *s.dir}, *s.project, *s.service)
}

// status pretty-prints the live slots, optionally restricted to a project
// and service, along with the traffic split of every project they belong to.
func status(ctx context.Context, w io.Writer, rt docker.Runtime, dir *proxy.ConfigDir, project, service string) error {
	filters := map[string]string{}
	if service != "" {
		filters[docker.ServiceLabel] = service
	}
	instances, err := rt.List(ctx, filters)
	if err != nil {
		return err
	}

	// Keep the instances started in a slot.
	projects := map[string]bool{}
	if project != "" {
		projects[project] = true
	}
	var slots []docker.Instance
	for _, inst := range instances {
		if inst.Slot == "" {
			continue
		}
		base := strings.TrimSuffix(inst.Project, "-"+inst.Slot)
		if project != "" && base != project {
			continue
		}
		projects[base] = true
		slots = append(slots, inst)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Project != slots[j].Project {
			return slots[i].Project < slots[j].Project
		}
		return slots[i].Service < slots[j].Service
	})
	slotsStatus(w, slots)
	fmt.Fprintln(w)

	names := maps.Keys(projects)
	sort.Strings(names)
	return splitsStatus(w, dir, names)
}

// formatSlot returns a colored slot identity.
func formatSlot(slot string) colors.Atom {
	return colors.Atom{S: slot, Color: colors.ColorHash(slot), Bold: true}
}

// shortID returns a colored, shortened runtime id.
func shortID(id string) colors.Atom {
	short := id
	if len(short) > 12 {
		short = short[:12]
	}
	return colors.Atom{S: short, Color: colors.ColorHash(id), Underline: true}
}

// slotsStatus pretty-prints a set of slots.
func slotsStatus(w io.Writer, slots []docker.Instance) {
	t := colors.NewTabularizer(w, []colors.Text{{{S: "SLOTS", Bold: true}}}, colors.PrefixDim)
	defer t.Flush()
	t.Row("PROJECT", "SERVICE", "SLOT", "ID", "ADDRESS")
	for _, inst := range slots {
		t.Row(inst.Project, inst.Service, formatSlot(inst.Slot), shortID(inst.ID), inst.Address)
	}
}

// splitsStatus pretty-prints the traffic splits of a set of projects.
// Projects without a rollout in flight are skipped.
func splitsStatus(w io.Writer, dir *proxy.ConfigDir, projects []string) error {
	t := colors.NewTabularizer(w, []colors.Text{{{S: "TRAFFIC SPLITS", Bold: true}}}, colors.PrefixDim)
	defer t.Flush()
	t.Row("PROJECT", "BACKEND", "WEIGHT")
	for _, project := range projects {
		backends, err := dir.Read(project)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return err
		}
		for _, b := range backends {
			t.Row(project, colors.Atom{S: b.Name, Color: colors.ColorHash(b.Name)}, fmt.Sprintf("%d%%", b.Weight))
		}
	}
	return nil
}
