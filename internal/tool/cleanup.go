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
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/ServiceWeaver/weaver-shift/internal/cleanup"
	"github.com/ServiceWeaver/weaver-shift/internal/config"
	"github.com/ServiceWeaver/weaver-shift/internal/docker"
	"github.com/ServiceWeaver/weaver-shift/internal/proxy"
	"github.com/ServiceWeaver/weaver/runtime/logging"
	"github.com/ServiceWeaver/weaver/runtime/tool"
	"github.com/google/uuid"
)

type CleanupSpec struct {
	Tool  string        // e.g., weaver-shift
	Flags *flag.FlagSet // command line flags
	flags *flagValues
	force *bool // the --force flag
}

// CleanupCmd implements the "cleanup" command, which tears down a slot left
// behind by an interrupted rollout.
func CleanupCmd(spec *CleanupSpec) *tool.Command {
	spec.flags = newFlagValues(spec.Flags)
	spec.flags.common()
	spec.force = spec.Flags.Bool("force", false, "Clean up without prompt")
	const help = `Usage:
  {{.Tool}} cleanup [--force] [flags] <slot>

Flags:
  -h, --help	Print this help message.
{{.Flags}}

Description:
  "{{.Tool}} cleanup" stops and removes every instance of a slot of a
  service, removes the slot's compose file, and removes the traffic split
  of the service's project. Use it to recover from an interrupted rollout.
  Cleaning up a slot that is already gone is not an error.`
	var b strings.Builder
	t := template.Must(template.New(spec.Tool).Parse(help))
	content := struct{ Tool, Flags string }{spec.Tool, tool.FlagsHelp(spec.Flags)}
	if err := t.Execute(&b, content); err != nil {
		panic(err)
	}

	return &tool.Command{
		Name:        "cleanup",
		Flags:       spec.Flags,
		Description: "Tear down a slot of a service",
		Help:        b.String(),
		Fn:          spec.cleanupFn,
	}
}

// target returns the slot to clean up.
func (c *CleanupSpec) target(args []string) (cleanup.Slot, string, error) {
	if len(args) != 1 {
		return cleanup.Slot{}, "", fmt.Errorf("usage: %s cleanup [--force] <slot>", c.Tool)
	}
	raw, err := c.flags.raw()
	if err != nil {
		return cleanup.Slot{}, "", err
	}
	descriptor, err := filepath.Abs(raw.Descriptor)
	if err != nil {
		return cleanup.Slot{}, "", &config.ConfigError{Field: "descriptor", Err: err}
	}
	project := raw.Project
	if project == "" {
		project = config.ProjectName(filepath.Dir(descriptor))
	}
	if raw.Service == "" {
		return cleanup.Slot{}, "", &config.ConfigError{Field: "service", Err: fmt.Errorf("a service is required")}
	}
	s := cleanup.Slot{Project: project, Service: raw.Service, ID: args[0], Descriptor: descriptor}
	return s, raw.ProxyDir, nil
}

func (c *CleanupSpec) cleanupFn(ctx context.Context, args []string) error {
	s, proxyDir, err := c.target(args)
	if err != nil {
		return err
	}
	if !*c.force && !confirm(os.Stdin, os.Stdout, s) {
		fmt.Println("")
		fmt.Println("Cleanup aborted.")
		return nil
	}

	logger := logging.StderrLogger(logging.Options{
		App:        s.Project,
		Deployment: uuid.New().String(),
		Component:  s.Service,
	})
	rt := docker.NewCLI(logger)
	if err := checkPrerequisites(ctx, rt, proxyDir); err != nil {
		return err
	}
	mgr := &cleanup.Manager{Runtime: rt, Proxy: &proxy.ConfigDir{Dir: proxyDir}, Logger: logger}
	if err := mgr.Purge(ctx, s); err != nil {
		return fmt.Errorf("slot %q of service %q partially cleaned up: %w", s.ID, s.Service, err)
	}
	fmt.Printf("Slot %q of service %q cleaned up.\n", s.ID, s.Service)
	return nil
}

// confirm asks the user to confirm the cleanup of a slot.
func confirm(r io.Reader, w io.Writer, s cleanup.Slot) bool {
	fmt.Fprintf(w, `WARNING: You are about to stop and remove slot %q of service %q in project
%q, and to remove the project's traffic split. If the slot serves traffic,
the traffic will be dropped. Are you sure you want to proceed?

Enter (y)es to continue: `, s.ID, s.Service, s.Project)
	text, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && text == "" {
		return false
	}
	text = strings.ToLower(strings.TrimSpace(text))
	return text == "y" || text == "yes"
}
