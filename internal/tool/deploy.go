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
	"flag"
	"fmt"

	"github.com/ServiceWeaver/weaver-shift/internal/config"
	"github.com/ServiceWeaver/weaver-shift/internal/docker"
	"github.com/ServiceWeaver/weaver-shift/internal/proxy"
	"github.com/ServiceWeaver/weaver-shift/internal/rollout"
	"github.com/ServiceWeaver/weaver/runtime/logging"
	"github.com/ServiceWeaver/weaver/runtime/tool"
	"github.com/google/uuid"
	"log/slog"
)

type DeploySpec struct {
	Tool  string        // e.g., weaver-shift
	Flags *flag.FlagSet // command line flags
	flags *flagValues
}

// DeployCmd returns the "deploy" command.
func DeployCmd(spec *DeploySpec) *tool.Command {
	spec.flags = newFlagValues(spec.Flags)
	spec.flags.deploy()
	return &tool.Command{
		Name:        "deploy",
		Flags:       spec.Flags,
		Description: "Roll out a new version of a compose service",
		Help: fmt.Sprintf(`Usage:
  %s deploy [flags] <domain>

Flags:
  -h, --help	Print this help message.
%s

Description:
  "%s deploy" starts the new version of a service in a fresh slot next to
  the live one, waits for it to pass its health check, and shifts the
  traffic of <domain> to it in steps of 20%%, one step every --interval.
  The old slot is removed once all traffic reaches the new one. If the new
  slot doesn't become healthy within --health_timeout seconds, it is
  removed and the live slot keeps serving.

  The first deployment of a service is started without a health check.`,
			spec.Tool, tool.FlagsHelp(spec.Flags), spec.Tool),
		Fn: spec.deployFn,
	}
}

// config returns the configuration of a rollout from the command line.
func (d *DeploySpec) config(args []string) (*config.Deploy, error) {
	if len(args) > 1 {
		return nil, fmt.Errorf("too many arguments; expecting just the target domain")
	}
	raw, err := d.flags.raw()
	if err != nil {
		return nil, err
	}
	if len(args) == 1 {
		raw.Domain = args[0]
	}
	return raw.Build()
}

func (d *DeploySpec) deployFn(ctx context.Context, args []string) error {
	cfg, err := d.config(args)
	if err != nil {
		return err
	}
	logger := logging.StderrLogger(logging.Options{
		App:        cfg.Project,
		Deployment: uuid.New().String(),
		Component:  cfg.Service,
	})
	cli := docker.NewCLI(logger)
	if err := checkPrerequisites(ctx, cli, cfg.ProxyDir); err != nil {
		return err
	}
	return runRollout(ctx, cfg, cli, logger)
}

// runRollout runs a rollout with the given configuration.
func runRollout(ctx context.Context, cfg *config.Deploy, rt docker.Runtime, logger *slog.Logger) error {
	o := &rollout.Orchestrator{
		Config:  cfg,
		Runtime: rt,
		Proxy:   &proxy.ConfigDir{Dir: cfg.ProxyDir},
		Logger:  logger,
	}
	if cfg.MetricsFile != "" {
		o.Metrics = rollout.NewMetrics(cfg.Project, cfg.Service)
	}
	if cfg.TraceFile != "" {
		tracer, shutdown, err := rollout.FileTracer(cfg.TraceFile)
		if err != nil {
			return err
		}
		o.Tracer = tracer
		defer func() {
			if err := shutdown(); err != nil {
				logger.Error("Write trace file", "file", cfg.TraceFile, "err", err)
			}
		}()
	}

	outcome, err := o.Run(ctx)
	if o.Metrics != nil {
		if err := o.Metrics.WriteFile(cfg.MetricsFile); err != nil {
			logger.Error("Write metrics file", "file", cfg.MetricsFile, "err", err)
		}
	}
	if err != nil {
		return err
	}
	switch outcome.State {
	case rollout.InitialDeployDone:
		fmt.Printf("Slot %q of service %q deployed for the first time on %s.\n", outcome.Slot, cfg.Service, cfg.Domain)
	case rollout.Finalized:
		fmt.Printf("Slot %q of service %q now serves all traffic of %s.\n", outcome.Slot, cfg.Service, cfg.Domain)
	}
	return nil
}
