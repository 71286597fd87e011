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

// weaver-shift rolls out new versions of docker compose services behind a
// reverse proxy, shifting traffic gradually from the old version to the new
// one.
package main

import (
	"flag"

	shifttool "github.com/ServiceWeaver/weaver-shift/internal/tool"
	"github.com/ServiceWeaver/weaver/runtime/tool"
)

var (
	deploySpec = shifttool.DeploySpec{
		Tool:  "weaver-shift",
		Flags: flag.NewFlagSet("deploy", flag.ContinueOnError),
	}
	statusSpec = shifttool.StatusSpec{
		Tool:  "weaver-shift",
		Flags: flag.NewFlagSet("status", flag.ContinueOnError),
	}
	cleanupSpec = shifttool.CleanupSpec{
		Tool:  "weaver-shift",
		Flags: flag.NewFlagSet("cleanup", flag.ContinueOnError),
	}
)

func main() {
	tool.Run("weaver-shift", map[string]*tool.Command{
		"deploy":  shifttool.DeployCmd(&deploySpec),
		"status":  shifttool.StatusCmd(&statusSpec),
		"cleanup": shifttool.CleanupCmd(&cleanupSpec),
		"version": shifttool.VersionCmd("weaver-shift"),
	})
}
