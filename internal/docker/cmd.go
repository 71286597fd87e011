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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"log/slog"
)

// cmdOptions holds options for running commands on the user machine.
type cmdOptions struct {
	Dir string // working directory, the current one if empty
}

// cmdError is returned when a command exits with an error. It keeps the
// command's stderr around so callers can classify the failure.
type cmdError struct {
	args   []string
	stderr string
	err    error
}

func (e *cmdError) Error() string {
	return fmt.Sprintf("%s: %s: %v", strings.Join(e.args, " "), strings.TrimSpace(e.stderr), e.err)
}

func (e *cmdError) Unwrap() error { return e.err }

// notFound reports whether err is a command failure caused by a missing
// container.
func notFound(err error) bool {
	var ce *cmdError
	if !errors.As(err, &ce) {
		return false
	}
	return strings.Contains(ce.stderr, "No such container") ||
		strings.Contains(ce.stderr, "No such object")
}

// runCmd runs cmd with the given arguments and returns its stdout.
func runCmd(ctx context.Context, logger *slog.Logger, opts cmdOptions, cmd string, args ...string) (string, error) {
	logger.Debug("Running command", "cmd", cmd, "args", strings.Join(args, " "))
	c := exec.CommandContext(ctx, cmd, args...)
	c.Dir = opts.Dir
	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf
	if err := c.Run(); err != nil {
		return "", &cmdError{args: append([]string{cmd}, args...), stderr: errBuf.String(), err: err}
	}
	return outBuf.String(), nil
}
