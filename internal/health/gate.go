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

// Package health gates the promotion of a new slot on its health endpoint.
package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ServiceWeaver/weaver-shift/internal/docker"
	"github.com/google/cel-go/cel"
	"log/slog"
)

// Cadence is the fixed time between two consecutive health polls.
const Cadence = time.Second

// Predicate decides whether a health response counts as a success.
type Predicate struct {
	expr string
	prg  cel.Program
}

// CompilePredicate compiles a CEL expression over the response's status
// code, bound to the int variable "status", e.g., "status == 204". The
// expression must evaluate to a bool.
func CompilePredicate(expr string) (*Predicate, error) {
	env, err := cel.NewEnv(cel.Variable("status", cel.IntType))
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, err)
	}
	p := &Predicate{expr: expr, prg: prg}
	if _, err := p.Match(http.StatusOK); err != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, err)
	}
	return p, nil
}

// String returns the predicate's expression.
func (p *Predicate) String() string {
	if p == nil {
		return "status >= 200 && status < 300"
	}
	return p.expr
}

// Match returns whether a response with the given status code is a success.
// A nil predicate accepts every 2xx status.
func (p *Predicate) Match(status int) (bool, error) {
	if p == nil {
		return status >= 200 && status < 300, nil
	}
	out, _, err := p.prg.Eval(map[string]any{"status": int64(status)})
	if err != nil {
		return false, err
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("predicate %q returned %T, want bool", p.expr, out.Value())
	}
	return ok, nil
}

// Result is the outcome of a health gate.
type Result struct {
	Healthy  bool
	Attempts int // number of polls made
}

// Gate polls the health endpoint of an instance.
type Gate struct {
	Runtime docker.Runtime
	Logger  *slog.Logger

	// Client issues the health requests. Defaults to a client whose
	// requests time out after Cadence.
	Client *http.Client

	// Expect, if not nil, decides which responses are successful.
	Expect *Predicate

	// Sleep blocks for d or until ctx is done. Tests replace it to simulate
	// the passage of time.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Await polls GET http://<address>:port/path of inst once per Cadence, at
// most attempts times, and returns as soon as a poll succeeds. The address
// of inst is resolved once, before the first poll.
//
// Await returns an error only if the instance's address can't be resolved
// or ctx is done. Exhausting every attempt is reported as an unhealthy
// Result.
func (g *Gate) Await(ctx context.Context, inst docker.Instance, path string, port, attempts int) (Result, error) {
	details, err := g.Runtime.Inspect(ctx, inst.ID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve address of %s: %w", inst.Name, err)
	}
	if details.Address == "" {
		return Result{}, fmt.Errorf("resolve address of %s: no network address", inst.Name)
	}
	url := "http://" + net.JoinHostPort(details.Address, strconv.Itoa(port)) + path

	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: Cadence}
	}
	sleep := g.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for i := 1; i <= attempts; i++ {
		ok, err := g.poll(ctx, client, url)
		if ok {
			g.Logger.Info("Health check passed", "url", url, "attempt", i)
			return Result{Healthy: true, Attempts: i}, nil
		}
		g.Logger.Debug("Health check failed", "url", url, "attempt", i, "of", attempts, "err", err)
		if i == attempts {
			break
		}
		if err := sleep(ctx, Cadence); err != nil {
			return Result{Attempts: i}, err
		}
	}
	g.Logger.Error("Health check timed out", "url", url, "attempts", attempts)
	return Result{Attempts: attempts}, nil
}

// poll issues a single health request. It returns false, together with the
// reason, if the request failed or the response is not a success.
func (g *Gate) poll(ctx context.Context, client *http.Client, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
	resp.Body.Close()
	ok, err := g.Expect.Match(resp.StatusCode)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("status %d does not satisfy %s", resp.StatusCode, g.Expect)
	}
	return true, nil
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
