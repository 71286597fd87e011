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

// Package descriptor derives the compose descriptor of a service slot from
// the project's base compose file.
//
// The derived descriptor runs a single service alongside the instances
// started from the base file without colliding with them: it publishes no
// host ports, names no containers, and namespaces every proxy routing
// identifier with the slot's composite service key.
package descriptor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ServiceWeaver/weaver-shift/internal/docker"
	"github.com/ServiceWeaver/weaver-shift/internal/proxy"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Label prefixes of proxy routers and services.
const (
	routerPrefix  = "traefik.http.routers."
	servicePrefix = "traefik.http.services."
)

// Upper bounds of the health check the proxy runs against a slot.
const (
	maxCheckInterval = 5 * time.Second
	maxCheckTimeout  = 3 * time.Second
)

// Top-level descriptor sections that are shared by every service and kept.
var sharedSections = []string{"networks", "volumes", "secrets", "configs"}

// Service attributes that would collide with the running instance or refer
// to services that are not part of the slot.
var droppedAttributes = []string{"ports", "container_name", "depends_on", "links"}

// DescriptorError is returned when the base descriptor can't be located,
// parsed, or transformed. No instance has been started when it is returned.
type DescriptorError struct {
	Path string
	Err  error
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("descriptor %s: %v", e.Path, e.Err)
}

func (e *DescriptorError) Unwrap() error { return e.Err }

// Options configures a transformation.
type Options struct {
	Project       string        // compose project of the base descriptor
	Service       string        // service to keep
	Slot          string        // slot identity
	Domain        string        // domain the slot serves
	Port          int           // port the service listens on
	HealthPath    string        // path polled by the health gate
	HealthTimeout time.Duration // total time the health gate waits
}

// Key returns the composite service key of the slot.
func (o Options) Key() string {
	return fmt.Sprintf("%s-%s-%s", o.Project, o.Service, o.Slot)
}

// Descriptor is a slot descriptor written to disk.
type Descriptor struct {
	Path string     // where the descriptor was written
	Key  string     // composite service key of the slot
	Edge proxy.Edge // edge routing of the base service
}

// PathFor returns the path of the descriptor of a slot derived from the base
// descriptor at base. It lives next to base so that relative build contexts
// and bind mounts keep resolving.
func PathFor(base, slot string) string {
	return filepath.Join(filepath.Dir(base), fmt.Sprintf(".weaver-shift.%s.yml", slot))
}

// Write derives the descriptor of a slot from the base descriptor at base
// and writes it to PathFor(base, opts.Slot).
func Write(base string, opts Options) (*Descriptor, error) {
	data, err := os.ReadFile(base)
	if err != nil {
		return nil, &DescriptorError{Path: base, Err: err}
	}
	out, edge, err := Transform(data, opts)
	if err != nil {
		return nil, &DescriptorError{Path: base, Err: err}
	}
	dst := PathFor(base, opts.Slot)
	if err := os.WriteFile(dst, out, 0o644); err != nil {
		return nil, &DescriptorError{Path: dst, Err: err}
	}
	return &Descriptor{Path: dst, Key: opts.Key(), Edge: edge}, nil
}

// Remove removes the descriptor of a slot. Removing a missing descriptor is
// not an error.
func Remove(base, slot string) error {
	err := os.Remove(PathFor(base, slot))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Transform derives a slot descriptor from the contents of a base
// descriptor. It also returns the edge routing of the base service's
// primary router.
func Transform(data []byte, opts Options) ([]byte, proxy.Edge, error) {
	var root map[string]any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, proxy.Edge{}, fmt.Errorf("parse: %w", err)
	}
	if root == nil {
		return nil, proxy.Edge{}, fmt.Errorf("empty descriptor")
	}
	services, ok := root["services"].(map[string]any)
	if !ok {
		return nil, proxy.Edge{}, fmt.Errorf("no services section")
	}
	svc, ok := services[opts.Service].(map[string]any)
	if !ok {
		return nil, proxy.Edge{}, fmt.Errorf("service %q not found", opts.Service)
	}

	labels, err := normalizeLabels(svc["labels"])
	if err != nil {
		return nil, proxy.Edge{}, fmt.Errorf("service %q: %w", opts.Service, err)
	}
	labels, edge := rewriteLabels(labels, opts)

	for _, attr := range droppedAttributes {
		delete(svc, attr)
	}
	svc["expose"] = []string{strconv.Itoa(opts.Port)}
	svc["labels"] = labels

	out := map[string]any{"services": map[string]any{opts.Service: svc}}
	for _, section := range sharedSections {
		if v, ok := root[section]; ok {
			out[section] = v
		}
	}
	b, err := yaml.Marshal(out)
	if err != nil {
		return nil, proxy.Edge{}, err
	}
	return b, edge, nil
}

// normalizeLabels returns the labels of a service as a map. Compose accepts
// labels either as a map or as a list of "key=value" strings.
func normalizeLabels(v any) (map[string]string, error) {
	labels := map[string]string{}
	switch v := v.(type) {
	case nil:
	case map[string]any:
		for k, val := range v {
			if val == nil {
				labels[k] = ""
			} else {
				labels[k] = fmt.Sprint(val)
			}
		}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("label %v is not a string", item)
			}
			k, val, _ := strings.Cut(s, "=")
			labels[k] = val
		}
	default:
		return nil, fmt.Errorf("labels of type %T are not supported", v)
	}
	return labels, nil
}

// labelName splits a router or service label into its name and attribute,
// e.g., "traefik.http.routers.web.rule" into "web" and "rule".
func labelName(label, prefix string) (name, attr string, ok bool) {
	rest, ok := strings.CutPrefix(label, prefix)
	if !ok {
		return "", "", false
	}
	name, attr, ok = strings.Cut(rest, ".")
	return name, attr, ok && name != ""
}

// primaryRouter returns the router that serves the service's domain: the
// one named after the service, else the first one by name. It returns ""
// if there are no routers.
func primaryRouter(routers []string, service string) string {
	if slices.Contains(routers, service) {
		return service
	}
	if len(routers) == 0 {
		return ""
	}
	return routers[0]
}

// rewriteLabels namespaces the routing labels of a service with the slot's
// composite key, and adds the labels every slot carries.
func rewriteLabels(labels map[string]string, opts Options) (map[string]string, proxy.Edge) {
	key := opts.Key()

	routerSet := map[string]bool{}
	for label := range labels {
		if name, _, ok := labelName(label, routerPrefix); ok {
			routerSet[name] = true
		}
	}
	routers := maps.Keys(routerSet)
	slices.Sort(routers)
	primary := primaryRouter(routers, opts.Service)
	renamed := func(router string) string {
		if router == primary {
			return key
		}
		return key + "-" + router
	}

	var edge proxy.Edge
	out := map[string]string{}
	for label, value := range labels {
		if router, attr, ok := labelName(label, routerPrefix); ok {
			if router == primary {
				extractEdge(&edge, attr, value)
			}
			out[routerPrefix+renamed(router)+"."+attr] = value
			continue
		}
		if _, attr, ok := labelName(label, servicePrefix); ok {
			out[servicePrefix+key+"."+attr] = value
			continue
		}
		out[label] = value
	}
	for _, router := range routers {
		out[routerPrefix+renamed(router)+".service"] = key
	}

	interval, timeout := checkDurations(opts.HealthTimeout)
	out["traefik.enable"] = "true"
	out[routerPrefix+key+".rule"] = proxy.HostRule(opts.Domain)
	out[routerPrefix+key+".service"] = key
	out[servicePrefix+key+".loadbalancer.server.port"] = strconv.Itoa(opts.Port)
	out[servicePrefix+key+".loadbalancer.healthcheck.path"] = opts.HealthPath
	out[servicePrefix+key+".loadbalancer.healthcheck.interval"] = interval.String()
	out[servicePrefix+key+".loadbalancer.healthcheck.timeout"] = timeout.String()
	out[docker.SlotLabel] = opts.Slot
	return out, edge
}

// extractEdge records a router attribute in edge if it is part of the edge
// routing of a domain.
func extractEdge(edge *proxy.Edge, attr, value string) {
	switch attr {
	case "entrypoints":
		edge.EntryPoints = splitList(value)
	case "middlewares":
		edge.Middlewares = splitList(value)
	case "tls":
		edge.TLS = edge.TLS || value == "true"
	case "tls.certresolver":
		edge.CertResolver = value
		edge.TLS = true
	}
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// checkDurations returns the interval and timeout of the proxy's health
// check of a slot. Both are strictly shorter than the health gate's total
// timeout.
func checkDurations(gate time.Duration) (interval, timeout time.Duration) {
	interval = min(maxCheckInterval, gate/2).Round(time.Millisecond)
	timeout = min(maxCheckTimeout, gate/3).Round(time.Millisecond)
	return max(interval, time.Millisecond), max(timeout, time.Millisecond)
}
