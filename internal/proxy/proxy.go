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

// Package proxy renders the dynamic routing configuration of the reverse
// proxy (Traefik) in front of the service slots.
//
// The proxy watches a directory of configuration files and hot-reloads any
// file that changes. For every rollout in flight, we write one file that
// routes the target domain to a weighted pair of slots:
//
//	http:
//	  routers:
//	    shop-web:
//	      rule: Host(`shop.example.com`)
//	      service: shop-web-weighted
//	      priority: 10000
//	  services:
//	    shop-web-weighted:
//	      weighted:
//	        services:
//	          - name: shop-web-blue@docker
//	            weight: 80
//	          - name: shop-web-green@docker
//	            weight: 20
//
// The router's priority exceeds the priority of the routers the slots
// declare through their own labels, so the weighted router wins while the
// file exists. Once the file is removed, the surviving slot's own router
// serves the domain again.
package proxy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Priority of the weighted router.
const Priority = 10000

// Provider is the proxy provider that serves the slot routing identifiers.
const Provider = "docker"

// Edge holds the edge routing settings of a domain. They are copied from the
// base descriptor unchanged.
type Edge struct {
	EntryPoints  []string // e.g., ["websecure"]
	TLS          bool     // terminate TLS
	CertResolver string   // e.g., "letsencrypt"
	Middlewares  []string // e.g., ["secure-headers@file", "compress"]
}

// Backend is a weighted slot.
type Backend struct {
	Name   string // composite service key of the slot, e.g., "shop-web-blue"
	Weight int    // percentage of traffic
}

// Route routes a domain to a set of weighted backends.
type Route struct {
	Name     string // router name, e.g., "shop-web"
	Domain   string
	Edge     Edge
	Backends []Backend
}

// validate checks that the route's weights are non-negative integers that
// sum to exactly 100.
func (r *Route) validate() error {
	if r.Name == "" {
		return fmt.Errorf("proxy route: empty name")
	}
	if r.Domain == "" {
		return fmt.Errorf("proxy route %q: empty domain", r.Name)
	}
	if len(r.Backends) == 0 {
		return fmt.Errorf("proxy route %q: no backends", r.Name)
	}
	sum := 0
	for i, b := range r.Backends {
		if b.Name == "" {
			return fmt.Errorf("proxy route %q: backend %d has no name", r.Name, i)
		}
		if b.Weight < 0 {
			return fmt.Errorf("proxy route %q: backend %q has negative weight %d", r.Name, b.Name, b.Weight)
		}
		sum += b.Weight
	}
	if sum != 100 {
		return fmt.Errorf("proxy route %q: weights sum to %d, want 100", r.Name, sum)
	}
	return nil
}

// Traefik dynamic configuration, restricted to what we generate.
type dynamicConfig struct {
	HTTP httpConfig `yaml:"http"`
}

type httpConfig struct {
	Routers  map[string]router  `yaml:"routers"`
	Services map[string]service `yaml:"services"`
}

type router struct {
	Rule        string     `yaml:"rule"`
	Service     string     `yaml:"service"`
	Priority    int        `yaml:"priority,omitempty"`
	EntryPoints []string   `yaml:"entryPoints,omitempty"`
	Middlewares []string   `yaml:"middlewares,omitempty"`
	TLS         *tlsConfig `yaml:"tls,omitempty"`
}

type tlsConfig struct {
	CertResolver string `yaml:"certResolver,omitempty"`
}

type service struct {
	Weighted weighted `yaml:"weighted"`
}

type weighted struct {
	Services []weightedService `yaml:"services"`
}

type weightedService struct {
	Name   string `yaml:"name"`
	Weight int    `yaml:"weight"`
}

// qualify appends the provider to a name that doesn't name one already.
func qualify(name, provider string) string {
	if strings.Contains(name, "@") {
		return name
	}
	return name + "@" + provider
}

// HostRule returns the proxy rule that matches requests for domain.
func HostRule(domain string) string {
	return fmt.Sprintf("Host(`%s`)", domain)
}

// Render returns the proxy configuration for a route.
func Render(r *Route) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	svcName := r.Name + "-weighted"
	rt := router{
		Rule:        HostRule(r.Domain),
		Service:     svcName,
		Priority:    Priority,
		EntryPoints: r.Edge.EntryPoints,
	}
	for _, m := range r.Edge.Middlewares {
		rt.Middlewares = append(rt.Middlewares, qualify(m, Provider))
	}
	if r.Edge.TLS || r.Edge.CertResolver != "" {
		rt.TLS = &tlsConfig{CertResolver: r.Edge.CertResolver}
	}
	var svc service
	for _, b := range r.Backends {
		svc.Weighted.Services = append(svc.Weighted.Services, weightedService{
			Name:   qualify(b.Name, Provider),
			Weight: b.Weight,
		})
	}
	cfg := dynamicConfig{HTTP: httpConfig{
		Routers:  map[string]router{r.Name: rt},
		Services: map[string]service{svcName: svc},
	}}
	return yaml.Marshal(&cfg)
}
