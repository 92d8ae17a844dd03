// Copyright The Nachos VM Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/nachosvm/nachos/pkg/log"
)

var (
	log = logger.Get("metrics")

	ErrExists    = fmt.Errorf("metrics: collector already registered")
	ErrUnmatched = fmt.Errorf("metrics: no collectors match")
)

// State is the configuration of a collector.
type State int

const (
	// Enabled marks a collector enabled.
	Enabled State = (1 << iota)
	// NamespacePrefix prefixes the metrics of a collector with the namespace
	// of the gatherer.
	NamespacePrefix
	// SubsystemPrefix prefixes the metrics of a collector with its group.
	SubsystemPrefix

	// DefaultName is the name of the default group.
	DefaultName = "default"
)

// IsEnabled returns true if the state is enabled.
func (s State) IsEnabled() bool {
	return s&Enabled != 0
}

// NeedsNamespace returns true if the state calls for a namespace prefix.
func (s State) NeedsNamespace() bool {
	return s&NamespacePrefix != 0
}

// NeedsSubsystem returns true if the state calls for a group prefix.
func (s State) NeedsSubsystem() bool {
	return s&SubsystemPrefix != 0
}

func (s State) String() string {
	flags := []string{"disabled"}
	if s.IsEnabled() {
		flags[0] = "enabled"
	}
	if s.NeedsNamespace() {
		flags = append(flags, "namespace-prefixed")
	}
	if s.NeedsSubsystem() {
		flags = append(flags, "subsystem-prefixed")
	}
	return strings.Join(flags, ",")
}

// Collector is a named prometheus.Collector in a group.
type Collector struct {
	collector prometheus.Collector
	name      string
	group     string
	state     State
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

// WithoutNamespace disables namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.state &^= NamespacePrefix
	}
}

// WithoutSubsystem disables group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.state &^= SubsystemPrefix
	}
}

// Name returns the qualified name, group/name, of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// State returns the state of the collector.
func (c *Collector) State() State {
	return c.state
}

// Matches returns true if the group, name or qualified name of the
// collector matches the given glob.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		if glob == name {
			return true
		}
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if !c.state.IsEnabled() {
		return
	}
	c.collector.Collect(ch)
}

func (c *Collector) enable(state bool) {
	if state {
		c.state |= Enabled
	} else {
		c.state &^= Enabled
	}
}

// Registry is a set of collectors in named groups.
type Registry struct {
	sync.Mutex
	groups map[string][]*Collector
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	group string
	copts []CollectorOption
}

// WithGroup registers a collector in the named group.
func WithGroup(name string) RegisterOption {
	return func(o *registerOptions) {
		if name == "" {
			name = DefaultName
		}
		o.group = name
	}
}

// WithCollectorOptions registers a collector with the given options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *registerOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: map[string][]*Collector{},
	}
}

// Register adds a named collector to the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	o := &registerOptions{group: DefaultName}
	for _, opt := range opts {
		opt(o)
	}

	c := &Collector{
		collector: collector,
		name:      name,
		group:     o.group,
		state:     Enabled | NamespacePrefix | SubsystemPrefix,
	}
	for _, opt := range o.copts {
		opt(c)
	}

	r.Lock()
	defer r.Unlock()

	for _, other := range r.groups[c.group] {
		if other.name == c.name {
			return fmt.Errorf("%w: %s", ErrExists, c.Name())
		}
	}
	r.groups[c.group] = append(r.groups[c.group], c)

	log.Info("registered collector %q", c.Name())

	return nil
}

// MustRegister registers a collector, panicking on failure.
func (r *Registry) MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := r.Register(name, collector, opts...); err != nil {
		panic(err)
	}
}

// Collectors returns the qualified names of all registered collectors.
func (r *Registry) Collectors() []string {
	r.Lock()
	defer r.Unlock()

	var names []string
	for _, grp := range r.groups {
		for _, c := range grp {
			names = append(names, c.Name())
		}
	}
	slices.Sort(names)

	return names
}

// Configure enables the collectors matching any of the given globs and
// disables the rest. An empty list enables all collectors. It is an error
// if a glob matches no collector.
func (r *Registry) Configure(enabled []string) error {
	if len(enabled) == 0 {
		enabled = []string{"*"}
	}

	log.Info("enabling collectors [%s]", strings.Join(enabled, ","))

	r.Lock()
	defer r.Unlock()

	matched := map[string]struct{}{}
	for _, grp := range r.groups {
		for _, c := range grp {
			c.enable(false)
			for _, glob := range enabled {
				if c.Matches(glob) {
					matched[glob] = struct{}{}
					c.enable(true)
				}
			}
			log.Debug("collector %q now %s", c.Name(), c.state)
		}
	}

	var unmatched []string
	for _, glob := range enabled {
		if _, ok := matched[glob]; !ok {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return fmt.Errorf("%w %s", ErrUnmatched, strings.Join(unmatched, ", "))
	}

	return nil
}

// Gatherer gathers the enabled collectors of a registry.
type Gatherer struct {
	*prometheus.Registry
	namespace string
	enabled   []string
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the common namespace prefix of gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithMetrics sets the groups or collectors to enable.
func WithMetrics(enabled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
	}
}

// NewGatherer configures the registry and creates a gatherer for it.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
	}
	for _, o := range opts {
		o(g)
	}

	if err := r.Configure(g.enabled); err != nil {
		return nil, err
	}

	r.Lock()
	defer r.Unlock()

	ns := prefixedRegisterer(g.namespace, g.Registry)
	for name, grp := range r.groups {
		for _, c := range grp {
			reg := prometheus.Registerer(g.Registry)
			if c.state.NeedsNamespace() {
				reg = ns
			}
			if c.state.NeedsSubsystem() {
				reg = prefixedRegisterer(name, reg)
			}
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("metrics: failed to register %s: %w", c.Name(), err)
			}
		}
	}

	return g, nil
}

func prefixedRegisterer(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix == "" {
		return reg
	}
	return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
}

var (
	defaultRegistry = NewRegistry()
)

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return defaultRegistry.Register(name, collector, opts...)
}

// MustRegister registers a collector with the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	defaultRegistry.MustRegister(name, collector, opts...)
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return defaultRegistry.NewGatherer(opts...)
}
