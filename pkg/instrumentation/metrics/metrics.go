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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nachosvm/nachos/pkg/http"
	logger "github.com/nachosvm/nachos/pkg/log"
	"github.com/nachosvm/nachos/pkg/metrics"
)

// Option is an option for metrics exporting.
type Option func()

var (
	namespace = "nachos"
	enabled   []string
	registry  = metrics.Default()
	log       = logger.Get("metrics")
)

// WithNamespace sets a common namespace (prefix) for all metrics.
func WithNamespace(v string) Option {
	return func() {
		namespace = v
	}
}

// WithMetrics sets the enabled metrics groups or collectors. An empty list
// enables all of them.
func WithMetrics(v []string) Option {
	return func() {
		enabled = v
	}
}

// WithRegistry sets the registry to export metrics from.
func WithRegistry(r *metrics.Registry) Option {
	return func() {
		registry = r
	}
}

// Start exporting metrics on /metrics of the given request multiplexer.
func Start(m *http.ServeMux, opts ...Option) error {
	for _, opt := range opts {
		opt()
	}

	if m == nil {
		log.Info("no mux provided, metrics exporting disabled")
		return nil
	}

	g, err := registry.NewGatherer(
		metrics.WithNamespace(namespace),
		metrics.WithMetrics(enabled),
	)
	if err != nil {
		return err
	}

	m.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))

	log.Info("exporting metrics %v with namespace %q", registry.Collectors(), namespace)

	return nil
}
