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

package tracing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	logger "github.com/nachosvm/nachos/pkg/log"
)

// Option represents an option which can be applied to tracing.
type Option func(*tracing) error

type tracing struct {
	sync.Mutex
	service  string
	identity []attribute.KeyValue
	sampling float64
	exporter sdktrace.SpanExporter
	provider *sdktrace.TracerProvider
}

var (
	log = logger.Get("tracing")
	trc = &tracing{
		service:  filepath.Base(os.Args[0]),
		sampling: 1.0,
	}
)

const (
	// timeout for shutting down exporters and providers
	shutdownTimeout = 5 * time.Second
)

// WithSamplingRatio sets the given sampling ratio.
func WithSamplingRatio(ratio float64) Option {
	return func(t *tracing) error {
		if ratio < 0.0 || ratio > 1.0 {
			return fmt.Errorf("invalid sampling ratio %f", ratio)
		}
		t.sampling = ratio
		return nil
	}
}

// WithServiceName sets the service name reported for tracing.
func WithServiceName(name string) Option {
	return func(t *tracing) error {
		t.service = name
		return nil
	}
}

// WithIdentity sets extra tracing resource/identity attributes.
func WithIdentity(attributes ...KeyValue) Option {
	return func(t *tracing) error {
		t.identity = attributes
		return nil
	}
}

// WithExporter sets the exporter spans are sent to. By default finished
// spans are logged.
func WithExporter(exporter sdktrace.SpanExporter) Option {
	return func(t *tracing) error {
		t.exporter = exporter
		return nil
	}
}

// Start tracing.
func Start(options ...Option) error {
	return trc.start(options...)
}

// Stop tracing, flushing any pending spans.
func Stop() {
	trc.shutdown()
}

func (t *tracing) start(options ...Option) error {
	t.shutdown()

	t.Lock()
	defer t.Unlock()

	for _, opt := range options {
		if err := opt(t); err != nil {
			return fmt.Errorf("failed to set tracing option: %w", err)
		}
	}

	if t.sampling == 0.0 {
		log.Info("tracing disabled, sampling ratio is 0.0")
		return nil
	}

	if t.exporter == nil {
		t.exporter = &logExporter{}
	}

	res := resource.NewSchemaless(
		append(
			[]attribute.KeyValue{
				attribute.String("service.name", t.service),
				attribute.Int64("process.pid", int64(os.Getpid())),
			},
			t.identity...,
		)...,
	)

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSyncer(t.exporter),
		sdktrace.WithSampler(
			sdktrace.TraceIDRatioBased(t.sampling),
		),
	)

	otel.SetTracerProvider(t.provider)
	log.Info("tracing started (sampling ratio %.2f)", t.sampling)

	return nil
}

func (t *tracing) shutdown() {
	t.Lock()
	defer t.Unlock()

	if t.provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := t.provider.ForceFlush(ctx); err != nil {
		log.Errorf("failed to flush tracer provider: %v", err)
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		log.Errorf("failed to shutdown tracer provider: %v", err)
	}

	t.provider = nil
	t.exporter = nil
}

func enabled() bool {
	trc.Lock()
	defer trc.Unlock()
	return trc.provider != nil
}
