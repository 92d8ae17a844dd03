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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KeyValue is a span attribute.
type KeyValue = attribute.KeyValue

const (
	tracerName = "github.com/nachosvm/nachos"
)

// Span traces a single kernel or paging operation. A nil or disabled Span
// ignores every call, so callers never need to check whether tracing is on.
type Span struct {
	otel trace.Span
}

// StartSpan starts a Span as a child of any Span in ctx. It must be ended
// with End.
func StartSpan(ctx context.Context, name string, attrs ...KeyValue) (context.Context, *Span) {
	if !enabled() {
		return ctx, &Span{}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Span{otel: span}
}

// Add attaches attributes learned after the Span was started.
func (s *Span) Add(attrs ...KeyValue) {
	if s.disabled() {
		return
	}
	s.otel.SetAttributes(attrs...)
}

// End records the outcome of the operation and ends the Span.
func (s *Span) End(err error) {
	if s.disabled() {
		return
	}

	if err != nil {
		s.otel.RecordError(err)
		s.otel.SetStatus(codes.Error, err.Error())
	} else {
		s.otel.SetStatus(codes.Ok, "")
	}

	s.otel.End()
}

func (s *Span) disabled() bool {
	return s == nil || s.otel == nil
}

// PID tags a span with the process it acts for.
func PID(pid int) KeyValue {
	return attribute.Int("pid", pid)
}

// Parent tags a span with the parent of a new process.
func Parent(pid int) KeyValue {
	return attribute.Int("parent", pid)
}

// Child tags a span with the child a process waits for.
func Child(pid int) KeyValue {
	return attribute.Int("child", pid)
}

// Program tags a span with the executable a process runs.
func Program(name string) KeyValue {
	return attribute.String("program", name)
}

// VPN tags a span with a virtual page number.
func VPN(vpn int) KeyValue {
	return attribute.Int("vpn", vpn)
}

// Frame tags a span with a physical frame number.
func Frame(frame int) KeyValue {
	return attribute.Int("frame", frame)
}

// Dirty tags an eviction with whether the page had to be written to swap.
func Dirty(dirty bool) KeyValue {
	return attribute.Bool("dirty", dirty)
}

// String returns a free-form string attribute, used for service identity.
func String(key, value string) KeyValue {
	return attribute.String(key, value)
}
