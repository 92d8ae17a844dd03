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
	"strings"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	_ sdktrace.SpanExporter = (*logExporter)(nil)
)

// logExporter emits finished spans as debug log messages.
type logExporter struct{}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if !log.DebugEnabled() {
		return nil
	}

	for _, s := range spans {
		attrs := make([]string, 0, len(s.Attributes()))
		for _, a := range s.Attributes() {
			attrs = append(attrs, string(a.Key)+"="+a.Value.Emit())
		}
		log.Debug("span %s %s: %s (%s) [%s]", s.SpanContext().TraceID(), s.Name(),
			s.EndTime().Sub(s.StartTime()), s.Status().Code, strings.Join(attrs, " "))
	}

	return nil
}

func (e *logExporter) Shutdown(context.Context) error {
	return nil
}
