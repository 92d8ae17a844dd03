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

package instrumentation

// Config provides runtime configuration for instrumentation.
type Config struct {
	// HTTPEndpoint is the address our HTTP server listens on. This endpoint is used
	// to expose Prometheus metrics and health checks. Empty disables the server.
	// +optional
	// +kubebuilder:example=":8891"
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
	// Metrics lists the metrics groups to collect. An empty list enables all
	// groups. The known groups are
	//   - vm: frame table, swap and paging statistics
	//   - kernel: process lifecycle statistics
	// +optional
	Metrics []string `json:"metrics,omitempty"`
	// Tracing enables span recording around process lifecycle and paging
	// operations.
	// +optional
	Tracing bool `json:"tracing,omitempty"`
}
