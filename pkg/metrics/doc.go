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

// Package metrics groups prometheus collectors into a registry, enables
// them selectively by name or glob and gathers the enabled ones under a
// common namespace.
//
// Collectors are registered by name into groups. The metrics of a collector
// are prefixed with the name of its group and the namespace of the gatherer
// unless registered otherwise:
//
//	r := metrics.NewRegistry()
//	r.MustRegister("paging", vm.NewCollector(pager), metrics.WithGroup("vm"))
//	g, err := r.NewGatherer(metrics.WithNamespace("nachos"), metrics.WithMetrics([]string{"vm"}))
//	...
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
