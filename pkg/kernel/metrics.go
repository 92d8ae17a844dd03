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

package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	processesDesc = prometheus.NewDesc(
		"processes",
		"Number of live processes by state.",
		[]string{"state"}, nil,
	)
	spawnedDesc = prometheus.NewDesc(
		"processes_spawned",
		"Number of processes started.",
		nil, nil,
	)
	exitedDesc = prometheus.NewDesc(
		"processes_exited",
		"Number of processes terminated.",
		nil, nil,
	)
	abortedDesc = prometheus.NewDesc(
		"processes_aborted",
		"Number of processes terminated by an error or panic.",
		nil, nil,
	)
)

// Collector exports process statistics of a kernel to prometheus.
type Collector struct {
	kernel *Kernel
}

// NewCollector creates a collector for the given kernel.
func NewCollector(k *Kernel) *Collector {
	return &Collector{kernel: k}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- processesDesc
	ch <- spawnedDesc
	ch <- exitedDesc
	ch <- abortedDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	k := c.kernel

	states := map[State]int{Runnable: 0, Running: 0}
	k.Lock()
	for _, p := range k.processes {
		states[p.State()]++
	}
	k.Unlock()

	for state, count := range states {
		ch <- prometheus.MustNewConstMetric(processesDesc, prometheus.GaugeValue,
			float64(count), state.String())
	}
	ch <- prometheus.MustNewConstMetric(spawnedDesc, prometheus.CounterValue, float64(k.spawned.Load()))
	ch <- prometheus.MustNewConstMetric(exitedDesc, prometheus.CounterValue, float64(k.exited.Load()))
	ch <- prometheus.MustNewConstMetric(abortedDesc, prometheus.CounterValue, float64(k.aborted.Load()))
}
