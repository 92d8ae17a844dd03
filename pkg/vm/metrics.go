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

package vm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports frame table, swap and paging statistics to prometheus.
type Collector struct {
	pager *Pager
	descs map[string]*prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a collector for the given pager.
func NewCollector(p *Pager) *Collector {
	c := &Collector{
		pager: p,
		descs: map[string]*prometheus.Desc{},
	}

	for name, help := range map[string]string{
		"frames":           "Number of physical frames.",
		"frames_used":      "Number of physical frames occupied by pages.",
		"frames_reserved":  "Number of physical frames reserved by in-flight paging.",
		"frames_free":      "Number of free physical frames.",
		"pages":            "Number of pages registered by all processes.",
		"page_faults":      "Number of pages brought back in from swap.",
		"evictions":        "Number of pages evicted from physical memory.",
		"swap_ins":         "Number of pages read from swap.",
		"swap_outs":        "Number of pages written to swap.",
		"swap_slots":       "Number of swap slots mapped to pages.",
		"swap_reserved":    "Number of pages reserved for a swap slot.",
		"swap_free_slots":  "Number of recycled swap slots available.",
		"swap_high_water":  "Number of swap slots ever allocated.",
		"swap_io_failures": "Number of failed swap transfers.",
	} {
		c.descs[name] = prometheus.NewDesc(name, help, nil, nil)
	}

	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var (
		fs = c.pager.Frames().Stats()
		ps = c.pager.Stats()
		ss SwapStats
	)
	if swap := c.pager.Swap(); swap != nil {
		ss = swap.Stats()
	}

	gauge := func(name string, value int) {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.GaugeValue, float64(value))
	}
	counter := func(name string, value uint64) {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(value))
	}

	gauge("frames", fs.Frames)
	gauge("frames_used", fs.Used)
	gauge("frames_reserved", fs.Reserved)
	gauge("frames_free", fs.Free)
	gauge("pages", fs.Pages)
	counter("page_faults", ps.Faults)
	counter("evictions", ps.Evictions)
	counter("swap_ins", ps.SwapIns)
	counter("swap_outs", ps.SwapOuts)
	gauge("swap_slots", ss.Mapped)
	gauge("swap_reserved", ss.Reserved)
	gauge("swap_free_slots", ss.Free)
	gauge("swap_high_water", ss.HighWater)
	counter("swap_io_failures", ss.Failures)
}
