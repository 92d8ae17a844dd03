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

package kernel_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	cfgapi "github.com/nachosvm/nachos/pkg/apis/config/v1alpha1"
	"github.com/nachosvm/nachos/pkg/kernel"
	"github.com/nachosvm/nachos/pkg/machine"
	"github.com/nachosvm/nachos/pkg/vm"
)

const (
	pageSize = 128
	// scratch is the first stack page of every test program.
	scratch = pageSize
)

type program func(ctx context.Context, p *kernel.Process) error

type section struct{}

func (section) Name() string   { return ".text" }
func (section) FirstVPN() int  { return 0 }
func (section) Length() int    { return 1 }
func (section) ReadOnly() bool { return true }

func (section) LoadPage(_ int, dst []byte) error {
	for i := range dst {
		dst[i] = 0xcc
	}
	return nil
}

type executable struct {
	name string
}

func (e *executable) Name() string           { return e.name }
func (e *executable) Sections() []vm.Section { return []vm.Section{section{}} }
func (e *executable) EntryPoint() uint32     { return 0 }
func (e *executable) Close() error           { return nil }

// system is a fake loader and processor serving test programs by name.
type system struct {
	sync.Mutex
	programs map[string]program
}

func newSystem(programs map[string]program) *system {
	return &system{programs: programs}
}

func (s *system) Open(name string) (vm.Executable, error) {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.programs[name]; !ok {
		return nil, fmt.Errorf("no such program %q", name)
	}
	return &executable{name: name}, nil
}

func (s *system) Execute(ctx context.Context, p *kernel.Process) error {
	s.Lock()
	fn := s.programs[p.Name()]
	s.Unlock()
	return fn(ctx, p)
}

type testConfig func(*cfgapi.KernelConfigSpec)

func withSwap(t *testing.T) testConfig {
	path := filepath.Join(t.TempDir(), "test.swap")
	return func(cfg *cfgapi.KernelConfigSpec) {
		enabled := true
		cfg.Swap.Enabled = &enabled
		cfg.Swap.File = path
	}
}

func withShutdownTimeout(d time.Duration) testConfig {
	return func(cfg *cfgapi.KernelConfigSpec) {
		cfg.Process.ShutdownTimeout = metav1.Duration{Duration: d}
	}
}

func newKernel(t *testing.T, s *system, console *machine.Console, configs ...testConfig) *kernel.Kernel {
	disabled := false
	cfg := cfgapi.Default().Spec
	cfg.Machine.PageSize = pageSize
	cfg.Machine.PhysPages = 16
	cfg.Machine.VirtualPages = 16
	cfg.Process.StackPages = 2
	cfg.Swap.Enabled = &disabled
	for _, c := range configs {
		c(&cfg)
	}

	opts := []kernel.Option{
		kernel.WithLoader(s),
		kernel.WithProcessor(s),
		kernel.WithRandomSeed(1),
	}
	if console != nil {
		opts = append(opts, kernel.WithConsole(console))
	}

	k, err := kernel.New(&cfg, opts...)
	require.NoError(t, err)

	return k
}

// wait waits for the kernel to halt, failing the test on timeout.
func wait(t *testing.T, k *kernel.Kernel) error {
	select {
	case <-k.Done():
		return k.Wait()
	case <-time.After(10 * time.Second):
		require.FailNow(t, "kernel did not halt")
	}
	return nil
}

// poke writes data into the memory of p. It is called on process threads.
func poke(t *testing.T, p *kernel.Process, vaddr int, data []byte) {
	n := p.AddressSpace().WriteVirtualMemory(uint32(vaddr), data)
	assert.Equal(t, len(data), n)
}

// peek reads size bytes from the memory of p. It is called on process threads.
func peek(t *testing.T, p *kernel.Process, vaddr, size int) []byte {
	data := make([]byte, size)
	n := p.AddressSpace().ReadVirtualMemory(uint32(vaddr), data)
	assert.Equal(t, size, n)
	return data
}

// gather collects the metrics of c by name, qualified by label values.
func gather(t *testing.T, c prometheus.Collector) map[string]float64 {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			values[metricKey(f.GetName(), m)] = metricValue(m)
		}
	}
	return values
}

func metricKey(name string, m *dto.Metric) string {
	for _, l := range m.GetLabel() {
		name += "/" + l.GetValue()
	}
	return name
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	}
	return 0
}
