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

package vm_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nachosvm/nachos/pkg/machine"
	"github.com/nachosvm/nachos/pkg/vm"
)

const (
	testPageSize = 64
)

type testVM struct {
	machine *machine.Machine
	frames  *vm.FrameTable
	swap    *vm.SwapStore
	pager   *vm.Pager
}

func newTestVM(t *testing.T, physPages int, withSwap bool) *testVM {
	t.Helper()

	m, err := machine.New(testPageSize, physPages)
	require.NoError(t, err)

	frames, err := vm.NewFrameTable(physPages, vm.WithRandomSeed(1))
	require.NoError(t, err)

	var swap *vm.SwapStore
	if withSwap {
		swap, err = vm.OpenSwap(filepath.Join(t.TempDir(), "test.swap"), testPageSize)
		require.NoError(t, err)
		t.Cleanup(func() { _ = swap.Teardown() })
	}

	pager, err := vm.NewPager(m, frames, swap)
	require.NoError(t, err)

	return &testVM{
		machine: m,
		frames:  frames,
		swap:    swap,
		pager:   pager,
	}
}

func (v *testVM) newAddressSpace(t *testing.T, pid vm.PID, virtualPages int) *vm.AddressSpace {
	t.Helper()
	as, err := vm.NewAddressSpace(pid, v.pager, virtualPages)
	require.NoError(t, err)
	return as
}

func pattern(seed byte, size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = seed + byte(i*7)
	}
	return data
}

type testSection struct {
	name     string
	firstVPN int
	length   int
	readOnly bool
	fill     byte
	err      error
}

func (s *testSection) Name() string   { return s.name }
func (s *testSection) FirstVPN() int  { return s.firstVPN }
func (s *testSection) Length() int    { return s.length }
func (s *testSection) ReadOnly() bool { return s.readOnly }

func (s *testSection) LoadPage(spn int, dst []byte) error {
	if s.err != nil {
		return s.err
	}
	for i := range dst {
		dst[i] = s.fill + byte(spn)
	}
	return nil
}

type testExecutable struct {
	sections []vm.Section
	entry    uint32
}

func (e *testExecutable) Name() string           { return "test.coff" }
func (e *testExecutable) Sections() []vm.Section { return e.sections }
func (e *testExecutable) EntryPoint() uint32     { return e.entry }
func (e *testExecutable) Close() error           { return nil }
