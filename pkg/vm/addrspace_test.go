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
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nachosvm/nachos/pkg/vm"
)

func TestAllocateRollback(t *testing.T) {
	v := newTestVM(t, 4, false)

	as1 := v.newAddressSpace(t, 1, 8)
	require.NoError(t, as1.Allocate(0, 3, false))
	require.Equal(t, 3, as1.NumPages())

	as2 := v.newAddressSpace(t, 2, 8)
	err := as2.Allocate(0, 2, false)
	require.ErrorIs(t, err, vm.ErrNoMem)
	require.Equal(t, 0, as2.NumPages())

	st := v.frames.Stats()
	require.Equal(t, 3, st.Used)
	require.Equal(t, 3, st.Pages)
	for vpn := range 2 {
		_, ok := as2.Lookup(vpn)
		require.False(t, ok, "page #%d of a failed allocation must not stay registered", vpn)
	}
	require.NoError(t, v.frames.Verify())

	require.NoError(t, as2.Allocate(0, 1, false))
	require.Equal(t, 4, v.frames.Stats().Used)

	require.ErrorIs(t, as1.Allocate(2, 1, false), vm.ErrExists)
	require.ErrorIs(t, as1.Allocate(6, 3, false), vm.ErrNoVirtualMem)
	require.Equal(t, 3, as1.NumPages())
	require.NoError(t, v.frames.Verify())
}

func TestAllocatedPagesAreZeroed(t *testing.T) {
	v := newTestVM(t, 2, false)

	as := v.newAddressSpace(t, 1, 4)
	require.NoError(t, as.Allocate(0, 2, false))
	require.Equal(t, 2*testPageSize, as.WriteVirtualMemory(0, pattern(1, 2*testPageSize)))
	as.Release()

	as = v.newAddressSpace(t, 2, 4)
	require.NoError(t, as.Allocate(0, 2, false))
	data := pattern(3, 2*testPageSize)
	require.Equal(t, len(data), as.ReadVirtualMemory(0, data))
	require.Equal(t, make([]byte, len(data)), data)
}

func TestReadWriteAcrossPages(t *testing.T) {
	v := newTestVM(t, 8, false)

	as := v.newAddressSpace(t, 1, 8)
	require.NoError(t, as.Allocate(0, 4, false))

	data := pattern(5, 2*testPageSize+10)
	vaddr := uint32(testPageSize/2 + 3)
	require.Equal(t, len(data), as.WriteVirtualMemory(vaddr, data))

	got := make([]byte, len(data))
	require.Equal(t, len(data), as.ReadVirtualMemory(vaddr, got))
	require.Equal(t, data, got)

	for vpn := range 3 {
		e, ok := as.Lookup(vpn)
		require.True(t, ok)
		require.True(t, e.Dirty, "page #%d", vpn)
		require.True(t, e.Used, "page #%d", vpn)
	}
	e, _ := as.Lookup(3)
	require.False(t, e.Dirty)

	tail := make([]byte, 2*testPageSize)
	require.Equal(t, testPageSize, as.ReadVirtualMemory(3*testPageSize, tail))
	require.Equal(t, 0, as.ReadVirtualMemory(8*testPageSize, tail))
	require.Equal(t, 0, as.ReadVirtualMemory(0xffffffff, tail))
	require.Equal(t, 0, as.WriteVirtualMemory(0, nil))
}

func TestReadStopsAtInvalidPage(t *testing.T) {
	v := newTestVM(t, 8, false)

	as := v.newAddressSpace(t, 1, 8)
	require.NoError(t, as.Allocate(0, 1, false))
	require.NoError(t, as.Allocate(2, 1, false))

	first := pattern(1, testPageSize)
	require.Equal(t, testPageSize, as.WriteVirtualMemory(0, first))
	require.Equal(t, testPageSize, as.WriteVirtualMemory(2*testPageSize, pattern(2, testPageSize)))

	data := make([]byte, 3*testPageSize)
	n := as.ReadVirtualMemory(0, data)
	require.Equal(t, testPageSize, n)
	require.Equal(t, first, data[:n])
	require.Equal(t, make([]byte, 2*testPageSize), data[n:])

	require.Equal(t, testPageSize, as.WriteVirtualMemory(0, make([]byte, 3*testPageSize)))
}

func TestReadOnlyPages(t *testing.T) {
	v := newTestVM(t, 4, false)

	as := v.newAddressSpace(t, 1, 4)
	require.NoError(t, as.Allocate(0, 1, false))
	require.NoError(t, as.Allocate(1, 1, true))

	data := pattern(1, 2*testPageSize)
	require.Equal(t, testPageSize, as.WriteVirtualMemory(0, data))
	require.Equal(t, 0, as.WriteVirtualMemory(testPageSize, data))

	e, _ := as.Lookup(1)
	require.False(t, e.Dirty)
	require.Equal(t, testPageSize, as.ReadVirtualMemory(testPageSize, data))
}

func TestReadVirtualMemoryString(t *testing.T) {
	v := newTestVM(t, 4, false)

	as := v.newAddressSpace(t, 1, 4)
	require.NoError(t, as.Allocate(0, 2, false))

	vaddr := uint32(testPageSize - 3)
	as.WriteVirtualMemory(vaddr, []byte("hello\x00world"))

	str, ok := as.ReadVirtualMemoryString(vaddr, 256)
	require.True(t, ok)
	require.Equal(t, "hello", str)

	str, ok = as.ReadVirtualMemoryString(vaddr, 5)
	require.True(t, ok)
	require.Equal(t, "hello", str)

	_, ok = as.ReadVirtualMemoryString(vaddr, 4)
	require.False(t, ok)

	unterminated := make([]byte, 2*testPageSize-int(vaddr))
	for i := range unterminated {
		unterminated[i] = 'x'
	}
	require.Equal(t, len(unterminated), as.WriteVirtualMemory(vaddr, unterminated))
	_, ok = as.ReadVirtualMemoryString(vaddr, 256)
	require.False(t, ok, "string running off mapped memory")
}

func TestEvictionAndPageIn(t *testing.T) {
	v := newTestVM(t, 4, true)

	as1 := v.newAddressSpace(t, 1, 8)
	require.NoError(t, as1.Allocate(0, 4, false))
	data1 := pattern(10, 4*testPageSize)
	require.Equal(t, len(data1), as1.WriteVirtualMemory(0, data1))

	as2 := v.newAddressSpace(t, 2, 8)
	require.NoError(t, as2.Allocate(0, 3, false))
	data2 := pattern(20, 3*testPageSize)
	require.Equal(t, len(data2), as2.WriteVirtualMemory(0, data2))

	st := v.frames.Stats()
	require.Equal(t, 4, st.Used)
	require.Equal(t, 7, st.Pages)
	require.GreaterOrEqual(t, v.pager.Stats().Evictions, uint64(3))
	require.NoError(t, v.frames.Verify())

	for round := range 3 {
		got1 := make([]byte, len(data1))
		require.Equal(t, len(data1), as1.ReadVirtualMemory(0, got1), "round %d", round)
		require.Equal(t, data1, got1, "round %d", round)

		got2 := make([]byte, len(data2))
		require.Equal(t, len(data2), as2.ReadVirtualMemory(0, got2), "round %d", round)
		require.Equal(t, data2, got2, "round %d", round)
	}

	ps := v.pager.Stats()
	require.Greater(t, ps.Faults, uint64(0))
	require.Equal(t, ps.Faults, ps.SwapIns)
	require.LessOrEqual(t, ps.SwapOuts, ps.Evictions)
	require.NoError(t, v.frames.Verify())

	as1.Release()
	as2.Release()
	require.Equal(t, vm.FrameStats{Frames: 4, Free: 4}, v.frames.Stats())
	ss := v.swap.Stats()
	require.Equal(t, 0, ss.Mapped)
	require.Equal(t, 0, ss.Reserved)
	require.Equal(t, ss.HighWater, ss.Free)
}

func TestExhaustionWithoutSwap(t *testing.T) {
	v := newTestVM(t, 2, false)

	as := v.newAddressSpace(t, 1, 4)
	require.NoError(t, as.Allocate(0, 2, false))
	err := as.Allocate(2, 1, false)
	require.ErrorIs(t, err, vm.ErrNoMem)
	require.ErrorIs(t, err, vm.ErrNoFrame)
}

func TestWriteBack(t *testing.T) {
	v := newTestVM(t, 4, false)

	as := v.newAddressSpace(t, 1, 4)
	require.NoError(t, as.Allocate(0, 1, false))

	e, _ := as.Lookup(0)
	require.False(t, e.Dirty)

	e.Dirty = true
	require.NoError(t, as.WriteBack(e))
	e, _ = as.Lookup(0)
	require.True(t, e.Dirty)

	require.ErrorIs(t, as.WriteBack(vm.Entry{VPN: 3}), vm.ErrUnknownPage)
}

func TestRelease(t *testing.T) {
	v := newTestVM(t, 4, true)

	as := v.newAddressSpace(t, 1, 8)
	require.NoError(t, as.Allocate(0, 3, false))
	require.Equal(t, 3, v.swap.Stats().Reserved)

	as.Release()
	as.Release()

	require.Equal(t, vm.FrameStats{Frames: 4, Free: 4}, v.frames.Stats())
	require.Equal(t, 0, v.swap.Stats().Reserved)
	require.Equal(t, 0, as.NumPages())
	require.Equal(t, 0, as.ReadVirtualMemory(0, make([]byte, 8)))
	require.ErrorIs(t, as.Allocate(0, 1, false), vm.ErrReleased)
}

func TestLoad(t *testing.T) {
	const stackPages = 2

	v := newTestVM(t, 8, true)
	as := v.newAddressSpace(t, 1, 16)

	exe := &testExecutable{
		entry: 0x10,
		sections: []vm.Section{
			&testSection{name: ".text", firstVPN: 0, length: 2, readOnly: true, fill: 0x40},
			&testSection{name: ".data", firstVPN: 2, length: 1, fill: 0x80},
		},
	}
	args := []string{"echo", "hi", ""}

	require.NoError(t, as.Load(exe, args, stackPages))
	require.Equal(t, 3+stackPages+1, as.NumPages())
	require.Equal(t, uint32(0x10), as.InitialPC())
	require.Equal(t, uint32((3+stackPages)*testPageSize), as.InitialSP())
	require.Equal(t, 3, as.Argc())
	require.Equal(t, as.InitialSP(), as.Argv())

	page := make([]byte, testPageSize)
	require.Equal(t, testPageSize, as.ReadVirtualMemory(testPageSize, page))
	for _, b := range page {
		require.Equal(t, byte(0x41), b)
	}
	require.Equal(t, 0, as.WriteVirtualMemory(0, []byte{1}), "text must be read-only")
	require.Equal(t, 1, as.WriteVirtualMemory(2*testPageSize, []byte{1}), "data must be writable")

	argv := make([]byte, len(args)*vm.ArgPointerSize)
	require.Equal(t, len(argv), as.ReadVirtualMemory(as.Argv(), argv))
	for i, want := range args {
		ptr := binary.LittleEndian.Uint32(argv[i*vm.ArgPointerSize:])
		got, ok := as.ReadVirtualMemoryString(ptr, 256)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	first := binary.LittleEndian.Uint32(argv)
	require.Equal(t, as.Argv()+uint32(len(argv)), first)
}

func TestLoadFailures(t *testing.T) {
	for _, tc := range []struct {
		name     string
		sections []vm.Section
		args     []string
		physical int
		virtual  int
		expect   error
	}{
		{
			name: "fragmented",
			sections: []vm.Section{
				&testSection{name: ".text", firstVPN: 0, length: 1},
				&testSection{name: ".data", firstVPN: 2, length: 1},
			},
			expect: vm.ErrFragmented,
		},
		{
			name: "not starting at page zero",
			sections: []vm.Section{
				&testSection{name: ".text", firstVPN: 1, length: 1},
			},
			expect: vm.ErrFragmented,
		},
		{
			name: "arguments too long",
			sections: []vm.Section{
				&testSection{name: ".text", firstVPN: 0, length: 1},
			},
			args:   []string{string(make([]byte, testPageSize-4))},
			expect: vm.ErrArgsTooLong,
		},
		{
			name: "out of virtual pages",
			sections: []vm.Section{
				&testSection{name: ".text", firstVPN: 0, length: 6},
			},
			virtual: 8,
			expect:  vm.ErrNoVirtualMem,
		},
		{
			name: "out of physical memory",
			sections: []vm.Section{
				&testSection{name: ".text", firstVPN: 0, length: 3},
			},
			physical: 2,
			expect:   vm.ErrNoMem,
		},
		{
			name: "section load error",
			sections: []vm.Section{
				&testSection{name: ".text", firstVPN: 0, length: 1},
				&testSection{name: ".data", firstVPN: 1, length: 1, err: errors.New("corrupt")},
			},
			expect: vm.ErrSectionLoad,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if tc.physical == 0 {
				tc.physical = 8
			}
			if tc.virtual == 0 {
				tc.virtual = 16
			}

			v := newTestVM(t, tc.physical, false)
			as := v.newAddressSpace(t, 1, tc.virtual)

			err := as.Load(&testExecutable{sections: tc.sections}, tc.args, 2)
			require.ErrorIs(t, err, tc.expect)
			require.Equal(t, 0, as.NumPages())
			require.Equal(t, vm.FrameStats{Frames: tc.physical, Free: tc.physical}, v.frames.Stats())
		})
	}
}
