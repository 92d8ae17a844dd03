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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nachosvm/nachos/pkg/vm"
)

func openTestSwap(t *testing.T, options ...vm.SwapOption) *vm.SwapStore {
	t.Helper()
	s, err := vm.OpenSwap(filepath.Join(t.TempDir(), "test.swap"), testPageSize, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Teardown() })
	return s
}

func TestSwapSlotAllocation(t *testing.T) {
	s := openTestSwap(t)

	_, err := s.AllocateSlot(1, 0)
	require.ErrorIs(t, err, vm.ErrNotReserved)

	s.Reserve(1, 0)
	s.Reserve(1, 1)
	s.Reserve(2, 0)

	slot, err := s.AllocateSlot(1, 0)
	require.NoError(t, err)
	require.Equal(t, 0, slot)

	again, err := s.AllocateSlot(1, 0)
	require.NoError(t, err)
	require.Equal(t, slot, again, "a page must map to a single slot")

	s.Reserve(1, 0)
	require.Equal(t, 2, s.Stats().Reserved, "reserving a mapped page is a no-op")

	slot, err = s.AllocateSlot(1, 1)
	require.NoError(t, err)
	require.Equal(t, 1, slot)

	s.FreeSlot(1, 1)
	s.FreeSlot(1, 0)
	require.False(t, s.Has(1, 0))

	slot, err = s.AllocateSlot(2, 0)
	require.NoError(t, err)
	require.Equal(t, 1, slot, "freed slots must be recycled in FIFO order")

	s.Reserve(3, 0)
	slot, err = s.AllocateSlot(3, 0)
	require.NoError(t, err)
	require.Equal(t, 0, slot)

	s.Reserve(3, 1)
	slot, err = s.AllocateSlot(3, 1)
	require.NoError(t, err)
	require.Equal(t, 2, slot, "file must only grow without recycled slots")

	require.Equal(t, vm.SwapStats{Mapped: 3, HighWater: 3}, s.Stats())

	s.FreeSlot(9, 9)
	s.Reserve(4, 0)
	s.FreeSlot(4, 0)
	_, err = s.AllocateSlot(4, 0)
	require.ErrorIs(t, err, vm.ErrNotReserved, "freeing must drop a pending reservation")
}

func TestSwapRoundTrip(t *testing.T) {
	s := openTestSwap(t)

	pages := map[vm.PID][]byte{}
	for pid := vm.PID(1); pid <= 5; pid++ {
		pages[pid] = pattern(byte(pid), testPageSize)
		s.Reserve(pid, 3)
		n, err := s.WritePage(pid, 3, pages[pid], 0)
		require.NoError(t, err)
		require.Equal(t, testPageSize, n)
	}

	for pid, want := range pages {
		got, err := s.ReadPage(pid, 3)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	buf := append(make([]byte, 10), pattern(9, testPageSize)...)
	_, err := s.WritePage(2, 3, buf, 10)
	require.NoError(t, err)
	got, err := s.ReadPage(2, 3)
	require.NoError(t, err)
	require.Equal(t, pattern(9, testPageSize), got)

	st := s.Stats()
	require.Equal(t, 5, st.Mapped)
	require.Equal(t, 5, st.HighWater)
	require.Equal(t, uint64(6), st.Writes)
	require.Equal(t, uint64(6), st.Reads)
}

func TestSwapWriteShortPage(t *testing.T) {
	s := openTestSwap(t)
	s.Reserve(1, 0)

	_, err := s.WritePage(1, 0, make([]byte, testPageSize-1), 0)
	require.ErrorIs(t, err, vm.ErrShortPage)
	_, err = s.WritePage(1, 0, make([]byte, testPageSize), 1)
	require.ErrorIs(t, err, vm.ErrShortPage)
	require.False(t, s.Has(1, 0))

	_, err = s.WritePage(2, 0, make([]byte, testPageSize), 0)
	require.ErrorIs(t, err, vm.ErrNotReserved)
}

func TestSwapReadMissingIsZeroPage(t *testing.T) {
	s := openTestSwap(t)

	page, err := s.ReadPage(1, 0)
	require.ErrorIs(t, err, vm.ErrNoSlot)
	require.Equal(t, make([]byte, testPageSize), page)

	s.Reserve(1, 0)
	_, err = s.AllocateSlot(1, 0)
	require.NoError(t, err)

	page, err = s.ReadPage(1, 0)
	require.Error(t, err, "reading a never written slot is a short read")
	require.Equal(t, make([]byte, testPageSize), page)
	require.Equal(t, uint64(2), s.Stats().Failures)
}

func TestSwapExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.swap")

	s, err := vm.OpenSwap(path, testPageSize)
	require.NoError(t, err)

	_, err = vm.OpenSwap(path, testPageSize)
	require.ErrorIs(t, err, vm.ErrSwapBusy)

	require.NoError(t, s.Teardown())

	s, err = vm.OpenSwap(path, testPageSize)
	require.NoError(t, err)
	require.NoError(t, s.Teardown())
}

func TestSwapTeardown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.swap")
	s, err := vm.OpenSwap(path, testPageSize)
	require.NoError(t, err)

	s.Reserve(1, 0)
	_, err = s.WritePage(1, 0, pattern(1, testPageSize), 0)
	require.NoError(t, err)

	require.NoError(t, s.Teardown())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, s.Teardown(), "teardown must happen only once")

	page, err := s.ReadPage(1, 0)
	require.ErrorIs(t, err, vm.ErrSwapClosed)
	require.Equal(t, make([]byte, testPageSize), page)

	s.Reserve(1, 1)
	_, err = s.WritePage(1, 1, pattern(1, testPageSize), 0)
	require.ErrorIs(t, err, vm.ErrSwapClosed)
}

func TestSwapOptions(t *testing.T) {
	_, err := vm.OpenSwap(filepath.Join(t.TempDir(), "x"), testPageSize, vm.WithIOLimit(-1))
	require.ErrorIs(t, err, vm.ErrFailedOption)
	_, err = vm.OpenSwap(filepath.Join(t.TempDir(), "x"), testPageSize, vm.WithIODelay(-time.Second))
	require.ErrorIs(t, err, vm.ErrFailedOption)

	s := openTestSwap(t, vm.WithIOLimit(1000), vm.WithIODelay(time.Millisecond))
	s.Reserve(1, 0)

	start := time.Now()
	_, err = s.WritePage(1, 0, pattern(1, testPageSize), 0)
	require.NoError(t, err)
	_, err = s.ReadPage(1, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 2*time.Millisecond)
}
