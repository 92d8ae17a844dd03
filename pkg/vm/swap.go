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
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// SwapStore keeps evicted pages in a backing file, one page per slot. A
// slot is allocated for a page lazily, when the page is first written out,
// and only if the page has been reserved beforehand. Freed slots are
// recycled in FIFO order before the file is grown.
type SwapStore struct {
	sync.Mutex
	path     string
	file     *os.File
	pageSize int
	slots    map[key]int
	reserved map[key]struct{}
	free     []int
	next     int
	limiter  *rate.Limiter
	delay    time.Duration
	closed   bool
	once     sync.Once
	err      error
	reads    uint64
	writes   uint64
	failures uint64
}

// SwapStats is a snapshot of swap store usage.
type SwapStats struct {
	Mapped    int
	Reserved  int
	Free      int
	HighWater int
	Reads     uint64
	Writes    uint64
	Failures  uint64
}

// SwapOption is an opaque option for a SwapStore.
type SwapOption func(*SwapStore) error

// WithIOLimit is an option to limit swap page transfers per second.
func WithIOLimit(iops int) SwapOption {
	return func(s *SwapStore) error {
		switch {
		case iops < 0:
			return fmt.Errorf("invalid swap IOPS limit %d", iops)
		case iops == 0:
			s.limiter = nil
		default:
			s.limiter = rate.NewLimiter(rate.Limit(iops), 1)
		}
		return nil
	}
}

// WithIODelay is an option to add latency to every swap page transfer.
func WithIODelay(delay time.Duration) SwapOption {
	return func(s *SwapStore) error {
		if delay < 0 {
			return fmt.Errorf("invalid swap delay %s", delay)
		}
		s.delay = delay
		return nil
	}
}

// OpenSwap creates a swap store backed by the file at path. The file is
// created or truncated, and locked for exclusive use until Teardown.
func OpenSwap(path string, pageSize int, options ...SwapOption) (*SwapStore, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("%w: invalid swap page size %d", ErrFailedOption, pageSize)
	}

	s := &SwapStore{
		path:     path,
		pageSize: pageSize,
		slots:    make(map[key]int),
		reserved: make(map[key]struct{}),
	}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open swap file %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrSwapBusy, path)
		}
		return nil, errors.Wrapf(err, "failed to lock swap file %s", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to truncate swap file %s", path)
	}

	s.file = f
	swaplog.Info("opened swap file %s (page size %d)", path, pageSize)

	return s, nil
}

// Path returns the path of the backing file.
func (s *SwapStore) Path() string {
	return s.path
}

// PageSize returns the size of a swap slot.
func (s *SwapStore) PageSize() int {
	return s.pageSize
}

// Reserve marks the page of a process eligible for a swap slot. A page
// which already has a slot is left alone.
func (s *SwapStore) Reserve(pid PID, vpn int) {
	s.Lock()
	defer s.Unlock()

	k := key{pid, vpn}
	if _, ok := s.slots[k]; ok {
		return
	}
	s.reserved[k] = struct{}{}
}

// AllocateSlot returns the slot of the page, allocating one for a reserved
// page. Recycled slots are used before growing the file. It fails with
// ErrNotReserved for a page which has neither a slot nor a reservation.
func (s *SwapStore) AllocateSlot(pid PID, vpn int) (int, error) {
	s.Lock()
	defer s.Unlock()

	return s.allocateSlot(key{pid, vpn})
}

func (s *SwapStore) allocateSlot(k key) (int, error) {
	if s.closed {
		return -1, ErrSwapClosed
	}
	if slot, ok := s.slots[k]; ok {
		return slot, nil
	}
	if _, ok := s.reserved[k]; !ok {
		return -1, fmt.Errorf("%w: %s", ErrNotReserved, k)
	}

	var slot int
	if len(s.free) > 0 {
		slot = s.free[0]
		s.free = s.free[1:]
	} else {
		slot = s.next
		s.next++
	}

	delete(s.reserved, k)
	s.slots[k] = slot

	swaplog.Debug("allocated slot #%d for %s", slot, k)

	return slot, nil
}

// FreeSlot releases the slot and any reservation of the page. Freeing an
// unknown page is a no-op.
func (s *SwapStore) FreeSlot(pid PID, vpn int) {
	s.Lock()
	defer s.Unlock()

	k := key{pid, vpn}
	delete(s.reserved, k)

	slot, ok := s.slots[k]
	if !ok {
		return
	}

	delete(s.slots, k)
	s.free = append(s.free, slot)

	swaplog.Debug("freed slot #%d of %s", slot, k)
}

// Has returns true if the page has a swap slot.
func (s *SwapStore) Has(pid PID, vpn int) bool {
	s.Lock()
	defer s.Unlock()

	_, ok := s.slots[key{pid, vpn}]
	return ok
}

// ReadPage reads the page from its swap slot. A full page is always
// returned. If the page has no slot or it cannot be read, the page is
// zero-filled and the failure is returned as an error.
func (s *SwapStore) ReadPage(pid PID, vpn int) ([]byte, error) {
	page := make([]byte, s.pageSize)

	s.throttle()

	s.Lock()
	defer s.Unlock()

	k := key{pid, vpn}

	if s.closed {
		s.failures++
		return page, ErrSwapClosed
	}

	slot, ok := s.slots[k]
	if !ok {
		s.failures++
		swaplog.Error("no swap slot for %s, using zero page", k)
		return page, fmt.Errorf("%w: %s", ErrNoSlot, k)
	}

	offset := int64(slot) * int64(s.pageSize)
	n, err := s.file.ReadAt(page, offset)
	if n < s.pageSize {
		clear(page)
		s.failures++
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		err = errors.Wrapf(err, "short swap read of %s from slot #%d (offset %d, %d bytes)",
			k, slot, offset, n)
		swaplog.Error("%v, using zero page", err)
		return page, err
	}

	s.reads++

	return page, nil
}

// WritePage writes one page of data, starting at offset, to the swap slot
// of the page, allocating a slot if necessary. It returns the number of
// bytes written.
func (s *SwapStore) WritePage(pid PID, vpn int, data []byte, offset int) (int, error) {
	if offset < 0 || len(data)-offset < s.pageSize {
		return 0, fmt.Errorf("%w: %d bytes at offset %d, need %d",
			ErrShortPage, len(data), offset, s.pageSize)
	}

	s.throttle()

	s.Lock()
	defer s.Unlock()

	k := key{pid, vpn}
	slot, err := s.allocateSlot(k)
	if err != nil {
		return 0, err
	}

	pos := int64(slot) * int64(s.pageSize)
	n, err := s.file.WriteAt(data[offset:offset+s.pageSize], pos)
	if err != nil {
		s.failures++
		return n, errors.Wrapf(err, "swap write of %s to slot #%d (offset %d) failed", k, slot, pos)
	}

	s.writes++

	return n, nil
}

// Stats returns a snapshot of swap store usage.
func (s *SwapStore) Stats() SwapStats {
	s.Lock()
	defer s.Unlock()

	return SwapStats{
		Mapped:    len(s.slots),
		Reserved:  len(s.reserved),
		Free:      len(s.free),
		HighWater: s.next,
		Reads:     s.reads,
		Writes:    s.writes,
		Failures:  s.failures,
	}
}

// Teardown closes and removes the backing file. Only the first call has
// any effect; later calls return the result of the first one.
func (s *SwapStore) Teardown() error {
	s.once.Do(func() {
		s.Lock()
		defer s.Unlock()

		var errs *multierror.Error

		s.closed = true
		if err := s.file.Close(); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "failed to close swap file %s", s.path))
		}
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			errs = multierror.Append(errs, errors.Wrapf(err, "failed to remove swap file %s", s.path))
		}

		s.slots = make(map[key]int)
		s.reserved = make(map[key]struct{})
		s.free = nil

		s.err = errs.ErrorOrNil()
		swaplog.Info("swap file %s torn down", s.path)
	})

	return s.err
}

func (s *SwapStore) throttle() {
	if s.limiter != nil {
		if err := s.limiter.Wait(context.Background()); err != nil {
			swaplog.Warn("swap I/O throttling failed: %v", err)
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
}
