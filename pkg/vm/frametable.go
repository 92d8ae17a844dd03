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
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// FrameTable is the inverted page table of physical memory. It maps every
// physical frame to the (process, page) currently occupying it and keeps a
// registry of all pages of all processes.
type FrameTable struct {
	sync.Mutex
	slots   []slot
	pages   map[key]*Entry
	free    []int
	used    int
	rng     *rand.Rand
	retries int
}

type slot struct {
	pid      PID
	entry    *Entry
	reserved bool
}

// Victim is a page evicted from its frame. The frame stays reserved for the
// evictor until it is claimed, discarded, or given back with Restore.
type Victim struct {
	PID   PID
	VPN   int
	Entry *Entry
	Frame int
	// Dirty and Swapped are the state of the page before eviction.
	Dirty   bool
	Swapped bool
}

// FrameStats is a snapshot of frame table usage.
type FrameStats struct {
	Frames   int
	Used     int
	Reserved int
	Free     int
	Pages    int
}

// FrameTableOption is an opaque option for a FrameTable.
type FrameTableOption func(*FrameTable) error

const (
	// DefaultVictimRetries is the number of random probes for a victim before
	// falling back to a linear sweep.
	DefaultVictimRetries = 8
)

// WithRandomSeed is an option to seed victim selection.
func WithRandomSeed(seed int64) FrameTableOption {
	return func(t *FrameTable) error {
		t.rng = rand.New(rand.NewSource(seed))
		return nil
	}
}

// WithVictimRetries is an option to set the number of random probes for
// a victim before falling back to a linear sweep.
func WithVictimRetries(retries int) FrameTableOption {
	return func(t *FrameTable) error {
		if retries < 0 {
			return fmt.Errorf("invalid number of victim retries %d", retries)
		}
		t.retries = retries
		return nil
	}
}

// NewFrameTable creates a frame table for the given number of frames.
func NewFrameTable(numFrames int, options ...FrameTableOption) (*FrameTable, error) {
	if numFrames <= 0 {
		return nil, fmt.Errorf("%w: invalid number of frames %d", ErrFailedOption, numFrames)
	}

	t := &FrameTable{
		slots:   make([]slot, numFrames),
		pages:   make(map[key]*Entry),
		free:    make([]int, 0, numFrames),
		retries: DefaultVictimRetries,
	}
	for frame := range numFrames {
		t.free = append(t.free, frame)
	}

	for _, o := range options {
		if err := o(t); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	if t.rng == nil {
		t.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return t, nil
}

// NumFrames returns the number of frames in the table.
func (t *FrameTable) NumFrames() int {
	return len(t.slots)
}

// Insert registers the page of a process. If the entry is valid, its frame
// is claimed for the page. Registering a page twice fails with ErrExists,
// claiming an occupied frame fails with ErrFrameClaimed. A failed Insert
// leaves the table unchanged.
func (t *FrameTable) Insert(pid PID, e *Entry) error {
	if e == nil {
		return fmt.Errorf("%w: nil entry for pid %d", ErrInternalError, pid)
	}

	t.Lock()
	defer t.Unlock()

	k := key{pid, e.VPN}
	if _, ok := t.pages[k]; ok {
		return fmt.Errorf("%w: %s", ErrExists, k)
	}

	if e.Valid {
		if err := t.claim(e.Frame, pid, e, false); err != nil {
			return err
		}
	}

	t.pages[k] = e

	return nil
}

// Remove unregisters the page of a process, freeing its frame if the page
// is present. It returns the removed entry, marked invalid, and true, or
// nil and false if the page is not registered.
func (t *FrameTable) Remove(pid PID, vpn int) (*Entry, bool) {
	t.Lock()
	defer t.Unlock()

	k := key{pid, vpn}
	e, ok := t.pages[k]
	if !ok {
		return nil, false
	}

	delete(t.pages, k)

	if e.Valid {
		if t.slots[e.Frame].entry == e {
			t.release(e.Frame)
		} else {
			log.Error("internal error: %s frame #%d owned by another page", k, e.Frame)
		}
		e.Valid = false
	}

	return e, true
}

// UpdateDirty merges translation state written back by the processor into
// the registered entry of the page. If the frame of the page has changed,
// the old frame is freed and the new one claimed.
func (t *FrameTable) UpdateDirty(pid PID, upd Entry) error {
	t.Lock()
	defer t.Unlock()

	k := key{pid, upd.VPN}
	e, ok := t.pages[k]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPage, k)
	}

	if !e.Valid {
		log.Debug("ignoring stale writeback for non-present %s", k)
		return nil
	}

	if upd.Valid && upd.Frame != e.Frame {
		if err := t.checkFrame(upd.Frame); err != nil {
			return err
		}
		if s := &t.slots[upd.Frame]; s.entry != nil || s.reserved {
			return fmt.Errorf("%w: frame #%d for %s", ErrFrameClaimed, upd.Frame, k)
		}
		t.release(e.Frame)
		e.Valid = false
		if err := t.claim(upd.Frame, pid, e, false); err != nil {
			return err
		}
	}

	e.Dirty = e.Dirty || upd.Dirty
	e.Used = e.Used || upd.Used

	return nil
}

// SelectVictim picks a random occupied frame and returns its owner. The
// victim stays in place; use Evict to also detach it.
func (t *FrameTable) SelectVictim() (PID, *Entry, error) {
	t.Lock()
	defer t.Unlock()

	frame, err := t.pickVictim()
	if err != nil {
		return 0, nil, err
	}

	s := &t.slots[frame]
	return s.pid, s.entry, nil
}

// Reserve takes a frame off the free list and reserves it for the caller.
// It fails with ErrNoFrame if no frame is free.
func (t *FrameTable) Reserve() (int, error) {
	t.Lock()
	defer t.Unlock()

	if len(t.free) == 0 {
		return -1, ErrNoFrame
	}

	frame := t.free[0]
	t.free = t.free[1:]
	t.slots[frame].reserved = true

	return frame, nil
}

// Evict selects a victim, detaches it from its frame and reserves the frame
// for the caller. The victim page is marked invalid and swapped, so that
// any later access pages it back in.
func (t *FrameTable) Evict() (Victim, error) {
	t.Lock()
	defer t.Unlock()

	frame, err := t.pickVictim()
	if err != nil {
		return Victim{}, err
	}

	s := &t.slots[frame]
	e := s.entry
	v := Victim{
		PID:     s.pid,
		VPN:     e.VPN,
		Entry:   e,
		Frame:   frame,
		Dirty:   e.Dirty,
		Swapped: e.Swapped,
	}

	e.Valid = false
	e.Used = false
	e.Dirty = false
	e.Swapped = true

	s.pid = 0
	s.entry = nil
	s.reserved = true
	t.used--

	return v, nil
}

// Restore gives an evicted frame back to its victim, undoing Evict.
func (t *FrameTable) Restore(v Victim) error {
	t.Lock()
	defer t.Unlock()

	k := key{v.PID, v.VPN}
	if e, ok := t.pages[k]; !ok || e != v.Entry {
		t.unreserve(v.Frame)
		return fmt.Errorf("%w: %s", ErrUnknownPage, k)
	}

	if err := t.claim(v.Frame, v.PID, v.Entry, true); err != nil {
		return err
	}

	v.Entry.Dirty = v.Dirty
	v.Entry.Swapped = v.Swapped

	return nil
}

// Claim assigns a reserved frame to the registered page of a process. The
// page becomes valid, clean and unused.
func (t *FrameTable) Claim(frame int, pid PID, e *Entry) error {
	t.Lock()
	defer t.Unlock()

	k := key{pid, e.VPN}
	if registered, ok := t.pages[k]; !ok || registered != e {
		return fmt.Errorf("%w: %s", ErrUnknownPage, k)
	}
	if e.Valid {
		return fmt.Errorf("%w: %s already present in frame #%d", ErrInternalError, k, e.Frame)
	}

	if err := t.claim(frame, pid, e, true); err != nil {
		return err
	}

	e.Used = false
	e.Dirty = false

	return nil
}

// Discard puts a reserved frame back on the free list.
func (t *FrameTable) Discard(frame int) error {
	t.Lock()
	defer t.Unlock()

	if err := t.checkFrame(frame); err != nil {
		return err
	}
	if !t.slots[frame].reserved {
		return fmt.Errorf("%w: frame #%d is not reserved", ErrInternalError, frame)
	}

	t.unreserve(frame)

	return nil
}

// Do runs fn with the registered entry of the page and the table locked.
func (t *FrameTable) Do(pid PID, vpn int, fn func(*Entry) error) error {
	t.Lock()
	defer t.Unlock()

	k := key{pid, vpn}
	e, ok := t.pages[k]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPage, k)
	}

	return fn(e)
}

// Lookup returns a copy of the registered entry of the page.
func (t *FrameTable) Lookup(pid PID, vpn int) (Entry, bool) {
	t.Lock()
	defer t.Unlock()

	e, ok := t.pages[key{pid, vpn}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Stats returns a snapshot of frame table usage.
func (t *FrameTable) Stats() FrameStats {
	t.Lock()
	defer t.Unlock()

	reserved := 0
	for _, s := range t.slots {
		if s.reserved {
			reserved++
		}
	}

	return FrameStats{
		Frames:   len(t.slots),
		Used:     t.used,
		Reserved: reserved,
		Free:     len(t.free),
		Pages:    len(t.pages),
	}
}

// Verify checks the consistency of the table. Every occupied frame must be
// owned by exactly one valid registered page, and every valid registered
// page must own its frame.
func (t *FrameTable) Verify() error {
	t.Lock()
	defer t.Unlock()

	var (
		errs     *multierror.Error
		used     int
		reserved int
		isFree   = make([]bool, len(t.slots))
	)

	for _, frame := range t.free {
		if isFree[frame] {
			errs = multierror.Append(errs, fmt.Errorf("frame #%d freed twice", frame))
		}
		isFree[frame] = true
	}

	for frame, s := range t.slots {
		switch {
		case s.entry != nil:
			used++
			k := key{s.pid, s.entry.VPN}
			if !s.entry.Valid || s.entry.Frame != frame {
				errs = multierror.Append(errs, fmt.Errorf("frame #%d: stale owner %s %s", frame, k, s.entry))
			}
			if t.pages[k] != s.entry {
				errs = multierror.Append(errs, fmt.Errorf("frame #%d: unregistered owner %s", frame, k))
			}
			if isFree[frame] || s.reserved {
				errs = multierror.Append(errs, fmt.Errorf("frame #%d: occupied but free or reserved", frame))
			}
		case s.reserved:
			reserved++
			if isFree[frame] {
				errs = multierror.Append(errs, fmt.Errorf("frame #%d: reserved but free", frame))
			}
		default:
			if !isFree[frame] {
				errs = multierror.Append(errs, fmt.Errorf("frame #%d: leaked", frame))
			}
		}
	}

	if used != t.used {
		errs = multierror.Append(errs, fmt.Errorf("%d frames in use, %d accounted for", used, t.used))
	}
	if used+reserved+len(t.free) != len(t.slots) {
		errs = multierror.Append(errs, fmt.Errorf("%d used + %d reserved + %d free != %d frames",
			used, reserved, len(t.free), len(t.slots)))
	}

	for k, e := range t.pages {
		if !e.Valid {
			continue
		}
		if e.Frame < 0 || e.Frame >= len(t.slots) || t.slots[e.Frame].entry != e {
			errs = multierror.Append(errs, fmt.Errorf("%s: valid but does not own frame #%d", k, e.Frame))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: inconsistent frame table: %w", ErrInternalError, err)
	}

	return nil
}

func (t *FrameTable) checkFrame(frame int) error {
	if frame < 0 || frame >= len(t.slots) {
		return fmt.Errorf("%w: #%d (have %d frames)", ErrInvalidFrame, frame, len(t.slots))
	}
	return nil
}

// claim assigns frame to the page. The frame must be reserved if reserved
// is true, and free otherwise. Must be called with the lock held.
func (t *FrameTable) claim(frame int, pid PID, e *Entry, reserved bool) error {
	if err := t.checkFrame(frame); err != nil {
		return err
	}

	s := &t.slots[frame]
	switch {
	case s.entry != nil:
		return fmt.Errorf("%w: frame #%d owned by %s", ErrFrameClaimed, frame, key{s.pid, s.entry.VPN})
	case s.reserved && !reserved:
		return fmt.Errorf("%w: frame #%d is reserved", ErrFrameClaimed, frame)
	case !s.reserved && reserved:
		return fmt.Errorf("%w: frame #%d is not reserved", ErrInternalError, frame)
	}

	if !reserved {
		idx := slices.Index(t.free, frame)
		if idx < 0 {
			return fmt.Errorf("%w: free frame #%d not on free list", ErrInternalError, frame)
		}
		t.free = slices.Delete(t.free, idx, idx+1)
	}

	s.pid = pid
	s.entry = e
	s.reserved = false
	t.used++

	e.Valid = true
	e.Frame = frame

	return nil
}

// release frees an occupied frame. Must be called with the lock held.
func (t *FrameTable) release(frame int) {
	s := &t.slots[frame]
	s.pid = 0
	s.entry = nil
	s.reserved = false
	t.used--
	t.free = append(t.free, frame)
}

// unreserve frees a reserved frame. Must be called with the lock held.
func (t *FrameTable) unreserve(frame int) {
	if t.checkFrame(frame) != nil || !t.slots[frame].reserved {
		return
	}
	t.slots[frame].reserved = false
	t.free = append(t.free, frame)
}

// pickVictim samples frames uniformly at random for a bounded number of
// times, then sweeps linearly from a random start. Must be called with the
// lock held.
func (t *FrameTable) pickVictim() (int, error) {
	if t.used == 0 {
		return -1, ErrNoVictim
	}

	n := len(t.slots)
	for range t.retries {
		if frame := t.rng.Intn(n); t.slots[frame].entry != nil {
			return frame, nil
		}
	}

	start := t.rng.Intn(n)
	for i := range n {
		if frame := (start + i) % n; t.slots[frame].entry != nil {
			return frame, nil
		}
	}

	return -1, fmt.Errorf("%w: %d frames in use but none found", ErrInternalError, t.used)
}

func (s *slot) describe() string {
	return fmt.Sprintf("pid %d %s", s.pid, s.entry)
}
