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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nachosvm/nachos/pkg/instrumentation/tracing"
	"github.com/nachosvm/nachos/pkg/machine"
)

// Pager moves pages between physical memory and swap. It hands out frames
// to pages, evicting random victims when memory runs out, and pages swapped
// out pages back in. All paging operations are serialized by the Pager.
type Pager struct {
	sync.Mutex
	machine   *machine.Machine
	frames    *FrameTable
	swap      *SwapStore
	faults    atomic.Uint64
	evictions atomic.Uint64
	swapIns   atomic.Uint64
	swapOuts  atomic.Uint64
}

// PagerStats is a snapshot of paging activity.
type PagerStats struct {
	Faults    uint64
	Evictions uint64
	SwapIns   uint64
	SwapOuts  uint64
}

// NewPager creates a pager for the given machine, frame table and swap
// store. Without swap, allocations fail once physical memory is exhausted.
func NewPager(m *machine.Machine, frames *FrameTable, swap *SwapStore) (*Pager, error) {
	if m == nil || frames == nil {
		return nil, fmt.Errorf("%w: pager needs a machine and a frame table", ErrFailedOption)
	}
	if frames.NumFrames() != m.NumPhysPages() {
		return nil, fmt.Errorf("%w: %d frames for %d physical pages", ErrFailedOption,
			frames.NumFrames(), m.NumPhysPages())
	}
	if swap != nil && swap.PageSize() != m.PageSize() {
		return nil, fmt.Errorf("%w: swap page size %d, machine page size %d", ErrFailedOption,
			swap.PageSize(), m.PageSize())
	}

	return &Pager{
		machine: m,
		frames:  frames,
		swap:    swap,
	}, nil
}

// Machine returns the machine of the pager.
func (p *Pager) Machine() *machine.Machine {
	return p.machine
}

// Frames returns the frame table of the pager.
func (p *Pager) Frames() *FrameTable {
	return p.frames
}

// Swap returns the swap store of the pager, nil if swap is disabled.
func (p *Pager) Swap() *SwapStore {
	return p.swap
}

// Map registers a new page of a process and backs it with a zero-filled
// frame. The entry must not be valid. On failure the page is unregistered.
func (p *Pager) Map(pid PID, e *Entry) error {
	if e == nil || e.Valid {
		return fmt.Errorf("%w: cannot map %s", ErrInternalError, e)
	}

	p.Lock()
	defer p.Unlock()

	if err := p.frames.Insert(pid, e); err != nil {
		return err
	}

	frame, err := p.getFrame()
	if err != nil {
		p.frames.Remove(pid, e.VPN)
		return err
	}

	clear(p.machine.Frame(frame))

	if err := p.frames.Claim(frame, pid, e); err != nil {
		if derr := p.frames.Discard(frame); derr != nil {
			log.Error("failed to discard frame #%d: %v", frame, derr)
		}
		p.frames.Remove(pid, e.VPN)
		return err
	}

	if p.swap != nil {
		p.swap.Reserve(pid, e.VPN)
	}

	return nil
}

// PageIn brings a swapped out page of a process back into memory, then
// runs fn, if given, on the page before any other paging can take place.
// Paging in a present page only runs fn.
func (p *Pager) PageIn(pid PID, vpn int, fn func(*Entry) error) (err error) {
	p.Lock()
	defer p.Unlock()

	var (
		e       *Entry
		present bool
	)
	err = p.frames.Do(pid, vpn, func(entry *Entry) error {
		e, present = entry, entry.Valid
		if !present && !entry.Swapped {
			return fmt.Errorf("%w: pid %d/page #%d", ErrNotSwapped, pid, vpn)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !present {
		if err = p.pageIn(pid, e); err != nil {
			return err
		}
	}

	if fn == nil {
		return nil
	}
	return p.frames.Do(pid, vpn, fn)
}

func (p *Pager) pageIn(pid PID, e *Entry) (err error) {
	p.faults.Add(1)

	_, span := tracing.StartSpan(context.Background(), "page-in", tracing.PID(int(pid)), tracing.VPN(e.VPN))
	defer func() {
		span.End(err)
	}()

	frame, err := p.getFrame()
	if err != nil {
		return err
	}

	mem := p.machine.Frame(frame)
	if p.swap != nil {
		page, rerr := p.swap.ReadPage(pid, e.VPN)
		if rerr != nil {
			log.Error("page-in of pid %d/page #%d: %v", pid, e.VPN, rerr)
		}
		copy(mem, page)
		p.swapIns.Add(1)
	} else {
		clear(mem)
	}

	if err = p.frames.Claim(frame, pid, e); err != nil {
		if derr := p.frames.Discard(frame); derr != nil {
			log.Error("failed to discard frame #%d: %v", frame, derr)
		}
		return err
	}

	log.Debug("paged in pid %d/page #%d to frame #%d", pid, e.VPN, frame)

	return nil
}

// Unmap unregisters pages of a process, freeing their frames and swap slots.
func (p *Pager) Unmap(pid PID, vpns ...int) {
	p.Lock()
	defer p.Unlock()

	for _, vpn := range vpns {
		p.frames.Remove(pid, vpn)
		if p.swap != nil {
			p.swap.FreeSlot(pid, vpn)
		}
	}
}

// Stats returns a snapshot of paging activity.
func (p *Pager) Stats() PagerStats {
	return PagerStats{
		Faults:    p.faults.Load(),
		Evictions: p.evictions.Load(),
		SwapIns:   p.swapIns.Load(),
		SwapOuts:  p.swapOuts.Load(),
	}
}

// getFrame returns a reserved frame, evicting a victim if no frame is free.
// Must be called with the pager locked.
func (p *Pager) getFrame() (int, error) {
	frame, err := p.frames.Reserve()
	if err == nil {
		return frame, nil
	}
	if !errors.Is(err, ErrNoFrame) {
		return -1, err
	}
	if p.swap == nil {
		return -1, fmt.Errorf("%w: %w (swap disabled)", ErrNoMem, err)
	}

	return p.evict()
}

// evict detaches a victim from its frame and writes it out to swap unless
// swap already holds an up-to-date copy. The frame is returned reserved.
func (p *Pager) evict() (frame int, err error) {
	_, span := tracing.StartSpan(context.Background(), "evict")
	defer func() {
		span.End(err)
	}()

	v, err := p.frames.Evict()
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrNoMem, err)
	}

	span.Add(tracing.PID(int(v.PID)), tracing.VPN(v.VPN), tracing.Frame(v.Frame), tracing.Dirty(v.Dirty))

	if v.Dirty || !p.swap.Has(v.PID, v.VPN) {
		p.swap.Reserve(v.PID, v.VPN)
		if _, err := p.swap.WritePage(v.PID, v.VPN, p.machine.Frame(v.Frame), 0); err != nil {
			if rerr := p.frames.Restore(v); rerr != nil {
				log.Error("failed to restore victim pid %d/page #%d: %v", v.PID, v.VPN, rerr)
			}
			return -1, fmt.Errorf("%w: failed to swap out pid %d/page #%d: %w",
				ErrNoMem, v.PID, v.VPN, err)
		}
		p.swapOuts.Add(1)
	}

	p.evictions.Add(1)
	log.Debug("evicted pid %d/page #%d from frame #%d (dirty: %v)", v.PID, v.VPN, v.Frame, v.Dirty)

	return v.Frame, nil
}
