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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

const (
	// ArgPointerSize is the size of an argv pointer.
	ArgPointerSize = 4
)

// AddressSpace is the virtual address space of a process, a linear page
// table indexed by virtual page number.
type AddressSpace struct {
	sync.Mutex
	pid       PID
	pager     *Pager
	pageSize  int
	pageTable []*Entry
	numPages  int
	initialPC uint32
	initialSP uint32
	argc      int
	argv      uint32
	released  bool
}

type accessMode int

const (
	readAccess accessMode = iota
	writeAccess
	loadAccess
)

// NewAddressSpace creates an empty address space of numVirtualPages pages
// for a process.
func NewAddressSpace(pid PID, pager *Pager, numVirtualPages int) (*AddressSpace, error) {
	if pager == nil {
		return nil, fmt.Errorf("%w: address space needs a pager", ErrFailedOption)
	}
	if numVirtualPages <= 0 {
		return nil, fmt.Errorf("%w: invalid number of virtual pages %d", ErrFailedOption, numVirtualPages)
	}

	return &AddressSpace{
		pid:       pid,
		pager:     pager,
		pageSize:  pager.Machine().PageSize(),
		pageTable: make([]*Entry, numVirtualPages),
	}, nil
}

// PID returns the process of the address space.
func (as *AddressSpace) PID() PID {
	return as.pid
}

// NumPages returns the number of allocated pages.
func (as *AddressSpace) NumPages() int {
	as.Lock()
	defer as.Unlock()
	return as.numPages
}

// InitialPC returns the entry point of the loaded program.
func (as *AddressSpace) InitialPC() uint32 {
	return as.initialPC
}

// InitialSP returns the initial stack pointer of the loaded program.
func (as *AddressSpace) InitialSP() uint32 {
	return as.initialSP
}

// Argc returns the number of program arguments.
func (as *AddressSpace) Argc() int {
	return as.argc
}

// Argv returns the virtual address of the program argument vector.
func (as *AddressSpace) Argv() uint32 {
	return as.argv
}

// Lookup returns a copy of the entry of a virtual page.
func (as *AddressSpace) Lookup(vpn int) (Entry, bool) {
	return as.pager.Frames().Lookup(as.pid, vpn)
}

// Allocate backs pageCount pages starting at startPage with zero-filled
// frames. If any page cannot be allocated, all pages allocated by this call
// are released and an error is returned.
func (as *AddressSpace) Allocate(startPage, pageCount int, readOnly bool) error {
	as.Lock()
	defer as.Unlock()

	return as.allocate(startPage, pageCount, readOnly)
}

func (as *AddressSpace) allocate(startPage, pageCount int, readOnly bool) error {
	if as.released {
		return ErrReleased
	}
	if startPage < 0 || pageCount < 0 || startPage+pageCount > len(as.pageTable) {
		return fmt.Errorf("%w: pages [%d, %d) out of %d", ErrNoVirtualMem,
			startPage, startPage+pageCount, len(as.pageTable))
	}

	allocated := make([]int, 0, pageCount)
	rollback := func() {
		as.pager.Unmap(as.pid, allocated...)
		for _, vpn := range allocated {
			as.pageTable[vpn] = nil
		}
		as.numPages -= len(allocated)
	}

	for vpn := startPage; vpn < startPage+pageCount; vpn++ {
		if as.pageTable[vpn] != nil {
			rollback()
			return fmt.Errorf("%w: pid %d/page #%d", ErrExists, as.pid, vpn)
		}

		e := &Entry{VPN: vpn, ReadOnly: readOnly}
		if err := as.pager.Map(as.pid, e); err != nil {
			rollback()
			log.Warn("pid %d: failed to allocate pages [%d, %d): %v", as.pid,
				startPage, startPage+pageCount, err)
			return err
		}

		as.pageTable[vpn] = e
		as.numPages++
		allocated = append(allocated, vpn)
	}

	return nil
}

// ReadVirtualMemory copies memory starting at vaddr into data. It stops at
// the first page which is not mapped and returns the number of bytes copied.
func (as *AddressSpace) ReadVirtualMemory(vaddr uint32, data []byte) int {
	return as.transfer(vaddr, data, readAccess)
}

// WriteVirtualMemory copies data into memory starting at vaddr. It stops at
// the first page which is not mapped or is read-only and returns the number
// of bytes copied.
func (as *AddressSpace) WriteVirtualMemory(vaddr uint32, data []byte) int {
	return as.transfer(vaddr, data, writeAccess)
}

// ReadVirtualMemoryString reads a NUL-terminated string of at most
// maxLength bytes, excluding the terminator, starting at vaddr. It returns
// false if no terminator is found.
func (as *AddressSpace) ReadVirtualMemoryString(vaddr uint32, maxLength int) (string, bool) {
	if maxLength < 0 {
		return "", false
	}

	buf := make([]byte, maxLength+1)
	n := as.ReadVirtualMemory(vaddr, buf)

	if idx := bytes.IndexByte(buf[:n], 0); idx >= 0 {
		return string(buf[:idx]), true
	}
	return "", false
}

// WriteBack merges translation state written back by the processor, such
// as a dirty bit, into the entry of the page.
func (as *AddressSpace) WriteBack(e Entry) error {
	return as.pager.Frames().UpdateDirty(as.pid, e)
}

// Load lays out an executable in the address space: its sections from page
// zero on, followed by stackPages pages of stack and a single page for the
// program arguments. On failure the address space is released.
func (as *AddressSpace) Load(exe Executable, args []string, stackPages int) (err error) {
	as.Lock()
	defer as.Unlock()

	defer func() {
		if err != nil {
			as.release()
		}
	}()

	if as.released {
		return ErrReleased
	}
	if as.numPages != 0 {
		return fmt.Errorf("%w: pid %d already loaded", ErrExists, as.pid)
	}

	numPages := 0
	for _, s := range exe.Sections() {
		if s.FirstVPN() != numPages {
			return fmt.Errorf("%w: %s section %s at page %d, expected %d", ErrFragmented,
				exe.Name(), s.Name(), s.FirstVPN(), numPages)
		}
		numPages += s.Length()
	}

	argsSize := 0
	for _, arg := range args {
		argsSize += ArgPointerSize + len(arg) + 1
	}
	if argsSize > as.pageSize {
		return fmt.Errorf("%w: %d bytes of arguments, page size %d", ErrArgsTooLong, argsSize, as.pageSize)
	}

	if total := numPages + stackPages + 1; total > len(as.pageTable) {
		return fmt.Errorf("%w: %s needs %d pages, have %d", ErrNoVirtualMem, exe.Name(),
			total, len(as.pageTable))
	}

	for _, s := range exe.Sections() {
		if err := as.allocate(s.FirstVPN(), s.Length(), s.ReadOnly()); err != nil {
			return fmt.Errorf("%w: %s section %s: %w", ErrNoMem, exe.Name(), s.Name(), err)
		}
	}
	if err := as.allocate(numPages, stackPages, false); err != nil {
		return fmt.Errorf("%w: %s stack: %w", ErrNoMem, exe.Name(), err)
	}
	numPages += stackPages
	as.initialSP = uint32(numPages * as.pageSize)

	if err := as.allocate(numPages, 1, false); err != nil {
		return fmt.Errorf("%w: %s arguments: %w", ErrNoMem, exe.Name(), err)
	}
	argPage := numPages

	page := make([]byte, as.pageSize)
	for _, s := range exe.Sections() {
		log.Debug("pid %d: loading %s section %s (%d pages)", as.pid, exe.Name(), s.Name(), s.Length())
		for spn := range s.Length() {
			clear(page)
			if err := s.LoadPage(spn, page); err != nil {
				return fmt.Errorf("%w: %s section %s page %d: %w", ErrSectionLoad,
					exe.Name(), s.Name(), spn, err)
			}
			vaddr := uint32((s.FirstVPN() + spn) * as.pageSize)
			if n := as.transfer(vaddr, page, loadAccess); n != len(page) {
				return fmt.Errorf("%w: %s section %s page %d: short copy", ErrSectionLoad,
					exe.Name(), s.Name(), spn)
			}
		}
	}

	entryOffset := uint32(argPage * as.pageSize)
	stringOffset := entryOffset + uint32(len(args)*ArgPointerSize)

	as.initialPC = exe.EntryPoint()
	as.argc = len(args)
	as.argv = entryOffset

	ptr := make([]byte, ArgPointerSize)
	for _, arg := range args {
		binary.LittleEndian.PutUint32(ptr, stringOffset)
		if n := as.transfer(entryOffset, ptr, loadAccess); n != len(ptr) {
			return fmt.Errorf("%w: failed to write argv", ErrInternalError)
		}
		entryOffset += ArgPointerSize

		str := append([]byte(arg), 0)
		if n := as.transfer(stringOffset, str, loadAccess); n != len(str) {
			return fmt.Errorf("%w: failed to write argument", ErrInternalError)
		}
		stringOffset += uint32(len(str))
	}

	log.Info("pid %d: loaded %s, %d pages, entry 0x%x, sp 0x%x, %d arguments",
		as.pid, exe.Name(), as.numPages, as.initialPC, as.initialSP, as.argc)

	return nil
}

// Release frees all frames and swap slots of the address space. Releasing
// an address space more than once is a no-op.
func (as *AddressSpace) Release() {
	as.Lock()
	defer as.Unlock()

	as.release()
}

func (as *AddressSpace) release() {
	if as.released {
		return
	}

	vpns := make([]int, 0, as.numPages)
	for vpn, e := range as.pageTable {
		if e != nil {
			vpns = append(vpns, vpn)
			as.pageTable[vpn] = nil
		}
	}

	as.pager.Unmap(as.pid, vpns...)
	as.numPages = 0
	as.released = true

	log.Debug("pid %d: released %d pages", as.pid, len(vpns))
}

// transfer copies between data and memory starting at vaddr, page by page,
// until data is exhausted or a page cannot be accessed.
func (as *AddressSpace) transfer(vaddr uint32, data []byte, mode accessMode) int {
	var (
		pageSize = uint64(as.pageSize)
		amount   = 0
	)

	for amount < len(data) {
		addr := uint64(vaddr) + uint64(amount)
		if addr > math.MaxUint32 {
			break
		}

		vpn := int(addr / pageSize)
		offset := int(addr % pageSize)
		if vpn >= len(as.pageTable) {
			break
		}

		n := min(as.pageSize-offset, len(data)-amount)
		chunk := data[amount : amount+n]

		if !as.access(vpn, mode, func(frame []byte) {
			if mode == readAccess {
				copy(chunk, frame[offset:offset+n])
			} else {
				copy(frame[offset:offset+n], chunk)
			}
		}) {
			break
		}

		amount += n
	}

	return amount
}

// access runs fn on the frame of a virtual page, paging it in if it has
// been swapped out. It returns false if the page cannot be accessed.
func (as *AddressSpace) access(vpn int, mode accessMode, fn func([]byte)) bool {
	var (
		machine = as.pager.Machine()
		swapped = false
	)

	do := func(e *Entry) error {
		if !e.Valid {
			swapped = e.Swapped
			return ErrInvalidPage
		}
		if mode == writeAccess && e.ReadOnly {
			return ErrReadOnly
		}
		fn(machine.Frame(e.Frame))
		e.Used = true
		if mode != readAccess {
			e.Dirty = true
		}
		return nil
	}

	err := as.pager.Frames().Do(as.pid, vpn, do)
	if err == nil {
		return true
	}
	if !swapped {
		if !errors.Is(err, ErrUnknownPage) {
			log.Debug("pid %d: access to page #%d failed: %v", as.pid, vpn, err)
		}
		return false
	}

	if err := as.pager.PageIn(as.pid, vpn, do); err != nil {
		if errors.Is(err, ErrReadOnly) {
			log.Debug("pid %d: access to page #%d failed: %v", as.pid, vpn, err)
		} else {
			log.Error("pid %d: failed to page in page #%d: %v", as.pid, vpn, err)
		}
		return false
	}

	return true
}
