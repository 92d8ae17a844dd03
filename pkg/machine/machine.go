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

// Package machine provides the emulated machine the kernel runs on: a flat
// physical memory array divided into fixed-size frames, address arithmetic
// for the page size and a serial console.
package machine

import (
	"fmt"
	"math/bits"
)

// Machine is the emulated hardware.
type Machine struct {
	pageSize     int
	numPhysPages int
	memory       []byte
}

// New creates a machine with numPhysPages frames of pageSize bytes.
func New(pageSize, numPhysPages int) (*Machine, error) {
	if pageSize <= 0 || bits.OnesCount(uint(pageSize)) != 1 {
		return nil, fmt.Errorf("machine: page size %d is not a power of two", pageSize)
	}
	if numPhysPages <= 0 {
		return nil, fmt.Errorf("machine: invalid number of physical pages %d", numPhysPages)
	}

	return &Machine{
		pageSize:     pageSize,
		numPhysPages: numPhysPages,
		memory:       make([]byte, pageSize*numPhysPages),
	}, nil
}

// PageSize returns the size of a page and of a frame in bytes.
func (m *Machine) PageSize() int {
	return m.pageSize
}

// NumPhysPages returns the number of physical frames.
func (m *Machine) NumPhysPages() int {
	return m.numPhysPages
}

// Memory returns the whole physical memory array.
func (m *Machine) Memory() []byte {
	return m.memory
}

// Frame returns the memory of the given physical frame.
func (m *Machine) Frame(frame int) []byte {
	if frame < 0 || frame >= m.numPhysPages {
		panic(fmt.Sprintf("machine: frame %d out of range [0, %d)", frame, m.numPhysPages))
	}
	start := frame * m.pageSize
	return m.memory[start : start+m.pageSize : start+m.pageSize]
}

// PageFromAddress returns the page number of a virtual address.
func (m *Machine) PageFromAddress(vaddr uint32) int {
	return int(vaddr / uint32(m.pageSize))
}

// OffsetFromAddress returns the offset of a virtual address within its page.
func (m *Machine) OffsetFromAddress(vaddr uint32) int {
	return int(vaddr % uint32(m.pageSize))
}

// MakeAddress returns the virtual address of offset within page.
func (m *Machine) MakeAddress(page, offset int) uint32 {
	return uint32(page)*uint32(m.pageSize) + uint32(offset)
}
