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
	"strings"
)

// PID identifies a process.
type PID int

// Entry is a page table entry. The same Entry is shared by the owning
// AddressSpace and the FrameTable. Its fields must only be accessed with
// the FrameTable lock held, see FrameTable.Do.
type Entry struct {
	// VPN is the virtual page number of the entry.
	VPN int
	// Frame is the physical frame backing the page, if Valid.
	Frame int
	// Valid is true if the page is present in physical memory.
	Valid bool
	// ReadOnly is true if the page must not be written by the process.
	ReadOnly bool
	// Used is set when the page is accessed.
	Used bool
	// Dirty is set when the page is written.
	Dirty bool
	// Swapped is true if the swap store holds a copy of the page.
	Swapped bool
}

// String returns a string representation of the entry.
func (e *Entry) String() string {
	if e == nil {
		return "<nil entry>"
	}

	flags := []string{}
	for _, f := range []struct {
		set  bool
		name string
	}{
		{e.Valid, "valid"},
		{e.ReadOnly, "read-only"},
		{e.Used, "used"},
		{e.Dirty, "dirty"},
		{e.Swapped, "swapped"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}

	if e.Valid {
		return fmt.Sprintf("page #%d => frame #%d (%s)", e.VPN, e.Frame, strings.Join(flags, ","))
	}
	return fmt.Sprintf("page #%d (%s)", e.VPN, strings.Join(flags, ","))
}

type key struct {
	pid PID
	vpn int
}

func (k key) String() string {
	return fmt.Sprintf("pid %d/page #%d", k.pid, k.vpn)
}
