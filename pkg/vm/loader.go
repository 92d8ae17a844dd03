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

// Section is a loadable section of an executable.
type Section interface {
	// Name returns the name of the section.
	Name() string
	// FirstVPN returns the first virtual page of the section.
	FirstVPN() int
	// Length returns the length of the section in pages.
	Length() int
	// ReadOnly returns true if the section must not be written.
	ReadOnly() bool
	// LoadPage copies page spn of the section into dst, which is one page.
	LoadPage(spn int, dst []byte) error
}

// Executable is a program image ready for loading into an AddressSpace.
type Executable interface {
	// Name returns the name of the executable.
	Name() string
	// Sections returns the loadable sections of the executable.
	Sections() []Section
	// EntryPoint returns the initial program counter.
	EntryPoint() uint32
	// Close releases the executable.
	Close() error
}
