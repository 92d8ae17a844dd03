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

package programs

import (
	"encoding/binary"

	"github.com/nachosvm/nachos/pkg/kernel"
)

const (
	stdin  = 0
	stdout = 1

	wordSize = 4
)

// User is the user-mode view of a process. It passes arguments to system
// calls through the stack of the process, the way compiled programs do.
type User struct {
	p      *kernel.Process
	bottom uint32
	sp     uint32
}

func newUser(p *kernel.Process) *User {
	as := p.AddressSpace()
	bottom := uint32(0)
	if img, ok := p.Executable().(*image); ok {
		bottom = uint32(img.pages() * p.Kernel().Machine().PageSize())
	}

	return &User{
		p:      p,
		bottom: bottom,
		sp:     as.InitialSP(),
	}
}

// Process returns the process of the program.
func (u *User) Process() *kernel.Process {
	return u.p
}

// Args returns the arguments of the program, read from its memory.
func (u *User) Args() []string {
	as := u.p.AddressSpace()
	args := make([]string, 0, as.Argc())
	word := make([]byte, wordSize)

	for i := range as.Argc() {
		if as.ReadVirtualMemory(as.Argv()+uint32(i*wordSize), word) != wordSize {
			break
		}
		arg, ok := as.ReadVirtualMemoryString(binary.LittleEndian.Uint32(word), kernel.MaxArgLength)
		if !ok {
			break
		}
		args = append(args, arg)
	}

	return args
}

// Halt shuts the machine down. It does not return.
func (u *User) Halt() {
	u.syscall(kernel.SyscallHalt)
}

// Exit terminates the program with the given status. It does not return.
func (u *User) Exit(status int) {
	u.syscall(kernel.SyscallExit, status)
}

// Exec starts the named program with the given arguments in a child
// process and returns its process id, or -1 on failure.
func (u *User) Exec(name string, args ...string) int {
	sp := u.sp
	defer func() { u.sp = sp }()

	nameAddr, ok := u.pushString(name)
	if !ok {
		return -1
	}

	argv := make([]byte, wordSize*len(args))
	for i, arg := range args {
		addr, ok := u.pushString(arg)
		if !ok {
			return -1
		}
		binary.LittleEndian.PutUint32(argv[i*wordSize:], addr)
	}
	argvAddr, ok := u.push(argv)
	if !ok {
		return -1
	}

	return u.syscall(kernel.SyscallExec, int(nameAddr), len(args), int(argvAddr))
}

// Join waits for the child process pid to terminate. It returns the exit
// status of the child and the result of the system call: 1 if the child
// exited normally, 0 if it did not and -1 on failure.
func (u *User) Join(pid int) (int, int) {
	sp := u.sp
	defer func() { u.sp = sp }()

	addr, ok := u.push(make([]byte, wordSize))
	if !ok {
		return 0, -1
	}

	rc := u.syscall(kernel.SyscallJoin, pid, int(addr))
	if rc != 1 {
		return 0, rc
	}

	word := make([]byte, wordSize)
	u.p.AddressSpace().ReadVirtualMemory(addr, word)

	return int(int32(binary.LittleEndian.Uint32(word))), rc
}

// Write writes data to the descriptor fd through the stack of the process.
// It returns the number of bytes written, or -1 on failure.
func (u *User) Write(fd int, data []byte) int {
	sp := u.sp
	defer func() { u.sp = sp }()

	chunk := min(len(data), u.pageSize())
	addr, ok := u.alloc(chunk)
	if !ok {
		return -1
	}

	written := 0
	for written < len(data) {
		n := min(chunk, len(data)-written)
		u.p.AddressSpace().WriteVirtualMemory(addr, data[written:written+n])
		rc := u.syscall(kernel.SyscallWrite, fd, int(addr), n)
		if rc < 0 {
			return -1
		}
		written += rc
		if rc < n {
			break
		}
	}

	return written
}

// Print writes a string to standard output.
func (u *User) Print(s string) int {
	return u.Write(stdout, []byte(s))
}

// Read reads at most size bytes from the descriptor fd. It returns nil on
// failure and an empty slice at the end of input.
func (u *User) Read(fd int, size int) []byte {
	sp := u.sp
	defer func() { u.sp = sp }()

	size = min(size, u.pageSize())
	addr, ok := u.alloc(size)
	if !ok {
		return nil
	}

	n := u.syscall(kernel.SyscallRead, fd, int(addr), size)
	if n < 0 {
		return nil
	}

	data := make([]byte, n)
	u.p.AddressSpace().ReadVirtualMemory(addr, data)

	return data
}

// Store writes data to memory at vaddr and returns the number of bytes
// written.
func (u *User) Store(vaddr uint32, data []byte) int {
	return u.p.AddressSpace().WriteVirtualMemory(vaddr, data)
}

// Load reads memory at vaddr into data and returns the number of bytes
// read.
func (u *User) Load(vaddr uint32, data []byte) int {
	return u.p.AddressSpace().ReadVirtualMemory(vaddr, data)
}

func (u *User) syscall(id int, args ...int) int {
	var a [4]int
	copy(a[:], args)
	return u.p.Syscall(id, a[0], a[1], a[2], a[3])
}

func (u *User) pageSize() int {
	return u.p.Kernel().Machine().PageSize()
}

// alloc reserves size bytes on the stack.
func (u *User) alloc(size int) (uint32, bool) {
	if size < 0 || uint32(size) > u.sp-u.bottom {
		return 0, false
	}
	u.sp -= uint32(size)
	return u.sp, true
}

func (u *User) push(data []byte) (uint32, bool) {
	addr, ok := u.alloc(len(data))
	if !ok {
		return 0, false
	}
	if u.p.AddressSpace().WriteVirtualMemory(addr, data) != len(data) {
		return 0, false
	}
	return addr, true
}

func (u *User) pushString(s string) (uint32, bool) {
	return u.push(append([]byte(s), 0))
}
