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

package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/nachosvm/nachos/pkg/vm"
)

// System call numbers.
const (
	SyscallHalt   = 0
	SyscallExit   = 1
	SyscallExec   = 2
	SyscallJoin   = 3
	SyscallCreate = 4
	SyscallOpen   = 5
	SyscallRead   = 6
	SyscallWrite  = 7
	SyscallClose  = 8
	SyscallUnlink = 9
)

const (
	// MaxNameLength is the longest program name exec reads.
	MaxNameLength = 256
	// MaxArgLength is the longest argument exec reads.
	MaxArgLength = 256
	// ExecutableSuffix is the required suffix of programs started by exec.
	ExecutableSuffix = ".coff"

	wordSize = 4
)

type syscallFn func(p *Process, a0, a1, a2, a3 int) int

var syscalls = map[int]syscallFn{
	SyscallHalt:   (*Process).sysHalt,
	SyscallExit:   (*Process).sysExit,
	SyscallExec:   (*Process).sysExec,
	SyscallJoin:   (*Process).sysJoin,
	SyscallCreate: unsupported,
	SyscallOpen:   unsupported,
	SyscallRead:   (*Process).sysRead,
	SyscallWrite:  (*Process).sysWrite,
	SyscallClose:  unsupported,
	SyscallUnlink: unsupported,
}

// Syscall handles system call id with arguments a0-a3 on the thread of the
// process and returns its result. Invalid arguments fail the call with -1.
// An unknown system call is a fatal assertion which halts the kernel.
//
// read transfers at most one page per call and may return fewer bytes than
// requested, so callers loop until they have what they need or get 0 at end
// of input. write loops internally and returns the number of bytes written.
func (p *Process) Syscall(id, a0, a1, a2, a3 int) int {
	fn, ok := syscalls[id]
	if !ok {
		panic(assertionf(int(p.pid), "unknown system call %d", id))
	}

	if log.DebugEnabled() {
		log.Debug("pid %d: syscall %s(%d, %d, %d, %d)", p.pid, syscallName(id), a0, a1, a2, a3)
	}

	return fn(p, a0, a1, a2, a3)
}

func (p *Process) sysHalt(_, _, _, _ int) int {
	p.kernel.halt(fmt.Sprintf("halt by pid %d", p.pid))
	runtime.Goexit()
	return 0
}

func (p *Process) sysExit(status, _, _, _ int) int {
	p.Exit(status)
	return 0
}

func (p *Process) sysExec(nameAddr, argc, argvAddr, _ int) int {
	// argv and its strings have to fit in the argument page of the child
	if nameAddr < 0 || argc < 0 || argvAddr < 0 || argc > p.kernel.maxIO()/wordSize {
		return -1
	}

	name, ok := p.space.ReadVirtualMemoryString(uint32(nameAddr), MaxNameLength)
	if !ok || !strings.HasSuffix(name, ExecutableSuffix) {
		log.Debug("pid %d: exec: invalid program name %q", p.pid, name)
		return -1
	}

	var args []string
	word := make([]byte, wordSize)
	for i := range argc {
		if n := p.space.ReadVirtualMemory(uint32(argvAddr+i*wordSize), word); n != wordSize {
			return -1
		}
		arg, ok := p.space.ReadVirtualMemoryString(binary.LittleEndian.Uint32(word), MaxArgLength)
		if !ok {
			return -1
		}
		args = append(args, arg)
	}

	child, err := p.Spawn(name, args)
	if err != nil {
		log.Warn("pid %d: exec %s failed: %v", p.pid, name, err)
		return -1
	}

	return int(child.pid)
}

func (p *Process) sysJoin(pid, statusAddr, _, _ int) int {
	if pid < 0 || statusAddr < 0 {
		return -1
	}

	status, known, err := p.Join(p.kernel.ctx, vm.PID(pid))
	if err != nil {
		log.Debug("pid %d: join: %v", p.pid, err)
		return -1
	}
	if !known {
		return 0
	}

	word := make([]byte, wordSize)
	binary.LittleEndian.PutUint32(word, uint32(int32(status)))
	if n := p.space.WriteVirtualMemory(uint32(statusAddr), word); n != wordSize {
		return 0
	}

	return 1
}

func (p *Process) sysRead(fd, vaddr, size, _ int) int {
	f, ok := p.file(fd)
	if !ok || vaddr < 0 || size < 0 {
		return -1
	}

	buf := make([]byte, min(size, p.kernel.maxIO()))
	n, err := f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) && n == 0 {
		log.Debug("pid %d: read fd %d: %v", p.pid, fd, err)
		return -1
	}

	return p.space.WriteVirtualMemory(uint32(vaddr), buf[:n])
}

func (p *Process) sysWrite(fd, vaddr, size, _ int) int {
	f, ok := p.file(fd)
	if !ok || vaddr < 0 || size < 0 {
		return -1
	}

	var (
		buf     = make([]byte, min(size, p.kernel.maxIO()))
		written = 0
	)
	for written < size {
		chunk := buf[:min(size-written, len(buf))]
		n := p.space.ReadVirtualMemory(uint32(vaddr+written), chunk)
		if n == 0 {
			break
		}
		w, err := f.Write(chunk[:n])
		written += w
		if err != nil {
			log.Debug("pid %d: write fd %d: %v", p.pid, fd, err)
			return -1
		}
		if n < len(chunk) {
			break
		}
	}

	return written
}

func unsupported(p *Process, _, _, _, _ int) int {
	return -1
}

func syscallName(id int) string {
	switch id {
	case SyscallHalt:
		return "halt"
	case SyscallExit:
		return "exit"
	case SyscallExec:
		return "exec"
	case SyscallJoin:
		return "join"
	case SyscallCreate:
		return "create"
	case SyscallOpen:
		return "open"
	case SyscallRead:
		return "read"
	case SyscallWrite:
		return "write"
	case SyscallClose:
		return "close"
	case SyscallUnlink:
		return "unlink"
	}
	return fmt.Sprintf("syscall#%d", id)
}
