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
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/nachosvm/nachos/pkg/instrumentation/tracing"
	"github.com/nachosvm/nachos/pkg/machine"
	"github.com/nachosvm/nachos/pkg/vm"
)

// MaxFiles is the size of the descriptor table of a process.
const MaxFiles = 8

const (
	stdin  = 0
	stdout = 1
)

// State is the lifecycle state of a process.
type State int32

const (
	// Created is a process whose program is being loaded.
	Created State = iota
	// Runnable is a loaded process whose thread has not started yet.
	Runnable
	// Running is a process with a running thread.
	Running
	// Exited is a terminated process.
	Exited
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Exited:
		return "exited"
	}
	return fmt.Sprintf("<unknown state %d>", s)
}

// Process is a user process: an address space, a descriptor table and a
// thread running the loaded program.
type Process struct {
	sync.Mutex
	kernel   *Kernel
	pid      vm.PID
	name     string
	args     []string
	exe      vm.Executable
	space    *vm.AddressSpace
	files    [MaxFiles]machine.File
	children map[vm.PID]*Process
	state    atomic.Int32
	once     sync.Once
	done     chan struct{}

	// guarded by kernel.statusLock
	parent    vm.PID
	hasParent bool
	statuses  map[vm.PID]int
	status    int
	exited    bool
}

func newProcess(k *Kernel, pid vm.PID, name string, args []string, exe vm.Executable, space *vm.AddressSpace) *Process {
	p := &Process{
		kernel:   k,
		pid:      pid,
		name:     name,
		args:     args,
		exe:      exe,
		space:    space,
		children: make(map[vm.PID]*Process),
		statuses: make(map[vm.PID]int),
		done:     make(chan struct{}),
	}

	p.files[stdin] = k.console.OpenForReading()
	p.files[stdout] = k.console.OpenForWriting()

	return p
}

// PID returns the process id.
func (p *Process) PID() vm.PID {
	return p.pid
}

// Kernel returns the kernel of the process.
func (p *Process) Kernel() *Kernel {
	return p.kernel
}

// Name returns the name of the program run by the process.
func (p *Process) Name() string {
	return p.name
}

// Args returns the arguments of the process.
func (p *Process) Args() []string {
	return p.args
}

// Executable returns the program image of the process.
func (p *Process) Executable() vm.Executable {
	return p.exe
}

// AddressSpace returns the address space of the process.
func (p *Process) AddressSpace() *vm.AddressSpace {
	return p.space
}

// State returns the lifecycle state of the process.
func (p *Process) State() State {
	return State(p.state.Load())
}

// Done returns a channel which is closed once the process has terminated.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitStatus returns the status the process exited with, if it called exit.
func (p *Process) ExitStatus() (int, bool) {
	p.kernel.statusLock.Lock()
	defer p.kernel.statusLock.Unlock()
	return p.status, p.exited
}

// Parent returns the id of the parent process, if the process has one.
func (p *Process) Parent() (vm.PID, bool) {
	p.kernel.statusLock.Lock()
	defer p.kernel.statusLock.Unlock()
	return p.parent, p.hasParent
}

// Spawn loads the named program into a new child process and starts it.
func (p *Process) Spawn(name string, args []string) (*Process, error) {
	return p.kernel.spawn(p, name, args)
}

// Join waits for the child process pid to terminate and returns the status
// it exited with. The status is not known if the child terminated without
// calling exit. Joining a process which is not a child of p fails with
// ErrNotChild without blocking. A child can be joined only once.
func (p *Process) Join(ctx context.Context, pid vm.PID) (status int, known bool, err error) {
	p.Lock()
	child, ok := p.children[pid]
	p.Unlock()

	if !ok {
		return 0, false, fmt.Errorf("%w: pid %d is not a child of pid %d", ErrNotChild, pid, p.pid)
	}

	_, span := tracing.StartSpan(ctx, "join", tracing.PID(int(p.pid)), tracing.Child(int(pid)))
	defer func() {
		span.End(err)
	}()

	select {
	case <-child.done:
	case <-ctx.Done():
		return 0, false, fmt.Errorf("%w: join of pid %d interrupted", ErrHalted, pid)
	case <-p.kernel.ctx.Done():
		return 0, false, fmt.Errorf("%w: join of pid %d interrupted", ErrHalted, pid)
	}

	p.Lock()
	delete(p.children, pid)
	p.Unlock()

	k := p.kernel
	k.statusLock.Lock()
	defer k.statusLock.Unlock()

	child.hasParent = false
	status, known = p.statuses[pid]
	delete(p.statuses, pid)

	log.Debug("pid %d: joined pid %d, status %d (known: %v)", p.pid, pid, status, known)

	return status, known, nil
}

// Exit terminates the process with the given status. It must be called on
// the thread of the process and never returns.
func (p *Process) Exit(status int) {
	k := p.kernel

	k.statusLock.Lock()
	p.status, p.exited = status, true
	if p.hasParent {
		if parent, ok := k.Process(p.parent); ok {
			parent.statuses[p.pid] = status
		}
	}
	k.statusLock.Unlock()

	log.Info("pid %d: exit(%d)", p.pid, status)

	p.cleanup()
	runtime.Goexit()
}

// run is the thread of the process.
func (p *Process) run() {
	k := p.kernel

	defer k.threads.Done()
	defer func() {
		if r := recover(); r != nil {
			k.aborted.Add(1)
			var ae *AssertionError
			if err, ok := r.(error); ok && errors.As(err, &ae) {
				log.Error("pid %d: %v", p.pid, ae)
				p.cleanup()
				k.halt(ae.Error())
				return
			}
			log.Error("pid %d: terminated by panic: %v", p.pid, r)
		}
		p.cleanup()
	}()

	p.setState(Running)

	if err := k.cpu.Execute(k.ctx, p); err != nil {
		k.aborted.Add(1)
		log.Error("pid %d: %s terminated abnormally: %v", p.pid, p.name, err)
	} else {
		log.Debug("pid %d: %s returned without exit", p.pid, p.name)
	}
}

// cleanup releases all resources of the process and unregisters it. Only
// the first call has any effect.
func (p *Process) cleanup() {
	p.once.Do(func() {
		k := p.kernel
		var errs *multierror.Error

		p.space.Release()

		if err := p.exe.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s: %w", p.name, err))
		}

		p.Lock()
		for fd, f := range p.files {
			if f == nil {
				continue
			}
			if err := f.Close(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("close fd %d (%s): %w", fd, f.Name(), err))
			}
			p.files[fd] = nil
		}
		children := p.children
		p.children = map[vm.PID]*Process{}
		p.Unlock()

		k.statusLock.Lock()
		for _, child := range children {
			child.hasParent = false
		}
		clear(p.statuses)
		k.statusLock.Unlock()

		if err := errs.ErrorOrNil(); err != nil {
			log.Warn("pid %d: cleanup: %v", p.pid, err)
		}

		k.unregister(p)
		k.exited.Add(1)
		p.setState(Exited)
		close(p.done)

		log.Debug("pid %d: cleaned up, %d children orphaned", p.pid, len(children))

		if p.pid == RootPID {
			k.halt(fmt.Sprintf("root process %s terminated", p.name))
		}
	})
}

func (p *Process) setState(s State) {
	p.state.Store(int32(s))
}

func (p *Process) file(fd int) (machine.File, bool) {
	if fd < 0 || fd >= MaxFiles {
		return nil, false
	}

	p.Lock()
	defer p.Unlock()

	f := p.files[fd]
	return f, f != nil
}
