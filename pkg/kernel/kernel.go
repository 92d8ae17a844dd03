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
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	cfgapi "github.com/nachosvm/nachos/pkg/apis/config/v1alpha1"
	"github.com/nachosvm/nachos/pkg/healthz"
	"github.com/nachosvm/nachos/pkg/instrumentation/tracing"
	logger "github.com/nachosvm/nachos/pkg/log"
	"github.com/nachosvm/nachos/pkg/machine"
	"github.com/nachosvm/nachos/pkg/vm"
)

var (
	log = logger.Get("kernel")
)

// RootPID is the process id of the first process started by the kernel.
const RootPID vm.PID = 0

// Loader opens executables by name.
type Loader interface {
	Open(name string) (vm.Executable, error)
}

// Processor runs user programs. Execute runs the program loaded for the
// process on the calling goroutine, which is the thread of the process. The
// program makes system calls through Process.Syscall. Execute should return
// once ctx is done.
type Processor interface {
	Execute(ctx context.Context, p *Process) error
}

// Kernel manages processes and their memory.
type Kernel struct {
	sync.Mutex
	cfg        cfgapi.KernelConfigSpec
	machine    *machine.Machine
	frames     *vm.FrameTable
	swap       *vm.SwapStore
	pager      *vm.Pager
	console    *machine.Console
	loader     Loader
	cpu        Processor
	seed       *int64
	processes  map[vm.PID]*Process
	statusLock sync.Mutex
	nextPID    atomic.Int64
	started    atomic.Bool
	threads    sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	haltOnce   sync.Once
	haltErr    error
	done       chan struct{}
	spawned    atomic.Uint64
	exited     atomic.Uint64
	aborted    atomic.Uint64
}

// Option is an opaque option for a Kernel.
type Option func(*Kernel) error

// WithLoader sets the executable loader of the kernel.
func WithLoader(l Loader) Option {
	return func(k *Kernel) error {
		k.loader = l
		return nil
	}
}

// WithProcessor sets the processor running user programs.
func WithProcessor(p Processor) Option {
	return func(k *Kernel) error {
		k.cpu = p
		return nil
	}
}

// WithConsole sets the console of the kernel. By default the console
// discards output and reads EOF.
func WithConsole(c *machine.Console) Option {
	return func(k *Kernel) error {
		k.console = c
		return nil
	}
}

// WithMachine sets the machine of the kernel. Its geometry overrides the
// configured page size and number of physical pages.
func WithMachine(m *machine.Machine) Option {
	return func(k *Kernel) error {
		k.machine = m
		return nil
	}
}

// WithRandomSeed seeds eviction victim selection.
func WithRandomSeed(seed int64) Option {
	return func(k *Kernel) error {
		k.seed = &seed
		return nil
	}
}

// New creates a kernel with the given configuration and options.
func New(cfg *cfgapi.KernelConfigSpec, options ...Option) (*Kernel, error) {
	if cfg == nil {
		cfg = &cfgapi.Default().Spec
	}

	k := &Kernel{
		cfg:       *cfg,
		processes: make(map[vm.PID]*Process),
		done:      make(chan struct{}),
	}

	for _, o := range options {
		if err := o(k); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	switch {
	case k.loader == nil:
		return nil, fmt.Errorf("%w: no loader", ErrFailedOption)
	case k.cpu == nil:
		return nil, fmt.Errorf("%w: no processor", ErrFailedOption)
	}

	if k.console == nil {
		k.console = machine.NewConsole(nil, nil)
	}

	if k.machine == nil {
		m, err := machine.New(cfg.Machine.PageSize, cfg.Machine.PhysPages)
		if err != nil {
			return nil, err
		}
		k.machine = m
	}

	frameOpts := []vm.FrameTableOption{}
	if k.seed != nil {
		frameOpts = append(frameOpts, vm.WithRandomSeed(*k.seed))
	}
	frames, err := vm.NewFrameTable(k.machine.NumPhysPages(), frameOpts...)
	if err != nil {
		return nil, err
	}
	k.frames = frames

	if cfg.Swap.SwapEnabled() {
		swap, err := vm.OpenSwap(cfg.Swap.File, k.machine.PageSize(),
			vm.WithIOLimit(cfg.Swap.IOPS),
			vm.WithIODelay(cfg.Swap.Delay.Duration),
		)
		if err != nil {
			return nil, err
		}
		k.swap = swap
	}

	pager, err := vm.NewPager(k.machine, k.frames, k.swap)
	if err != nil {
		if k.swap != nil {
			_ = k.swap.Teardown()
		}
		return nil, err
	}
	k.pager = pager

	k.ctx, k.cancel = context.WithCancel(context.Background())

	log.Info("kernel created: %d frames of %d bytes, %d virtual pages, swap %s",
		k.machine.NumPhysPages(), k.machine.PageSize(), k.cfg.Machine.VirtualPages, k.swapName())

	return k, nil
}

// Start loads and starts the root process.
func (k *Kernel) Start(name string, args []string) (*Process, error) {
	if !k.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	return k.spawn(nil, name, args)
}

// Halt shuts the kernel down and waits for it to finish. It must not be
// called from the thread of a process, which should use the halt syscall.
func (k *Kernel) Halt() error {
	k.halt("halt requested")
	return k.Wait()
}

// Wait waits for the kernel to halt.
func (k *Kernel) Wait() error {
	<-k.done
	return k.haltErr
}

// Done returns a channel which is closed once the kernel has halted.
func (k *Kernel) Done() <-chan struct{} {
	return k.done
}

// Context returns the kernel context, canceled once halting starts.
func (k *Kernel) Context() context.Context {
	return k.ctx
}

// Machine returns the machine of the kernel.
func (k *Kernel) Machine() *machine.Machine {
	return k.machine
}

// Pager returns the pager of the kernel.
func (k *Kernel) Pager() *vm.Pager {
	return k.pager
}

// Process looks up a live process by id.
func (k *Kernel) Process(pid vm.PID) (*Process, bool) {
	k.Lock()
	defer k.Unlock()

	p, ok := k.processes[pid]
	return p, ok
}

// Processes returns the ids of all live processes.
func (k *Kernel) Processes() []vm.PID {
	k.Lock()
	defer k.Unlock()

	pids := make([]vm.PID, 0, len(k.processes))
	for pid := range k.processes {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	return pids
}

// HealthCheck reports the consistency of kernel memory management.
func (k *Kernel) HealthCheck() (healthz.Status, error) {
	select {
	case <-k.done:
		return healthz.NonFunctional, ErrHalted
	default:
	}

	if err := k.frames.Verify(); err != nil {
		return healthz.Degraded, err
	}

	return healthz.Healthy, nil
}

func (k *Kernel) spawn(parent *Process, name string, args []string) (_ *Process, err error) {
	_, span := tracing.StartSpan(k.ctx, "spawn", tracing.Program(name))
	defer func() {
		span.End(err)
	}()
	if parent != nil {
		span.Add(tracing.Parent(int(parent.pid)))
	}

	if k.ctx.Err() != nil {
		return nil, ErrHalted
	}

	exe, err := k.loader.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrLoadFailed, name, err)
	}

	pid := vm.PID(k.nextPID.Add(1) - 1)

	space, err := vm.NewAddressSpace(pid, k.pager, k.cfg.Machine.VirtualPages)
	if err != nil {
		exe.Close()
		return nil, err
	}

	if err := space.Load(exe, args, k.cfg.Process.StackPages); err != nil {
		exe.Close()
		return nil, fmt.Errorf("%w %s: %w", ErrLoadFailed, name, err)
	}

	p := newProcess(k, pid, name, args, exe, space)

	k.Lock()
	if k.ctx.Err() != nil {
		k.Unlock()
		space.Release()
		exe.Close()
		return nil, ErrHalted
	}
	k.processes[pid] = p
	k.threads.Add(1)
	k.Unlock()

	if parent != nil {
		k.statusLock.Lock()
		p.parent, p.hasParent = parent.pid, true
		k.statusLock.Unlock()

		parent.Lock()
		parent.children[pid] = p
		parent.Unlock()
	}

	k.spawned.Add(1)
	p.setState(Runnable)

	go p.run()

	span.Add(tracing.PID(int(pid)))
	log.Info("started pid %d (%s), parent %s", pid, name, parentName(parent))

	return p, nil
}

func (k *Kernel) unregister(p *Process) {
	k.Lock()
	defer k.Unlock()
	delete(k.processes, p.pid)
}

// halt starts kernel shutdown. It does not wait for shutdown to finish,
// so it is safe to call from a process thread.
func (k *Kernel) halt(reason string) {
	k.haltOnce.Do(func() {
		log.Info("halting kernel: %s", reason)
		k.Lock()
		k.cancel()
		k.Unlock()
		go k.shutdown()
	})
}

func (k *Kernel) shutdown() {
	var (
		errs    *multierror.Error
		waitC   = make(chan struct{})
		timeout = k.cfg.Process.ShutdownTimeout.Duration
	)

	go func() {
		k.threads.Wait()
		close(waitC)
	}()

	if timeout <= 0 {
		timeout = cfgapi.DefaultShutdownTimeout
	}

	select {
	case <-waitC:
	case <-time.After(timeout):
		errs = multierror.Append(errs,
			fmt.Errorf("kernel: processes %v still running after %s", k.Processes(), timeout))
	}

	if k.swap != nil {
		if err := k.swap.Teardown(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	k.haltErr = errs.ErrorOrNil()
	if k.haltErr != nil {
		log.Error("kernel halted with errors: %v", k.haltErr)
	} else {
		log.Info("kernel halted")
	}

	close(k.done)
}

// maxIO is the largest single transfer of a read or write system call.
func (k *Kernel) maxIO() int {
	return k.machine.PageSize()
}

func (k *Kernel) swapName() string {
	if k.swap == nil {
		return "disabled"
	}
	return k.swap.Path()
}

func parentName(p *Process) string {
	if p == nil {
		return "none"
	}
	return fmt.Sprintf("pid %d", p.pid)
}
