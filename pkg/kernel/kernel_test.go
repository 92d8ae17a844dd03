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

package kernel_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/nachosvm/nachos/pkg/apis/config/v1alpha1"
	"github.com/nachosvm/nachos/pkg/healthz"
	"github.com/nachosvm/nachos/pkg/kernel"
	"github.com/nachosvm/nachos/pkg/machine"
	"github.com/nachosvm/nachos/pkg/vm"
)

func TestNew(t *testing.T) {
	s := newSystem(nil)

	_, err := kernel.New(nil, kernel.WithProcessor(s))
	require.ErrorIs(t, err, kernel.ErrFailedOption)

	_, err = kernel.New(nil, kernel.WithLoader(s))
	require.ErrorIs(t, err, kernel.ErrFailedOption)

	m, err := machine.New(256, 4)
	require.NoError(t, err)

	k := newKernel(t, s, nil)
	require.Equal(t, pageSize, k.Machine().PageSize())
	require.NoError(t, k.Halt())

	disabled := false
	k, err = kernel.New(&cfgapi.KernelConfigSpec{
		Machine: cfgapi.Machine{VirtualPages: 8},
		Swap:    cfgapi.Swap{Enabled: &disabled},
	}, kernel.WithLoader(s), kernel.WithProcessor(s), kernel.WithMachine(m))
	require.NoError(t, err)
	require.Equal(t, 256, k.Machine().PageSize())
	require.Equal(t, 4, k.Pager().Frames().NumFrames())
	require.NoError(t, k.Halt())
}

func TestRootExitHaltsKernel(t *testing.T) {
	k := newKernel(t, newSystem(map[string]program{
		"root.coff": func(_ context.Context, p *kernel.Process) error {
			p.Exit(0)
			return nil
		},
	}), nil, withSwap(t))

	swapFile := k.Pager().Swap().Path()
	_, err := os.Stat(swapFile)
	require.NoError(t, err)

	root, err := k.Start("root.coff", nil)
	require.NoError(t, err)
	require.Equal(t, kernel.RootPID, root.PID())

	require.NoError(t, wait(t, k))

	status, known := root.ExitStatus()
	require.True(t, known)
	require.Equal(t, 0, status)
	require.Equal(t, kernel.Exited, root.State())
	require.Empty(t, k.Processes())
	require.Equal(t, 0, k.Pager().Frames().Stats().Used)

	_, err = os.Stat(swapFile)
	require.True(t, os.IsNotExist(err), "swap file should be removed on halt")

	_, err = k.Start("root.coff", nil)
	require.ErrorIs(t, err, kernel.ErrAlreadyStarted)

	_, err = root.Spawn("root.coff", nil)
	require.ErrorIs(t, err, kernel.ErrHalted)

	require.NoError(t, k.Halt(), "halting twice")
}

func TestStartFailures(t *testing.T) {
	s := newSystem(map[string]program{
		"root.coff": func(context.Context, *kernel.Process) error { return nil },
	})

	k := newKernel(t, s, nil)
	_, err := k.Start("missing.coff", nil)
	require.ErrorIs(t, err, kernel.ErrLoadFailed)
	require.NoError(t, k.Halt())

	k = newKernel(t, s, nil)
	_, err = k.Start("root.coff", []string{strings.Repeat("x", pageSize)})
	require.ErrorIs(t, err, kernel.ErrLoadFailed)
	require.ErrorIs(t, err, vm.ErrArgsTooLong)
	require.Equal(t, 0, k.Pager().Frames().Stats().Used)
	require.NoError(t, k.Halt())
}

func TestExitBeforeJoin(t *testing.T) {
	var (
		status  int
		known   bool
		joinErr error
		again   error
	)

	k := newKernel(t, newSystem(map[string]program{
		"root.coff": func(ctx context.Context, p *kernel.Process) error {
			child, err := p.Spawn("child.coff", nil)
			if !assert.NoError(t, err) {
				return err
			}
			<-child.Done()
			status, known, joinErr = p.Join(ctx, child.PID())
			_, _, again = p.Join(ctx, child.PID())
			p.Exit(0)
			return nil
		},
		"child.coff": func(_ context.Context, p *kernel.Process) error {
			p.Exit(42)
			return nil
		},
	}), nil)

	_, err := k.Start("root.coff", nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, k))

	require.NoError(t, joinErr)
	require.True(t, known)
	require.Equal(t, 42, status)
	require.ErrorIs(t, again, kernel.ErrNotChild)
}

func TestJoinWithoutExit(t *testing.T) {
	var (
		status  int
		known   bool
		joinErr error
	)

	k := newKernel(t, newSystem(map[string]program{
		"root.coff": func(ctx context.Context, p *kernel.Process) error {
			child, err := p.Spawn("child.coff", nil)
			if !assert.NoError(t, err) {
				return err
			}
			status, known, joinErr = p.Join(ctx, child.PID())
			p.Exit(0)
			return nil
		},
		"child.coff": func(context.Context, *kernel.Process) error {
			return nil
		},
	}), nil)

	_, err := k.Start("root.coff", nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, k))

	require.NoError(t, joinErr)
	require.False(t, known)
	require.Equal(t, 0, status)
}

func TestJoinNonChild(t *testing.T) {
	var (
		release   = make(chan struct{})
		started   = make(chan *kernel.Process, 1)
		errs      = map[string]error{}
		processes []vm.PID
		status    int
		k         *kernel.Kernel
	)

	k = newKernel(t, newSystem(map[string]program{
		"root.coff": func(ctx context.Context, p *kernel.Process) error {
			child, err := p.Spawn("child.coff", nil)
			if !assert.NoError(t, err) {
				return err
			}
			grandchild := <-started

			_, _, errs["unknown"] = p.Join(ctx, 99)
			_, _, errs["self"] = p.Join(ctx, p.PID())
			_, _, errs["grandchild"] = p.Join(ctx, grandchild.PID())
			_, _, errs["parent"] = child.Join(ctx, p.PID())
			processes = k.Processes()

			close(release)
			status, _, errs["child"] = p.Join(ctx, child.PID())
			p.Exit(0)
			return nil
		},
		"child.coff": func(ctx context.Context, p *kernel.Process) error {
			grandchild, err := p.Spawn("grandchild.coff", nil)
			if !assert.NoError(t, err) {
				return err
			}
			started <- grandchild
			_, _, err = p.Join(ctx, grandchild.PID())
			assert.NoError(t, err)
			p.Exit(3)
			return nil
		},
		"grandchild.coff": func(_ context.Context, p *kernel.Process) error {
			<-release
			p.Exit(0)
			return nil
		},
	}), nil)

	_, err := k.Start("root.coff", nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, k))

	require.ErrorIs(t, errs["unknown"], kernel.ErrNotChild)
	require.ErrorIs(t, errs["self"], kernel.ErrNotChild)
	require.ErrorIs(t, errs["grandchild"], kernel.ErrNotChild)
	require.ErrorIs(t, errs["parent"], kernel.ErrNotChild)
	require.NoError(t, errs["child"])
	require.Equal(t, 3, status)
	require.Equal(t, []vm.PID{0, 1, 2}, processes)
}

func TestOrphanExit(t *testing.T) {
	var (
		release    = make(chan struct{})
		started    = make(chan *kernel.Process, 1)
		grandchild *kernel.Process
		status     int
	)

	k := newKernel(t, newSystem(map[string]program{
		"root.coff": func(ctx context.Context, p *kernel.Process) error {
			child, err := p.Spawn("child.coff", nil)
			if !assert.NoError(t, err) {
				return err
			}
			status, _, err = p.Join(ctx, child.PID())
			assert.NoError(t, err)

			grandchild = <-started
			close(release)
			<-grandchild.Done()
			p.Exit(0)
			return nil
		},
		"child.coff": func(_ context.Context, p *kernel.Process) error {
			grandchild, err := p.Spawn("grandchild.coff", nil)
			if !assert.NoError(t, err) {
				return err
			}
			started <- grandchild
			p.Exit(1)
			return nil
		},
		"grandchild.coff": func(_ context.Context, p *kernel.Process) error {
			<-release
			p.Exit(7)
			return nil
		},
	}), nil)

	_, err := k.Start("root.coff", nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, k))

	require.Equal(t, 1, status)

	_, hasParent := grandchild.Parent()
	require.False(t, hasParent)

	gcStatus, known := grandchild.ExitStatus()
	require.True(t, known)
	require.Equal(t, 7, gcStatus)
}

func TestUnknownSyscallHaltsKernel(t *testing.T) {
	var child *kernel.Process

	k := newKernel(t, newSystem(map[string]program{
		"root.coff": func(_ context.Context, p *kernel.Process) error {
			var err error
			child, err = p.Spawn("child.coff", nil)
			if !assert.NoError(t, err) {
				return err
			}
			p.Syscall(99, 0, 0, 0, 0)
			return nil
		},
		"child.coff": func(ctx context.Context, _ *kernel.Process) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}), nil)

	root, err := k.Start("root.coff", nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, k))

	_, known := root.ExitStatus()
	require.False(t, known)
	require.Equal(t, kernel.Exited, child.State())

	metrics := gather(t, kernel.NewCollector(k))
	require.Equal(t, 2.0, metrics["processes_spawned"])
	require.Equal(t, 2.0, metrics["processes_exited"])
	require.Equal(t, 2.0, metrics["processes_aborted"])
	require.Equal(t, 0.0, metrics["processes/running"])
}

func TestHaltSyscall(t *testing.T) {
	k := newKernel(t, newSystem(map[string]program{
		"root.coff": func(ctx context.Context, p *kernel.Process) error {
			_, err := p.Spawn("halt.coff", nil)
			if !assert.NoError(t, err) {
				return err
			}
			<-ctx.Done()
			return nil
		},
		"halt.coff": func(_ context.Context, p *kernel.Process) error {
			p.Syscall(kernel.SyscallHalt, 0, 0, 0, 0)
			t.Error("halt returned")
			return nil
		},
	}), nil)

	_, err := k.Start("root.coff", nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, k))
	require.Error(t, k.Context().Err())

	metrics := gather(t, kernel.NewCollector(k))
	require.Equal(t, 0.0, metrics["processes_aborted"])
}

func TestHalt(t *testing.T) {
	k := newKernel(t, newSystem(map[string]program{
		"root.coff": func(ctx context.Context, p *kernel.Process) error {
			<-ctx.Done()
			p.Exit(3)
			return nil
		},
	}), nil)

	root, err := k.Start("root.coff", nil)
	require.NoError(t, err)

	s, herr := k.HealthCheck()
	require.NoError(t, herr)
	require.Equal(t, healthz.Healthy, s)

	require.NoError(t, k.Halt())

	status, known := root.ExitStatus()
	require.True(t, known)
	require.Equal(t, 3, status)

	s, herr = k.HealthCheck()
	require.ErrorIs(t, herr, kernel.ErrHalted)
	require.Equal(t, healthz.NonFunctional, s)
}

func TestHaltTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	k := newKernel(t, newSystem(map[string]program{
		"root.coff": func(context.Context, *kernel.Process) error {
			<-release
			return nil
		},
	}), nil, withShutdownTimeout(50*time.Millisecond))

	_, err := k.Start("root.coff", nil)
	require.NoError(t, err)

	err = k.Halt()
	require.Error(t, err)
	require.Contains(t, err.Error(), "still running")
}

func TestCollector(t *testing.T) {
	release := make(chan struct{})

	k := newKernel(t, newSystem(map[string]program{
		"root.coff": func(_ context.Context, p *kernel.Process) error {
			_, err := p.Spawn("child.coff", nil)
			assert.NoError(t, err)
			<-release
			p.Exit(0)
			return nil
		},
		"child.coff": func(_ context.Context, p *kernel.Process) error {
			<-release
			p.Exit(0)
			return nil
		},
	}), nil)

	_, err := k.Start("root.coff", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return gather(t, kernel.NewCollector(k))["processes/running"] == 2
	}, 5*time.Second, 10*time.Millisecond)

	metrics := gather(t, kernel.NewCollector(k))
	require.Equal(t, 2.0, metrics["processes_spawned"])
	require.Equal(t, 0.0, metrics["processes_exited"])

	close(release)
	require.NoError(t, wait(t, k))

	metrics = gather(t, kernel.NewCollector(k))
	require.Equal(t, 2.0, metrics["processes_exited"])
	require.Equal(t, 0.0, metrics["processes/running"])
}
