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

package v1alpha1

import (
	"fmt"
	"math/bits"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/nachosvm/nachos/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/nachosvm/nachos/pkg/apis/config/v1alpha1/log"
)

const (
	// APIVersion is the expected apiVersion of configuration files.
	APIVersion = "config.nachos.io/v1alpha1"
	// Kind is the expected kind of configuration files.
	Kind = "KernelConfig"

	// DefaultPageSize is the default size of a page and of a physical frame.
	DefaultPageSize = 1024
	// DefaultPhysPages is the default number of physical frames.
	DefaultPhysPages = 32
	// DefaultVirtualPages is the default size of a process address space in pages.
	DefaultVirtualPages = 64
	// DefaultSwapFile is the default path of the swap backing file.
	DefaultSwapFile = "nachos.swap"
	// DefaultStackPages is the default number of stack pages per process.
	DefaultStackPages = 8
	// DefaultShutdownTimeout is the default time to wait for processes on halt.
	DefaultShutdownTimeout = 5 * time.Second
	// DefaultRootProgram is the default program started as the root process.
	DefaultRootProgram = "halt.coff"
)

// KernelConfig is the configuration of a kernel instance.
// +kubebuilder:object:root=true
type KernelConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec KernelConfigSpec `json:"spec"`
}

// KernelConfigSpec describes a kernel.
type KernelConfigSpec struct {
	// +optional
	Machine Machine `json:"machine,omitempty"`
	// +optional
	Swap Swap `json:"swap,omitempty"`
	// +optional
	Process Process `json:"process,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// Machine describes the emulated machine memory.
type Machine struct {
	// PageSize is the size of a page in bytes. Must be a power of two.
	// +optional
	// +kubebuilder:default=1024
	PageSize int `json:"pageSize,omitempty"`
	// PhysPages is the number of physical frames.
	// +optional
	// +kubebuilder:default=32
	PhysPages int `json:"physPages,omitempty"`
	// VirtualPages is the size of a process address space in pages.
	// +optional
	// +kubebuilder:default=64
	VirtualPages int `json:"virtualPages,omitempty"`
}

// Swap describes the swap store.
type Swap struct {
	// Enabled controls whether evicted pages are backed by swap. Without
	// swap, physical memory exhaustion fails allocation.
	// +optional
	// +kubebuilder:default=true
	Enabled *bool `json:"enabled,omitempty"`
	// File is the path of the swap backing file. It is created on boot
	// and removed on halt.
	// +optional
	// +kubebuilder:default="nachos.swap"
	File string `json:"file,omitempty"`
	// IOPS limits the rate of swap page transfers. 0 means unlimited.
	// +optional
	IOPS int `json:"iops,omitempty"`
	// Delay is an artificial latency added to every swap page transfer.
	// +optional
	// +kubebuilder:validation:Format="duration"
	Delay metav1.Duration `json:"delay,omitempty"`
}

// Process describes process defaults.
type Process struct {
	// StackPages is the number of stack pages allocated for a process.
	// +optional
	// +kubebuilder:default=8
	StackPages int `json:"stackPages,omitempty"`
	// ShutdownTimeout bounds the time halt waits for process threads.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="5s"
	ShutdownTimeout metav1.Duration `json:"shutdownTimeout,omitempty"`
	// Root is the program started as the root process.
	// +optional
	// +kubebuilder:default="halt.coff"
	Root string `json:"root,omitempty"`
	// Args are the arguments of the root process.
	// +optional
	Args []string `json:"args,omitempty"`
}

// Default returns a configuration with all defaults filled in.
func Default() *KernelConfig {
	cfg := &KernelConfig{
		TypeMeta: metav1.TypeMeta{
			APIVersion: APIVersion,
			Kind:       Kind,
		},
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in defaults for any unset configuration.
func (c *KernelConfig) SetDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = APIVersion
	}
	if c.Kind == "" {
		c.Kind = Kind
	}
	c.Spec.SetDefaults()
}

// SetDefaults fills in defaults for any unset configuration.
func (s *KernelConfigSpec) SetDefaults() {
	m := &s.Machine
	if m.PageSize == 0 {
		m.PageSize = DefaultPageSize
	}
	if m.PhysPages == 0 {
		m.PhysPages = DefaultPhysPages
	}
	if m.VirtualPages == 0 {
		m.VirtualPages = DefaultVirtualPages
	}

	w := &s.Swap
	if w.Enabled == nil {
		enabled := true
		w.Enabled = &enabled
	}
	if w.File == "" {
		w.File = DefaultSwapFile
	}

	p := &s.Process
	if p.StackPages == 0 {
		p.StackPages = DefaultStackPages
	}
	if p.ShutdownTimeout.Duration == 0 {
		p.ShutdownTimeout.Duration = DefaultShutdownTimeout
	}
	if p.Root == "" {
		p.Root = DefaultRootProgram
	}
}

// Validate checks the configuration for errors.
func (c *KernelConfig) Validate() error {
	if c.APIVersion != APIVersion {
		return fmt.Errorf("config: unsupported apiVersion %q", c.APIVersion)
	}
	if c.Kind != Kind {
		return fmt.Errorf("config: unsupported kind %q", c.Kind)
	}
	return c.Spec.Validate()
}

// Validate checks the configuration for errors.
func (s *KernelConfigSpec) Validate() error {
	m := s.Machine
	if m.PageSize < 8 || bits.OnesCount(uint(m.PageSize)) != 1 {
		return fmt.Errorf("config: page size %d is not a power of two >= 8", m.PageSize)
	}
	if m.PhysPages < 1 {
		return fmt.Errorf("config: invalid number of physical pages %d", m.PhysPages)
	}
	if m.VirtualPages < 1 {
		return fmt.Errorf("config: invalid number of virtual pages %d", m.VirtualPages)
	}
	if s.Process.StackPages < 1 {
		return fmt.Errorf("config: invalid number of stack pages %d", s.Process.StackPages)
	}
	if s.Process.StackPages+1 > m.VirtualPages {
		return fmt.Errorf("config: %d stack pages do not fit %d virtual pages",
			s.Process.StackPages, m.VirtualPages)
	}
	if s.Swap.IOPS < 0 {
		return fmt.Errorf("config: invalid swap IOPS %d", s.Swap.IOPS)
	}
	if s.Swap.Delay.Duration < 0 {
		return fmt.Errorf("config: invalid swap delay %s", s.Swap.Delay.Duration)
	}
	if s.Process.ShutdownTimeout.Duration < 0 {
		return fmt.Errorf("config: invalid shutdown timeout %s", s.Process.ShutdownTimeout.Duration)
	}
	return nil
}

// SwapEnabled returns true if swap is enabled.
func (s *Swap) SwapEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}
