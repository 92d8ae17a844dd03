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
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"sync"

	"github.com/nachosvm/nachos/pkg/kernel"
	logger "github.com/nachosvm/nachos/pkg/log"
	"github.com/nachosvm/nachos/pkg/vm"
)

var (
	log = logger.Get("programs")

	ErrExists   = fmt.Errorf("programs: program already registered")
	ErrNotFound = fmt.Errorf("programs: no such program")
	ErrInvalid  = fmt.Errorf("programs: invalid program")
)

// Main is the entry function of a program. Its return value is the exit
// status of the process.
type Main func(ctx context.Context, u *User) int

// Program is a built-in program image.
type Program struct {
	// Name of the image, including the executable suffix.
	Name string
	// CodePages is the number of read-only code pages.
	CodePages int
	// DataPages is the number of writable data pages.
	DataPages int
	// Main is run by the processor once the image is loaded.
	Main Main
}

// Library is a set of built-in programs. It loads their images into
// processes and runs them, acting as both the loader and the processor of
// a kernel.
type Library struct {
	sync.RWMutex
	programs map[string]*Program
}

var (
	_ kernel.Loader    = &Library{}
	_ kernel.Processor = &Library{}
)

// NewLibrary creates a library of the given programs.
func NewLibrary(programs ...*Program) (*Library, error) {
	l := &Library{
		programs: map[string]*Program{},
	}

	for _, p := range programs {
		if err := l.Register(p); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// Register adds a program to the library.
func (l *Library) Register(p *Program) error {
	switch {
	case p == nil || p.Main == nil:
		return fmt.Errorf("%w: no entry function", ErrInvalid)
	case !strings.HasSuffix(p.Name, kernel.ExecutableSuffix):
		return fmt.Errorf("%w: %q lacks suffix %s", ErrInvalid, p.Name, kernel.ExecutableSuffix)
	case p.CodePages < 1 || p.DataPages < 0:
		return fmt.Errorf("%w: %s has %d code and %d data pages", ErrInvalid,
			p.Name, p.CodePages, p.DataPages)
	}

	l.Lock()
	defer l.Unlock()

	if _, ok := l.programs[p.Name]; ok {
		return fmt.Errorf("%w: %s", ErrExists, p.Name)
	}
	l.programs[p.Name] = p

	log.Debug("registered program %s", p.Name)

	return nil
}

// Names returns the names of all programs in the library.
func (l *Library) Names() []string {
	l.RLock()
	defer l.RUnlock()

	names := make([]string, 0, len(l.programs))
	for name := range l.programs {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

// Open returns the image of the named program.
func (l *Library) Open(name string) (vm.Executable, error) {
	p, err := l.lookup(name)
	if err != nil {
		return nil, err
	}
	return newImage(p), nil
}

// Execute runs the program loaded into the process. If its entry function
// returns, the process exits with the returned status.
func (l *Library) Execute(ctx context.Context, p *kernel.Process) error {
	img, ok := p.Executable().(*image)
	if !ok {
		return fmt.Errorf("%w: %s is not a library image", kernel.ErrNotExecutable, p.Name())
	}

	u := newUser(p)
	status := img.program.Main(ctx, u)
	u.Exit(status)

	return nil
}

func (l *Library) lookup(name string) (*Program, error) {
	l.RLock()
	defer l.RUnlock()

	p, ok := l.programs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// image is a loadable program image: read-only code pages filled with a
// pattern derived from the program name, followed by zeroed data pages.
type image struct {
	program  *Program
	sections []vm.Section
}

func newImage(p *Program) *image {
	h := fnv.New32a()
	h.Write([]byte(p.Name))

	img := &image{
		program: p,
		sections: []vm.Section{
			&section{name: ".text", first: 0, length: p.CodePages, readOnly: true, seed: h.Sum32()},
		},
	}
	if p.DataPages > 0 {
		img.sections = append(img.sections,
			&section{name: ".data", first: p.CodePages, length: p.DataPages},
		)
	}

	return img
}

func (i *image) Name() string           { return i.program.Name }
func (i *image) Sections() []vm.Section { return i.sections }
func (i *image) EntryPoint() uint32     { return 0 }
func (i *image) Close() error           { return nil }

// pages returns the number of pages taken by all sections.
func (i *image) pages() int {
	n := 0
	for _, s := range i.sections {
		n += s.Length()
	}
	return n
}

type section struct {
	name     string
	first    int
	length   int
	readOnly bool
	seed     uint32
}

func (s *section) Name() string   { return s.name }
func (s *section) FirstVPN() int  { return s.first }
func (s *section) Length() int    { return s.length }
func (s *section) ReadOnly() bool { return s.readOnly }

func (s *section) LoadPage(spn int, dst []byte) error {
	if spn < 0 || spn >= s.length {
		return fmt.Errorf("%w: page %d of section %s", ErrInvalid, spn, s.name)
	}
	if s.seed == 0 {
		clear(dst)
		return nil
	}

	x := s.seed + uint32(spn)
	for i := range dst {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		dst[i] = byte(x)
	}

	return nil
}
