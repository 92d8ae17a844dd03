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

package machine

import (
	"io"
	"sync"
)

// File is an open file as seen by the kernel descriptor table.
type File interface {
	io.Reader
	io.Writer
	io.Closer
	// Name returns the name of the file.
	Name() string
}

// Console is the machine serial console. Writes from concurrent processes
// are serialized so that a single write is never interleaved with another.
type Console struct {
	sync.Mutex
	in  io.Reader
	out io.Writer
}

// NewConsole creates a console reading from in and writing to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	if in == nil {
		in = eof{}
	}
	if out == nil {
		out = io.Discard
	}
	return &Console{in: in, out: out}
}

// OpenForReading returns a File reading from the console.
func (c *Console) OpenForReading() File {
	return &consoleFile{console: c, name: "console:in", readable: true}
}

// OpenForWriting returns a File writing to the console.
func (c *Console) OpenForWriting() File {
	return &consoleFile{console: c, name: "console:out", writable: true}
}

type consoleFile struct {
	console  *Console
	name     string
	readable bool
	writable bool
	closed   bool
}

func (f *consoleFile) Read(p []byte) (int, error) {
	if !f.readable || f.closed {
		return 0, io.ErrClosedPipe
	}
	return f.console.in.Read(p)
}

func (f *consoleFile) Write(p []byte) (int, error) {
	if !f.writable || f.closed {
		return 0, io.ErrClosedPipe
	}
	f.console.Lock()
	defer f.console.Unlock()
	return f.console.out.Write(p)
}

func (f *consoleFile) Close() error {
	f.closed = true
	return nil
}

func (f *consoleFile) Name() string {
	return f.name
}

type eof struct{}

func (eof) Read([]byte) (int, error) {
	return 0, io.EOF
}
