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
	"strconv"
	"strings"
)

const (
	// MemhogPages is the number of data pages touched by memhog.
	MemhogPages = 16
)

// Builtin returns the built-in programs.
func Builtin() []*Program {
	return []*Program{
		{Name: "halt.coff", CodePages: 1, Main: haltMain},
		{Name: "echo.coff", CodePages: 1, Main: echoMain},
		{Name: "cat.coff", CodePages: 1, Main: catMain},
		{Name: "memhog.coff", CodePages: 2, DataPages: MemhogPages, Main: memhogMain},
		{Name: "spawn.coff", CodePages: 1, Main: spawnMain},
	}
}

// Default returns a library of the built-in programs.
func Default() *Library {
	l, err := NewLibrary(Builtin()...)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in programs: %v", err))
	}
	return l
}

func haltMain(_ context.Context, u *User) int {
	u.Halt()
	return 0
}

// echo prints its arguments.
func echoMain(_ context.Context, u *User) int {
	msg := strings.Join(u.Args(), " ") + "\n"
	if u.Print(msg) != len(msg) {
		return 1
	}
	return 0
}

// cat copies standard input to standard output.
func catMain(ctx context.Context, u *User) int {
	for ctx.Err() == nil {
		data := u.Read(stdin, u.pageSize())
		switch {
		case data == nil:
			return 1
		case len(data) == 0:
			return 0
		}
		if u.Write(stdout, data) != len(data) {
			return 1
		}
	}
	return 1
}

// memhog fills its data pages with a pattern and verifies them, the
// given number of rounds. It fails with 1 on the first mismatch.
func memhogMain(ctx context.Context, u *User) int {
	rounds := 2
	if args := u.Args(); len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			u.Print("usage: memhog.coff [rounds]\n")
			return 2
		}
		rounds = n
	}

	var (
		pageSize = u.pageSize()
		first    = u.bottom - uint32(MemhogPages*pageSize)
		page     = make([]byte, pageSize)
		check    = make([]byte, pageSize)
	)

	fill := func(vpn, round int) {
		for i := range page {
			page[i] = byte(vpn*31 + round*7 + i)
		}
	}

	for round := range rounds {
		for vpn := range MemhogPages {
			if ctx.Err() != nil {
				return 1
			}
			fill(vpn, round)
			if u.Store(first+uint32(vpn*pageSize), page) != pageSize {
				u.Print(fmt.Sprintf("memhog: failed to store page %d\n", vpn))
				return 1
			}
		}
		for vpn := range MemhogPages {
			fill(vpn, round)
			if u.Load(first+uint32(vpn*pageSize), check) != pageSize || string(check) != string(page) {
				u.Print(fmt.Sprintf("memhog: page %d corrupted in round %d\n", vpn, round))
				return 1
			}
		}
	}

	u.Print(fmt.Sprintf("memhog: %d pages, %d rounds ok\n", MemhogPages, rounds))

	return 0
}

// spawn runs a program in a child process, or with -n N in N concurrent
// child processes, and waits for them. It exits with the status of the
// child, or with the number of failed children.
func spawnMain(_ context.Context, u *User) int {
	args := u.Args()
	count := 1

	if len(args) > 2 && args[0] == "-n" {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			args = nil
		} else {
			count = n
			args = args[2:]
		}
	}
	if len(args) == 0 {
		u.Print("usage: spawn.coff [-n count] program [args...]\n")
		return -1
	}

	pids := make([]int, 0, count)
	for range count {
		pid := u.Exec(args[0], args[1:]...)
		if pid < 0 {
			u.Print(fmt.Sprintf("spawn: failed to exec %s\n", args[0]))
			break
		}
		pids = append(pids, pid)
	}

	var (
		status int
		failed = count - len(pids)
	)
	for _, pid := range pids {
		s, rc := u.Join(pid)
		switch {
		case rc != 1:
			u.Print(fmt.Sprintf("spawn: pid %d terminated abnormally\n", pid))
			failed++
		case s != 0:
			u.Print(fmt.Sprintf("spawn: pid %d exited with status %d\n", pid, s))
			failed++
		}
		status = s
	}

	if count == 1 {
		if failed > 0 && status == 0 {
			return -1
		}
		return status
	}

	return failed
}
