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

import "fmt"

var (
	ErrFailedOption   = fmt.Errorf("kernel: failed to apply option")
	ErrAlreadyStarted = fmt.Errorf("kernel: already started")
	ErrHalted         = fmt.Errorf("kernel: halted")
	ErrNotChild       = fmt.Errorf("kernel: not a child process")
	ErrLoadFailed     = fmt.Errorf("kernel: failed to load program")
	ErrNotExecutable  = fmt.Errorf("kernel: not an executable")
)

// AssertionError is a violated kernel invariant. A process thread which
// panics with an AssertionError halts the kernel.
type AssertionError struct {
	PID     int
	Message string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("kernel: assertion failed in pid %d: %s", e.PID, e.Message)
}

func assertionf(pid int, format string, args ...interface{}) *AssertionError {
	return &AssertionError{
		PID:     pid,
		Message: fmt.Sprintf(format, args...),
	}
}
