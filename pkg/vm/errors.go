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

package vm

import "fmt"

var (
	ErrFailedOption  = fmt.Errorf("vm: failed to apply option")
	ErrInvalidFrame  = fmt.Errorf("vm: invalid frame")
	ErrExists        = fmt.Errorf("vm: page already registered")
	ErrUnknownPage   = fmt.Errorf("vm: unknown page")
	ErrFrameClaimed  = fmt.Errorf("vm: frame already claimed")
	ErrNotReserved   = fmt.Errorf("vm: swap slot not reserved")
	ErrNoFrame       = fmt.Errorf("vm: no free frame")
	ErrNoVictim      = fmt.Errorf("vm: no eviction victim")
	ErrNoMem         = fmt.Errorf("vm: insufficient memory")
	ErrNoVirtualMem  = fmt.Errorf("vm: insufficient virtual address space")
	ErrNotSwapped    = fmt.Errorf("vm: page not in swap")
	ErrReadOnly      = fmt.Errorf("vm: page is read-only")
	ErrInvalidPage   = fmt.Errorf("vm: page not present")
	ErrFragmented    = fmt.Errorf("vm: fragmented executable")
	ErrArgsTooLong   = fmt.Errorf("vm: arguments too long")
	ErrSectionLoad   = fmt.Errorf("vm: failed to load section")
	ErrReleased      = fmt.Errorf("vm: address space released")
	ErrSwapBusy      = fmt.Errorf("vm: swap file in use")
	ErrSwapClosed    = fmt.Errorf("vm: swap store torn down")
	ErrNoSlot        = fmt.Errorf("vm: no swap slot")
	ErrShortPage     = fmt.Errorf("vm: short page")
	ErrInternalError = fmt.Errorf("vm: internal error")
)
