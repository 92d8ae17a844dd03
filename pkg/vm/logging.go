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

import (
	logger "github.com/nachosvm/nachos/pkg/log"
)

var (
	log     = logger.Get("vm")
	details = logger.Get("vm-details")
	swaplog = logger.Get("swap")
)

// DumpState logs the state of the frame table.
func (t *FrameTable) DumpState(prefix string) {
	if !details.DebugEnabled() {
		return
	}

	t.Lock()
	defer t.Unlock()

	details.Debug("%sframe table: %d frames, %d used, %d free, %d pages registered",
		prefix, len(t.slots), t.used, len(t.free), len(t.pages))
	for i, s := range t.slots {
		switch {
		case s.entry != nil:
			details.Debug("%s  frame #%d: %s", prefix, i, s.describe())
		case s.reserved:
			details.Debug("%s  frame #%d: reserved", prefix, i)
		}
	}
}

// DumpState logs the state of the swap store.
func (s *SwapStore) DumpState(prefix string) {
	if !details.DebugEnabled() {
		return
	}

	st := s.Stats()
	details.Debug("%sswap %s: %d slots mapped, %d reserved, %d free, high-water %d",
		prefix, s.path, st.Mapped, st.Reserved, st.Free, st.HighWater)
}
