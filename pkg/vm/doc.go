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

// Package vm implements virtual memory for user processes.
//
// Physical memory is a fixed array of frames shared by all processes. A
// single FrameTable records which (process, virtual page) owns each frame.
// Each process has an AddressSpace, a linear page table of Entries indexed
// by virtual page number. When the frames run out, the Pager asks the
// FrameTable for a randomly chosen victim, writes the victim to the
// SwapStore if necessary, and hands the freed frame to the requester. Pages
// of a process which have been swapped out are brought back in when the
// process next accesses them through its AddressSpace.
//
// Locking
//
// The FrameTable and the SwapStore are each guarded by their own lock. All
// Entry fields are read and written with the FrameTable lock held, which
// Do exposes to callers. Operations which move pages between memory and swap
// are serialized by the Pager. A frame chosen for eviction is detached from
// its owner and reserved for the evictor before its contents are written to
// swap, so it is never handed out twice.
package vm
