// Copyright 2025 The gVisor Authors.
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

// Package syscalls decodes the numbered memory system calls and dispatches
// them to a task's memory manager.
package syscalls

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/Blaze9026/skift/pkg/sentry/memmap"
	"github.com/Blaze9026/skift/pkg/sentry/mm"
)

// Result is the status code a memory system call returns to user space.
type Result int

const (
	// Success is returned by a call that completed.
	Success Result = iota

	// ErrBadAddress is returned for an unaligned, colliding or unmapped
	// address, and for an unknown handle.
	ErrBadAddress

	// ErrInvalidArgument is returned for malformed arguments, including an
	// unknown system call number.
	ErrInvalidArgument

	// ErrOutOfMemory is returned when no object or address range can be
	// allocated.
	ErrOutOfMemory

	// ErrTerminated is returned to a task that has been killed. The task
	// never observes it in practice, since it is not scheduled again.
	ErrTerminated
)

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case ErrBadAddress:
		return "ERR_BAD_ADDRESS"
	case ErrInvalidArgument:
		return "ERR_INVALID_ARGUMENT"
	case ErrOutOfMemory:
		return "ERR_OUT_OF_MEMORY"
	case ErrTerminated:
		return "ERR_TERMINATED"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// ResultOf maps an error returned by the mm package to a Result.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Success
	case err == mm.ErrTerminated:
		return ErrTerminated
	case linuxerr.Equals(linuxerr.EFAULT, err):
		return ErrBadAddress
	case linuxerr.Equals(linuxerr.ENOMEM, err):
		return ErrOutOfMemory
	default:
		return ErrInvalidArgument
	}
}

// Sysno is a memory system call number.
type Sysno uintptr

// Memory system call numbers.
const (
	MemoryAlloc Sysno = iota + 1
	MemoryMap
	MemoryFree
	MemoryInclude
	MemoryGetHandle
)

var sysnoNames = map[Sysno]string{
	MemoryAlloc:     "memory_alloc",
	MemoryMap:       "memory_map",
	MemoryFree:      "memory_free",
	MemoryInclude:   "memory_include",
	MemoryGetHandle: "memory_get_handle",
}

// String implements fmt.Stringer.
func (s Sysno) String() string {
	if name, ok := sysnoNames[s]; ok {
		return name
	}
	return fmt.Sprintf("sysno(%d)", uintptr(s))
}

// Args are the raw register arguments of a system call.
//
// Argument layout per call:
//
//	MemoryAlloc      size
//	MemoryMap        addr, size, flags
//	MemoryFree       addr
//	MemoryInclude    handle
//	MemoryGetHandle  addr
type Args [4]uintptr

// Dispatch runs system call no for t and returns its result and output
// registers:
//
//	MemoryAlloc      rets[0] = addr
//	MemoryInclude    rets[0] = addr, rets[1] = size
//	MemoryGetHandle  rets[0] = handle
func Dispatch(ctx context.Context, t *mm.Task, no Sysno, args Args) (Result, [2]uintptr) {
	var rets [2]uintptr
	var err error
	switch no {
	case MemoryAlloc:
		var addr hostarch.Addr
		addr, err = t.Allocate(ctx, uint64(args[0]))
		rets[0] = uintptr(addr)
	case MemoryMap:
		err = t.Map(ctx, hostarch.Addr(args[0]), uint64(args[1]), memmap.MapFlags(args[2]))
	case MemoryFree:
		err = t.Free(ctx, hostarch.Addr(args[0]))
	case MemoryInclude:
		h, ok := handleArg(args[0])
		if !ok {
			return ErrBadAddress, rets
		}
		var addr hostarch.Addr
		var size uint64
		addr, size, err = t.Include(ctx, h)
		rets[0], rets[1] = uintptr(addr), uintptr(size)
	case MemoryGetHandle:
		var h memmap.Handle
		h, err = t.GetHandle(ctx, hostarch.Addr(args[0]))
		rets[0] = uintptr(h)
	default:
		ctx.Warningf("syscalls: %v called unknown %v", t, no)
		return ErrInvalidArgument, rets
	}
	r := ResultOf(err)
	if r != Success {
		ctx.Debugf("syscalls: %v %v%v = %v (%v)", t, no, args, r, err)
		rets = [2]uintptr{}
	}
	return r, rets
}

// handleArg decodes a handle argument. Handles are positive 32-bit values.
func handleArg(v uintptr) (memmap.Handle, bool) {
	h := memmap.Handle(int32(v))
	if h <= 0 || uintptr(h) != v {
		return memmap.InvalidHandle, false
	}
	return h, true
}
