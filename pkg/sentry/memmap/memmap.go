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

// Package memmap defines the contracts between the task memory manager and
// the subsystems that realize its mappings: the memory object registry and
// the address space backend.
package memmap

import (
	"fmt"
	"strings"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// Handle is an opaque integer naming an Object in a Registry. Handles are
// how tasks share objects without exchanging pointers.
type Handle int32

// InvalidHandle is never assigned to an Object.
const InvalidHandle Handle = -1

// Object is a fixed-size, reference-counted block of backing memory. A single
// Object may back mappings in several tasks at once.
type Object interface {
	// Handle returns the Object's registry handle.
	Handle() Handle

	// Size returns the Object's length in bytes. Size is page-aligned and
	// never changes.
	Size() uint64

	// Bytes returns the Object's backing memory. The slice is valid only
	// while the caller holds a reference on the Object.
	Bytes() []byte
}

// Registry creates Objects, resolves handles to them, and counts references.
//
// Implementations must make Retain and Release atomic with respect to each
// other and to concurrent callers.
type Registry interface {
	// Create returns a new Object of at least size bytes, with one reference
	// held by the caller.
	Create(size uint64) (Object, error)

	// Resolve returns the Object named by h with an additional reference
	// held by the caller. ok is false if h names no live Object, in which
	// case no reference is taken.
	Resolve(h Handle) (o Object, ok bool)

	// Retain takes an additional reference on o.
	Retain(o Object)

	// Release drops a reference on o, destroying it when the last reference
	// is dropped.
	Release(o Object)
}

// AddressSpace is an opaque per-task hardware translation context.
type AddressSpace interface {
	// ID uniquely identifies the AddressSpace within its Backend.
	ID() uint64
}

// Backend installs and removes translations in AddressSpaces.
//
// Backend calls are synchronous and do not block.
type Backend interface {
	// ReserveAndMap chooses a range that is free in as, large enough for o
	// and disjoint from every range in avoid, maps o there with the given
	// permissions, and returns the start of the range.
	ReserveAndMap(as AddressSpace, o Object, at hostarch.AccessType, avoid []hostarch.AddrRange) (hostarch.Addr, error)

	// MapAt maps o at addr in as with the given permissions.
	MapAt(as AddressSpace, o Object, addr hostarch.Addr, at hostarch.AccessType) error

	// MaxUserAddress returns the exclusive upper bound of user mappings.
	MaxUserAddress() hostarch.Addr

	// Unmap removes all translations in ar from as.
	Unmap(as AddressSpace, ar hostarch.AddrRange)

	// ZeroRange zero-fills the memory mapped at ar in as.
	ZeroRange(as AddressSpace, ar hostarch.AddrRange) error

	// Activate makes as the address space used for translation.
	Activate(as AddressSpace)
}

// MapFlags modify a placement request.
type MapFlags uint32

const (
	// MapClear zero-fills the mapped range immediately after installation.
	MapClear MapFlags = 1 << iota
)

// String implements fmt.Stringer.
func (f MapFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f&MapClear != 0 {
		parts = append(parts, "clear")
		f &^= MapClear
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(f)))
	}
	return strings.Join(parts, "|")
}

// UserAccess is the protection applied to every task mapping.
var UserAccess = hostarch.ReadWrite
