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

package mm

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/Blaze9026/skift/pkg/sentry/memmap"
)

// Mapping binds a range of a task's address space to a memory object. A
// Mapping holds one reference on its object. Mappings are immutable.
type Mapping struct {
	object memmap.Object
	addr   hostarch.Addr
	size   uint64

	// as is the address space the range was installed in, which is where it
	// is unmapped from even if the task has since switched spaces.
	as memmap.AddressSpace
}

// Address returns the start of the mapped range.
func (m *Mapping) Address() hostarch.Addr {
	return m.addr
}

// Size returns the length of the mapped range in bytes.
func (m *Mapping) Size() uint64 {
	return m.size
}

// Range returns the mapped range.
func (m *Mapping) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: m.addr, End: m.addr + hostarch.Addr(m.size)}
}

// Handle returns the handle of the mapped object.
func (m *Mapping) Handle() memmap.Handle {
	return m.object.Handle()
}

// String implements fmt.Stringer.
func (m *Mapping) String() string {
	return fmt.Sprintf("[%#x, %#x) -> object %d", m.addr, uint64(m.addr)+m.size, m.object.Handle())
}

// MappingInfo is a snapshot of a Mapping.
type MappingInfo struct {
	Addr   hostarch.Addr
	Size   uint64
	Handle memmap.Handle
}

// mappingTable is a task's set of live mappings in insertion order. Tasks
// hold few mappings, so lookups are linear scans.
type mappingTable struct {
	mappings []*Mapping
}

// insert appends m. Callers must ensure m does not collide with any mapping
// in the table.
func (mt *mappingTable) insert(m *Mapping) {
	mt.mappings = append(mt.mappings, m)
}

// remove detaches m, identified by pointer, from the table.
func (mt *mappingTable) remove(m *Mapping) {
	for i, cur := range mt.mappings {
		if cur == m {
			copy(mt.mappings[i:], mt.mappings[i+1:])
			mt.mappings[len(mt.mappings)-1] = nil
			mt.mappings = mt.mappings[:len(mt.mappings)-1]
			return
		}
	}
	panic(fmt.Sprintf("mapping %v not in table", m))
}

// findByAddress returns the mapping starting exactly at addr, or nil.
func (mt *mappingTable) findByAddress(addr hostarch.Addr) *Mapping {
	for _, m := range mt.mappings {
		if m.addr == addr {
			return m
		}
	}
	return nil
}

// collides returns true if any mapping intersects [addr, addr+size).
func (mt *mappingTable) collides(addr hostarch.Addr, size uint64) bool {
	start := uint64(addr)
	end := start + size
	for _, m := range mt.mappings {
		if start < uint64(m.addr)+m.size && end > uint64(m.addr) {
			return true
		}
	}
	return false
}

// usage returns the summed size of all mappings.
func (mt *mappingTable) usage() uint64 {
	var total uint64
	for _, m := range mt.mappings {
		total += m.size
	}
	return total
}

// ranges returns the range of every mapping.
func (mt *mappingTable) ranges() []hostarch.AddrRange {
	rs := make([]hostarch.AddrRange, 0, len(mt.mappings))
	for _, m := range mt.mappings {
		rs = append(rs, m.Range())
	}
	return rs
}

func (mt *mappingTable) len() int {
	return len(mt.mappings)
}

func (mt *mappingTable) at(i int) *Mapping {
	return mt.mappings[i]
}

func (mt *mappingTable) snapshot() []MappingInfo {
	infos := make([]MappingInfo, 0, len(mt.mappings))
	for _, m := range mt.mappings {
		infos = append(infos, MappingInfo{Addr: m.addr, Size: m.size, Handle: m.object.Handle()})
	}
	return infos
}
