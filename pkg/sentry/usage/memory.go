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

// Package usage reports system memory size and accounts memory mapped into
// tasks.
package usage

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// DefaultTotalMemory is reported by TotalMemory when the host size cannot be
// determined.
const DefaultTotalMemory = 2 << 30

// MemoryLocked tracks bytes currently mapped into tasks, system-wide.
type MemoryLocked struct {
	mapped   atomicbitops.Uint64
	mappings atomicbitops.Int64
}

// MemoryAccounting is the global mapped-memory account.
var MemoryAccounting MemoryLocked

// Inc records a new mapping of length bytes.
func (m *MemoryLocked) Inc(length uint64) {
	m.mapped.Add(length)
	m.mappings.Add(1)
}

// Dec records the removal of a mapping of length bytes.
func (m *MemoryLocked) Dec(length uint64) {
	m.mapped.Add(^(length - 1))
	if m.mappings.Add(-1) < 0 {
		panic("usage: mapping count underflow")
	}
}

// Mapped returns the number of bytes currently mapped and the number of
// mappings they span.
func (m *MemoryLocked) Mapped() (bytes uint64, mappings int64) {
	return m.mapped.Load(), m.mappings.Load()
}
