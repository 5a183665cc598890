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

// Package mm provides the per-task memory manager: each Task's table of
// mappings, the per-task memory quota, and the operations a task uses to
// allocate, place, share and release memory.
//
// Lock order:
//
//	interrupts.CPU guard
//	  memmap.Backend locks
//	  memmap.Registry locks
//
// A Task's mapping table and address space are only mutated with the
// Kernel's CPU guard held, so interrupt handlers on that CPU always observe
// a consistent table. Operations of a single Task are not invoked
// concurrently with one another.
package mm

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/Blaze9026/skift/pkg/sentry/interrupts"
	"github.com/Blaze9026/skift/pkg/sentry/memmap"
	"github.com/Blaze9026/skift/pkg/sentry/usage"
)

// ErrTerminated is returned by operations on a Task that has been terminated,
// including the operation whose quota violation terminated it. The task must
// not be resumed.
var ErrTerminated = errors.New("task terminated")

// ExitStatus is the status a terminated task reports.
type ExitStatus int

const (
	// ProcessSuccess is a normal exit.
	ProcessSuccess ExitStatus = iota

	// ProcessFailure is reported when a task is killed by the kernel.
	ProcessFailure
)

// String implements fmt.Stringer.
func (s ExitStatus) String() string {
	switch s {
	case ProcessSuccess:
		return "success"
	case ProcessFailure:
		return "failure"
	default:
		return fmt.Sprintf("ExitStatus(%d)", int(s))
	}
}

// Lifecycle is the part of the process abstraction the memory manager needs
// to report and enforce quota violations.
type Lifecycle interface {
	// WriteFD writes p to the task's file descriptor fd.
	WriteFD(fd int, p []byte) error

	// Cancel terminates the task with the given status. The task is not
	// scheduled again.
	Cancel(status ExitStatus)
}

// Config holds kernel-wide memory manager options.
type Config struct {
	// TotalMemory is the size of system memory in bytes. Each task may map
	// at most half of it. If TotalMemory is zero, usage.TotalMemory() is
	// used.
	TotalMemory uint64
}

// Kernel holds the collaborators shared by every Task.
type Kernel struct {
	// All fields are immutable.
	registry memmap.Registry
	backend  memmap.Backend
	cpu      *interrupts.CPU

	totalMemory uint64
}

// NewKernel returns a Kernel. If cpu is nil, a new CPU is used.
func NewKernel(cfg Config, registry memmap.Registry, backend memmap.Backend, cpu *interrupts.CPU) *Kernel {
	if registry == nil || backend == nil {
		panic("mm: NewKernel requires a registry and a backend")
	}
	if cpu == nil {
		cpu = &interrupts.CPU{}
	}
	total := cfg.TotalMemory
	if total == 0 {
		total = usage.TotalMemory()
	}
	log.Infof("mm: total memory %d bytes, per-task ceiling %d bytes", total, total/2)
	return &Kernel{
		registry:    registry,
		backend:     backend,
		cpu:         cpu,
		totalMemory: total,
	}
}

// TotalMemory returns the size of system memory used for quota checks.
func (k *Kernel) TotalMemory() uint64 {
	return k.totalMemory
}

// Ceiling returns the maximum number of bytes a task may have mapped.
func (k *Kernel) Ceiling() uint64 {
	return k.totalMemory / 2
}

// CPU returns the CPU whose interrupts guard task mapping tables.
func (k *Kernel) CPU() *interrupts.CPU {
	return k.cpu
}

// Task is the memory-management view of a process.
type Task struct {
	// k, name and lifecycle are immutable.
	k         *Kernel
	name      string
	lifecycle Lifecycle

	// as is the task's active address space.
	//
	// as is protected by the CPU guard.
	as memmap.AddressSpace

	// mappings is protected by the CPU guard.
	mappings mappingTable

	// dead is set once the task is terminated or exits.
	dead atomicbitops.Bool
}

// NewTask returns a Task with no mappings using address space as.
func (k *Kernel) NewTask(name string, as memmap.AddressSpace, lifecycle Lifecycle) *Task {
	if as == nil || lifecycle == nil {
		panic("mm: NewTask requires an address space and a lifecycle")
	}
	return &Task{
		k:         k,
		name:      name,
		lifecycle: lifecycle,
		as:        as,
	}
}

// Name returns the task's name.
func (t *Task) Name() string {
	return t.name
}

// Dead returns true if the task has been terminated or has exited.
func (t *Task) Dead() bool {
	return t.dead.Load()
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("task %q", t.name)
}

// AddressSpace returns the task's current address space.
func (t *Task) AddressSpace() memmap.AddressSpace {
	g := t.k.cpu.Disable()
	defer g.Release()
	return t.as
}

// Exit tears down the task's memory: every mapping is unmapped and its object
// reference released. Exit returns the number of mappings released. Further
// operations on t return ErrTerminated.
//
// A task killed for exceeding its quota keeps its mappings until Exit is
// called. Exit may be called more than once; later calls release nothing.
func (t *Task) Exit() int {
	t.dead.Store(true)

	g := t.k.cpu.Disable()
	defer g.Release()
	n := 0
	for t.mappings.len() != 0 {
		t.destroyMappingLocked(t.mappings.at(t.mappings.len() - 1))
		n++
	}
	log.Debugf("mm: %v exited, released %d mappings", t, n)
	return n
}
