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
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/Blaze9026/skift/pkg/sentry/memmap"
	"github.com/Blaze9026/skift/pkg/sentry/usage"
)

// Allocate maps a new zeroed object of at least size bytes at an address
// chosen by the backend and returns that address.
//
// If the allocation would exceed the task's quota, the task is terminated and
// Allocate returns ErrTerminated without creating anything.
func (t *Task) Allocate(ctx context.Context, size uint64) (hostarch.Addr, error) {
	if t.Dead() {
		return 0, ErrTerminated
	}
	if size == 0 {
		return 0, linuxerr.EINVAL
	}
	size = pageRoundUp(size)
	if t.killIfTooGreedy(ctx, size) {
		return 0, ErrTerminated
	}

	o, err := t.k.registry.Create(size)
	if err != nil {
		return 0, err
	}
	// The mapping takes its own reference; ours is temporary.
	defer t.k.registry.Release(o)

	g := t.k.cpu.Disable()
	defer g.Release()
	m, err := t.createMappingLocked(o)
	if err != nil {
		return 0, err
	}
	ctx.Debugf("mm: %v allocated %v", t, m)
	return m.addr, nil
}

// Map maps a new object of at least size bytes at addr. If flags contains
// memmap.MapClear, the range is zero-filled before Map returns.
//
// Map returns EFAULT, without creating anything, if addr is not page-aligned,
// the range ends past the backend's user range, or it collides with an
// existing mapping.
func (t *Task) Map(ctx context.Context, addr hostarch.Addr, size uint64, flags memmap.MapFlags) error {
	if t.Dead() {
		return ErrTerminated
	}
	if size == 0 {
		return linuxerr.EINVAL
	}
	size = pageRoundUp(size)
	if t.killIfTooGreedy(ctx, size) {
		return ErrTerminated
	}
	if !addr.IsPageAligned() {
		return linuxerr.EFAULT
	}
	if ar, ok := addr.ToRange(size); !ok || ar.End > t.k.backend.MaxUserAddress() {
		return linuxerr.EFAULT
	}

	g := t.k.cpu.Disable()
	defer g.Release()

	// Check for collisions before creating the object, so that a rejected
	// request touches no reference counts.
	if t.mappings.collides(addr, size) {
		return linuxerr.EFAULT
	}
	o, err := t.k.registry.Create(size)
	if err != nil {
		return err
	}
	defer t.k.registry.Release(o)

	m, err := t.createMappingAtLocked(o, addr)
	if err != nil {
		return err
	}
	if flags&memmap.MapClear != 0 {
		if err := t.k.backend.ZeroRange(t.as, m.Range()); err != nil {
			// The range was installed above; it must be zeroable.
			panic("mm: failed to clear new mapping " + m.String() + ": " + err.Error())
		}
	}
	ctx.Debugf("mm: %v mapped %v (flags %v)", t, m, flags)
	return nil
}

// Free unmaps the mapping that starts at addr and releases its reference on
// the backing object. It returns EFAULT if no mapping starts at addr.
func (t *Task) Free(ctx context.Context, addr hostarch.Addr) error {
	if t.Dead() {
		return ErrTerminated
	}
	g := t.k.cpu.Disable()
	defer g.Release()
	m := t.mappings.findByAddress(addr)
	if m == nil {
		return linuxerr.EFAULT
	}
	t.destroyMappingLocked(m)
	ctx.Debugf("mm: %v freed %v", t, m)
	return nil
}

// Include maps the existing object named by h into t at an address chosen by
// the backend, and returns the address and the object's size. This is how
// tasks share memory. Include returns EFAULT if h names no object.
//
// The handle is resolved before the quota is consulted, so an unknown handle
// never terminates the task.
func (t *Task) Include(ctx context.Context, h memmap.Handle) (hostarch.Addr, uint64, error) {
	if t.Dead() {
		return 0, 0, ErrTerminated
	}
	o, ok := t.k.registry.Resolve(h)
	if !ok {
		return 0, 0, linuxerr.EFAULT
	}
	if t.wouldExceed(o.Size()) {
		t.k.registry.Release(o)
		t.kill(ctx, o.Size())
		return 0, 0, ErrTerminated
	}
	defer t.k.registry.Release(o)

	g := t.k.cpu.Disable()
	defer g.Release()
	m, err := t.createMappingLocked(o)
	if err != nil {
		return 0, 0, err
	}
	ctx.Debugf("mm: %v included %v", t, m)
	return m.addr, m.size, nil
}

// GetHandle returns the handle of the object mapped at addr, which another
// task may pass to Include. It returns EFAULT if no mapping starts at addr.
func (t *Task) GetHandle(ctx context.Context, addr hostarch.Addr) (memmap.Handle, error) {
	if t.Dead() {
		return memmap.InvalidHandle, ErrTerminated
	}
	g := t.k.cpu.Disable()
	defer g.Release()
	m := t.mappings.findByAddress(addr)
	if m == nil {
		return memmap.InvalidHandle, linuxerr.EFAULT
	}
	return m.Handle(), nil
}

// SwitchAddressSpace makes as the task's address space, activates it for
// translation, and returns the previous address space. The mapping table is
// not changed.
func (t *Task) SwitchAddressSpace(as memmap.AddressSpace) memmap.AddressSpace {
	g := t.k.cpu.Disable()
	defer g.Release()
	return t.SwitchAddressSpaceLocked(as)
}

// SwitchAddressSpaceLocked is SwitchAddressSpace for callers that already run
// with interrupts disabled, such as the scheduler's interrupt handler.
func (t *Task) SwitchAddressSpaceLocked(as memmap.AddressSpace) memmap.AddressSpace {
	if as == nil {
		panic("mm: switch to nil address space")
	}
	old := t.as
	t.as = as
	t.k.backend.Activate(as)
	return old
}

// Usage returns the number of bytes mapped by t.
func (t *Task) Usage() uint64 {
	g := t.k.cpu.Disable()
	defer g.Release()
	return t.UsageLocked()
}

// UsageLocked is Usage for callers that already run with interrupts
// disabled.
func (t *Task) UsageLocked() uint64 {
	return t.mappings.usage()
}

// Mappings returns a snapshot of t's mappings in insertion order.
func (t *Task) Mappings() []MappingInfo {
	g := t.k.cpu.Disable()
	defer g.Release()
	return t.MappingsLocked()
}

// MappingsLocked is Mappings for callers that already run with interrupts
// disabled.
func (t *Task) MappingsLocked() []MappingInfo {
	return t.mappings.snapshot()
}

// createMappingLocked maps o at a backend-chosen address and records the
// mapping, taking a reference on o.
//
// Preconditions: The CPU guard is held.
func (t *Task) createMappingLocked(o memmap.Object) (*Mapping, error) {
	// The table may hold mappings installed in an earlier address space.
	addr, err := t.k.backend.ReserveAndMap(t.as, o, memmap.UserAccess, t.mappings.ranges())
	if err != nil {
		return nil, err
	}
	return t.recordLocked(o, addr), nil
}

// createMappingAtLocked maps o at addr and records the mapping, taking a
// reference on o.
//
// Preconditions: The CPU guard is held. The range does not collide with an
// existing mapping.
func (t *Task) createMappingAtLocked(o memmap.Object, addr hostarch.Addr) (*Mapping, error) {
	if err := t.k.backend.MapAt(t.as, o, addr, memmap.UserAccess); err != nil {
		return nil, err
	}
	return t.recordLocked(o, addr), nil
}

// Preconditions: The CPU guard is held.
func (t *Task) recordLocked(o memmap.Object, addr hostarch.Addr) *Mapping {
	t.k.registry.Retain(o)
	m := &Mapping{
		object: o,
		addr:   addr,
		size:   o.Size(),
		as:     t.as,
	}
	t.mappings.insert(m)
	usage.MemoryAccounting.Inc(m.size)
	return m
}

// destroyMappingLocked unmaps m, releases its reference and removes it from
// the table.
//
// Preconditions: The CPU guard is held. m is in t's table.
func (t *Task) destroyMappingLocked(m *Mapping) {
	t.k.backend.Unmap(m.as, m.Range())
	t.k.registry.Release(m.object)
	t.mappings.remove(m)
	usage.MemoryAccounting.Dec(m.size)
	if log.IsLogging(log.Debug) {
		log.Debugf("mm: %v unmapped %v", t, m)
	}
}
