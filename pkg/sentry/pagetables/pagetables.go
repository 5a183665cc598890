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

// Package pagetables implements a software address space backend: per-task
// translation tables mapping user pages onto the backing pages of memory
// objects.
package pagetables

import (
	"fmt"
	"sort"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/Blaze9026/skift/pkg/sentry/memmap"
)

// Layout bounds the user portion of every address space.
type Layout struct {
	// UserStart is the lowest address ReserveAndMap will choose.
	UserStart hostarch.Addr

	// UserEnd is the exclusive upper bound of all user mappings.
	UserEnd hostarch.Addr
}

// DefaultLayout is used by NewBackend when given a zero Layout.
var DefaultLayout = Layout{
	UserStart: 0x400000,
	UserEnd:   0x7fff_ffff_f000,
}

// Backend is a memmap.Backend over software page tables.
type Backend struct {
	// layout is immutable.
	layout Layout

	// nextID is the ID of the next AddressSpace.
	nextID atomicbitops.Uint64

	// activeMu protects active.
	activeMu sync.Mutex
	active   *AddressSpace
}

// NewBackend returns a Backend using the given layout.
func NewBackend(layout Layout) *Backend {
	if layout == (Layout{}) {
		layout = DefaultLayout
	}
	if !layout.UserStart.IsPageAligned() || !layout.UserEnd.IsPageAligned() || layout.UserStart >= layout.UserEnd {
		panic(fmt.Sprintf("invalid layout: %+v", layout))
	}
	return &Backend{layout: layout}
}

// Layout returns b's layout.
func (b *Backend) Layout() Layout {
	return b.layout
}

// pte is a page table entry.
type pte struct {
	// page is the backing page, exactly hostarch.PageSize bytes long.
	page  []byte
	perms hostarch.AccessType
}

// AddressSpace is a memmap.AddressSpace created by a Backend.
type AddressSpace struct {
	// id and backend are immutable.
	id      uint64
	backend *Backend

	// mu protects ptes and regions.
	mu sync.Mutex

	// ptes maps page-aligned user addresses to their translations.
	ptes map[hostarch.Addr]pte

	// regions are the installed ranges, sorted by start and non-overlapping.
	regions []hostarch.AddrRange
}

// NewAddressSpace returns an empty AddressSpace.
func (b *Backend) NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		id:      b.nextID.Add(1),
		backend: b,
		ptes:    make(map[hostarch.Addr]pte),
	}
}

// ID implements memmap.AddressSpace.ID.
func (as *AddressSpace) ID() uint64 {
	return as.id
}

// String implements fmt.Stringer.
func (as *AddressSpace) String() string {
	return fmt.Sprintf("as%d", as.id)
}

func (b *Backend) space(mas memmap.AddressSpace) *AddressSpace {
	as, ok := mas.(*AddressSpace)
	if !ok || as.backend != b {
		panic(fmt.Sprintf("address space %v does not belong to this Backend", mas))
	}
	return as
}

func checkObject(o memmap.Object) {
	if size := o.Size(); size == 0 || !hostarch.IsPageAligned(size) || uint64(len(o.Bytes())) != size {
		panic(fmt.Sprintf("invalid object for mapping: handle %d size %#x", o.Handle(), size))
	}
}

// MaxUserAddress implements memmap.Backend.MaxUserAddress.
func (b *Backend) MaxUserAddress() hostarch.Addr {
	return b.layout.UserEnd
}

// ReserveAndMap implements memmap.Backend.ReserveAndMap. It chooses the lowest
// range in the user layout that is free in as and intersects nothing in
// avoid.
func (b *Backend) ReserveAndMap(mas memmap.AddressSpace, o memmap.Object, at hostarch.AccessType, avoid []hostarch.AddrRange) (hostarch.Addr, error) {
	checkObject(o)
	as := b.space(mas)
	as.mu.Lock()
	defer as.mu.Unlock()
	addr, ok := as.findGapLocked(o.Size(), avoid)
	if !ok {
		log.Warningf("%v: no free range of %#x bytes", as, o.Size())
		return 0, linuxerr.ENOMEM
	}
	as.installLocked(addr, o, at)
	return addr, nil
}

// MapAt implements memmap.Backend.MapAt.
func (b *Backend) MapAt(mas memmap.AddressSpace, o memmap.Object, addr hostarch.Addr, at hostarch.AccessType) error {
	checkObject(o)
	as := b.space(mas)
	if !addr.IsPageAligned() {
		return linuxerr.EFAULT
	}
	ar, ok := addr.ToRange(o.Size())
	if !ok || ar.End > b.layout.UserEnd {
		return linuxerr.EFAULT
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.regions {
		if r.Overlaps(ar) {
			return linuxerr.EFAULT
		}
	}
	as.installLocked(addr, o, at)
	return nil
}

// Unmap implements memmap.Backend.Unmap.
func (b *Backend) Unmap(mas memmap.AddressSpace, ar hostarch.AddrRange) {
	as := b.space(mas)
	if !ar.WellFormed() || !ar.Start.IsPageAligned() {
		panic(fmt.Sprintf("invalid unmap range: %v", ar))
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		delete(as.ptes, addr)
	}
	as.removeRegionLocked(ar)
}

// ZeroRange implements memmap.Backend.ZeroRange.
func (b *Backend) ZeroRange(mas memmap.AddressSpace, ar hostarch.AddrRange) error {
	as := b.space(mas)
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.forEachPageLocked(ar.Start, uint64(ar.Length()), hostarch.Write, func(bs []byte) {
		clear(bs)
	})
}

// Activate implements memmap.Backend.Activate.
func (b *Backend) Activate(mas memmap.AddressSpace) {
	as := b.space(mas)
	b.activeMu.Lock()
	b.active = as
	b.activeMu.Unlock()
	log.Debugf("pagetables: activated %v", as)
}

// Active returns the AddressSpace most recently activated, or nil.
func (b *Backend) Active() *AddressSpace {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	return b.active
}

// CopyIn copies len(dst) bytes from the user memory at addr in as into dst.
func (b *Backend) CopyIn(mas memmap.AddressSpace, addr hostarch.Addr, dst []byte) (int, error) {
	as := b.space(mas)
	as.mu.Lock()
	defer as.mu.Unlock()
	n := 0
	err := as.forEachPageLocked(addr, uint64(len(dst)), hostarch.Read, func(bs []byte) {
		n += copy(dst[n:], bs)
	})
	return n, err
}

// CopyOut copies src into the user memory at addr in as.
func (b *Backend) CopyOut(mas memmap.AddressSpace, addr hostarch.Addr, src []byte) (int, error) {
	as := b.space(mas)
	as.mu.Lock()
	defer as.mu.Unlock()
	n := 0
	err := as.forEachPageLocked(addr, uint64(len(src)), hostarch.Write, func(bs []byte) {
		n += copy(bs, src[n:])
	})
	return n, err
}

// Mapped returns the number of bytes translated in as.
func (b *Backend) Mapped(mas memmap.AddressSpace) uint64 {
	as := b.space(mas)
	as.mu.Lock()
	defer as.mu.Unlock()
	return uint64(len(as.ptes)) * hostarch.PageSize
}

// forEachPageLocked invokes fn on the slices of backing memory that
// collectively map [addr, addr+length), stopping with EFAULT at the first
// page that is unmapped or lacks the required access.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) forEachPageLocked(addr hostarch.Addr, length uint64, at hostarch.AccessType, fn func([]byte)) error {
	ar, ok := addr.ToRange(length)
	if !ok {
		return linuxerr.EFAULT
	}
	for cur := ar.Start; cur < ar.End; {
		page := cur.RoundDown()
		e, ok := as.ptes[page]
		if !ok || !e.perms.SupersetOf(at) {
			return linuxerr.EFAULT
		}
		off := uint64(cur - page)
		end := uint64(hostarch.PageSize)
		if rem := uint64(ar.End - page); rem < end {
			end = rem
		}
		fn(e.page[off:end])
		cur = page + hostarch.PageSize
	}
	return nil
}

// findGapLocked returns the lowest page-aligned address in the user layout at
// which length bytes are unmapped and clear of every range in avoid.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) findGapLocked(length uint64, avoid []hostarch.AddrRange) (hostarch.Addr, bool) {
	busy := as.regions
	if len(avoid) != 0 {
		busy = make([]hostarch.AddrRange, 0, len(as.regions)+len(avoid))
		busy = append(busy, as.regions...)
		for _, r := range avoid {
			// Unaligned ranges exclude every page they touch.
			busy = append(busy, hostarch.AddrRange{Start: r.Start.RoundDown(), End: roundUpSaturating(r.End)})
		}
		sort.Slice(busy, func(i, j int) bool { return busy[i].Start < busy[j].Start })
	}
	l := as.backend.layout
	start := l.UserStart
	for _, r := range busy {
		if r.End <= start {
			continue
		}
		if r.Start >= start && uint64(r.Start-start) >= length {
			return start, true
		}
		start = r.End
	}
	if l.UserEnd > start && uint64(l.UserEnd-start) >= length {
		return start, true
	}
	return 0, false
}

// Preconditions: as.mu must be locked. [addr, addr+o.Size()) is unmapped.
func (as *AddressSpace) installLocked(addr hostarch.Addr, o memmap.Object, at hostarch.AccessType) {
	data := o.Bytes()
	size := o.Size()
	for off := uint64(0); off < size; off += hostarch.PageSize {
		as.ptes[addr+hostarch.Addr(off)] = pte{
			page:  data[off : off+hostarch.PageSize : off+hostarch.PageSize],
			perms: at,
		}
	}
	ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)}
	i := sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].Start >= ar.Start
	})
	as.regions = append(as.regions, hostarch.AddrRange{})
	copy(as.regions[i+1:], as.regions[i:])
	as.regions[i] = ar
	log.Debugf("pagetables: %v: mapped %v to object %d", as, ar, o.Handle())
}

// Preconditions: as.mu must be locked.
func (as *AddressSpace) removeRegionLocked(ar hostarch.AddrRange) {
	out := make([]hostarch.AddrRange, 0, len(as.regions)+1)
	for _, r := range as.regions {
		if !r.Overlaps(ar) {
			out = append(out, r)
			continue
		}
		// r may be split in two.
		if r.Start < ar.Start {
			out = append(out, hostarch.AddrRange{Start: r.Start, End: ar.Start})
		}
		if ar.End < r.End {
			out = append(out, hostarch.AddrRange{Start: ar.End, End: r.End})
		}
	}
	as.regions = out
}

func roundUpSaturating(a hostarch.Addr) hostarch.Addr {
	if r, ok := a.RoundUp(); ok {
		return r
	}
	return ^hostarch.Addr(0)
}
