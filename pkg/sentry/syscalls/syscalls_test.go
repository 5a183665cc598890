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

package syscalls

import (
	"errors"
	"testing"

	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/Blaze9026/skift/pkg/sentry/memmap"
	"github.com/Blaze9026/skift/pkg/sentry/mm"
	"github.com/Blaze9026/skift/pkg/sentry/pagetables"
	"github.com/Blaze9026/skift/pkg/sentry/pgalloc"
)

type nopLifecycle struct {
	cancelled bool
}

func (nopLifecycle) WriteFD(int, []byte) error { return nil }

func (l *nopLifecycle) Cancel(mm.ExitStatus) { l.cancelled = true }

func newTask(t *testing.T) (*mm.Task, *nopLifecycle) {
	t.Helper()
	backend := pagetables.NewBackend(pagetables.Layout{})
	k := mm.NewKernel(mm.Config{TotalMemory: 64 * hostarch.PageSize}, pgalloc.NewRegistry(pgalloc.RegistryOpts{}), backend, nil)
	l := &nopLifecycle{}
	return k.NewTask("test", backend.NewAddressSpace(), l), l
}

func TestResultOf(t *testing.T) {
	for _, test := range []struct {
		err  error
		want Result
	}{
		{nil, Success},
		{linuxerr.EFAULT, ErrBadAddress},
		{linuxerr.EINVAL, ErrInvalidArgument},
		{linuxerr.ENOMEM, ErrOutOfMemory},
		{mm.ErrTerminated, ErrTerminated},
		{errors.New("other"), ErrInvalidArgument},
	} {
		if got := ResultOf(test.err); got != test.want {
			t.Errorf("ResultOf(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}

func TestDispatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	task, _ := newTask(t)

	r, rets := Dispatch(ctx, task, MemoryAlloc, Args{3 * hostarch.PageSize})
	if r != Success {
		t.Fatalf("%v = %v", MemoryAlloc, r)
	}
	addr := rets[0]

	r, rets = Dispatch(ctx, task, MemoryGetHandle, Args{addr})
	if r != Success {
		t.Fatalf("%v = %v", MemoryGetHandle, r)
	}
	handle := rets[0]

	r, rets = Dispatch(ctx, task, MemoryInclude, Args{handle})
	if r != Success {
		t.Fatalf("%v = %v", MemoryInclude, r)
	}
	if rets[0] == addr {
		t.Errorf("included mapping reuses address %#x", addr)
	}
	if rets[1] != 3*hostarch.PageSize {
		t.Errorf("included size = %d, want %d", rets[1], 3*hostarch.PageSize)
	}

	if r, _ := Dispatch(ctx, task, MemoryMap, Args{0x1000, hostarch.PageSize, uintptr(memmap.MapClear)}); r != Success {
		t.Errorf("%v = %v", MemoryMap, r)
	}
	if r, _ := Dispatch(ctx, task, MemoryMap, Args{0x1000, hostarch.PageSize}); r != ErrBadAddress {
		t.Errorf("colliding %v = %v, want %v", MemoryMap, r, ErrBadAddress)
	}
	for _, a := range []uintptr{addr, rets[0], 0x1000} {
		if r, _ := Dispatch(ctx, task, MemoryFree, Args{a}); r != Success {
			t.Errorf("%v(%#x) = %v", MemoryFree, a, r)
		}
	}
	if got := task.Usage(); got != 0 {
		t.Errorf("Usage() = %d, want 0", got)
	}
}

func TestDispatchErrors(t *testing.T) {
	ctx := context.Background()
	task, l := newTask(t)

	for _, test := range []struct {
		name string
		no   Sysno
		args Args
		want Result
	}{
		{"unknown sysno", Sysno(99), Args{}, ErrInvalidArgument},
		{"zero alloc", MemoryAlloc, Args{0}, ErrInvalidArgument},
		{"unaligned map", MemoryMap, Args{0x1234, hostarch.PageSize}, ErrBadAddress},
		{"free unmapped", MemoryFree, Args{0x5000}, ErrBadAddress},
		{"handle of unmapped", MemoryGetHandle, Args{0x5000}, ErrBadAddress},
		{"unknown handle", MemoryInclude, Args{42}, ErrBadAddress},
		{"negative handle", MemoryInclude, Args{^uintptr(0)}, ErrBadAddress},
		{"oversized handle", MemoryInclude, Args{1 << 40}, ErrBadAddress},
	} {
		t.Run(test.name, func(t *testing.T) {
			r, rets := Dispatch(ctx, task, test.no, test.args)
			if r != test.want {
				t.Errorf("Dispatch(%v, %v) = %v, want %v", test.no, test.args, r, test.want)
			}
			if rets != [2]uintptr{} {
				t.Errorf("failed call returned outputs %v", rets)
			}
		})
	}
	if l.cancelled {
		t.Errorf("task cancelled by a failed call")
	}

	if r, _ := Dispatch(ctx, task, MemoryAlloc, Args{33 * hostarch.PageSize}); r != ErrTerminated {
		t.Errorf("over-quota %v = %v, want %v", MemoryAlloc, r, ErrTerminated)
	}
	if !l.cancelled {
		t.Errorf("over-quota call did not cancel the task")
	}
}

func TestSysnoString(t *testing.T) {
	if got := MemoryInclude.String(); got != "memory_include" {
		t.Errorf("MemoryInclude.String() = %q", got)
	}
	if got := Sysno(99).String(); got != "sysno(99)" {
		t.Errorf("Sysno(99).String() = %q", got)
	}
}
