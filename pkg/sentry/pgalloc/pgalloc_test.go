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

package pgalloc

import (
	"testing"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/Blaze9026/skift/pkg/sentry/memmap"
)

func newRegistries(t *testing.T) map[string]*Registry {
	rs := map[string]*Registry{
		"heap": NewRegistry(RegistryOpts{}),
		"host": NewRegistry(RegistryOpts{HostBacked: true}),
	}
	t.Cleanup(func() {
		for _, r := range rs {
			r.Destroy()
		}
	})
	return rs
}

func TestCreateRoundsToPageSize(t *testing.T) {
	for name, r := range newRegistries(t) {
		t.Run(name, func(t *testing.T) {
			for _, test := range []struct {
				size uint64
				want uint64
			}{
				{1, hostarch.PageSize},
				{hostarch.PageSize, hostarch.PageSize},
				{hostarch.PageSize + 1, 2 * hostarch.PageSize},
				{5 * hostarch.PageSize, 5 * hostarch.PageSize},
			} {
				o, err := r.Create(test.size)
				if err != nil {
					t.Fatalf("Create(%d) failed: %v", test.size, err)
				}
				if got := o.Size(); got != test.want {
					t.Errorf("Create(%d).Size() = %d, want %d", test.size, got, test.want)
				}
				if got := uint64(len(o.Bytes())); got != test.want {
					t.Errorf("Create(%d): len(Bytes()) = %d, want %d", test.size, got, test.want)
				}
				r.Release(o)
			}
			if r.Len() != 0 || r.TotalSize() != 0 {
				t.Errorf("objects remain after release: %v", r)
			}
		})
	}
}

func TestCreateZeroSize(t *testing.T) {
	r := NewRegistry(RegistryOpts{})
	if _, err := r.Create(0); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Create(0) = %v, want EINVAL", err)
	}
}

func TestMaxObjects(t *testing.T) {
	r := NewRegistry(RegistryOpts{MaxObjects: 2})
	a, err := r.Create(1)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	b, err := r.Create(1)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Create(1); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Create beyond MaxObjects = %v, want ENOMEM", err)
	}
	r.Release(a)
	c, err := r.Create(1)
	if err != nil {
		t.Fatalf("Create after Release failed: %v", err)
	}
	if c.Handle() == a.Handle() {
		t.Errorf("handle %d was reused", a.Handle())
	}
	r.Release(b)
	r.Release(c)
}

func TestReferenceCounting(t *testing.T) {
	for name, r := range newRegistries(t) {
		t.Run(name, func(t *testing.T) {
			o, err := r.Create(hostarch.PageSize)
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			h := o.Handle()
			o.Bytes()[0] = 42
			if got := r.Refs(h); got != 1 {
				t.Fatalf("Refs after Create = %d, want 1", got)
			}

			r.Retain(o)
			o2, ok := r.Resolve(h)
			if !ok {
				t.Fatalf("Resolve(%d) failed", h)
			}
			if o2 != o {
				t.Errorf("Resolve(%d) returned a different object", h)
			}
			if got := r.Refs(h); got != 3 {
				t.Errorf("Refs = %d, want 3", got)
			}

			r.Release(o)
			r.Release(o)
			if got := o.Bytes()[0]; got != 42 {
				t.Errorf("object contents changed while referenced: got %d", got)
			}
			if _, ok := r.Resolve(h); !ok {
				t.Fatalf("Resolve(%d) failed with one reference outstanding", h)
			}
			r.Release(o)
			r.Release(o)
			if got := r.Refs(h); got != 0 {
				t.Errorf("Refs after final release = %d, want 0", got)
			}
			if _, ok := r.Resolve(h); ok {
				t.Errorf("Resolve(%d) succeeded after destruction", h)
			}
		})
	}
}

func TestResolveUnknownHandle(t *testing.T) {
	r := NewRegistry(RegistryOpts{})
	for _, h := range []memmap.Handle{memmap.InvalidHandle, 0, 1, 1000} {
		if o, ok := r.Resolve(h); ok {
			t.Errorf("Resolve(%d) = %v, want failure", h, o)
		}
	}
}

func TestReleaseUnreferencedPanics(t *testing.T) {
	r := NewRegistry(RegistryOpts{})
	o, err := r.Create(1)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	r.Release(o)
	defer func() {
		if recover() == nil {
			t.Errorf("second Release did not panic")
		}
	}()
	r.Release(o)
}

func TestForeignObjectPanics(t *testing.T) {
	r1 := NewRegistry(RegistryOpts{})
	r2 := NewRegistry(RegistryOpts{})
	o, err := r1.Create(1)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Release on foreign registry did not panic")
		}
	}()
	r2.Release(o)
}
