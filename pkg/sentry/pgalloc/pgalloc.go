// Copyright 2018 The gVisor Authors.
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

// Package pgalloc contains the memory object registry, which creates the
// fixed-size backing objects that may be mapped into task address spaces and
// tracks who references them.
package pgalloc

import (
	"fmt"
	"math"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/Blaze9026/skift/pkg/memutil"
	"github.com/Blaze9026/skift/pkg/sentry/memmap"
)

// Registry is a memmap.Registry whose objects are backed by either host
// anonymous memory or the Go heap.
type Registry struct {
	// mu protects the fields below, and serializes reference count
	// transitions to and from zero with handle resolution, so that Resolve can
	// never revive an object that Release is destroying.
	mu sync.Mutex

	// objects maps live handles to their objects. An object is in objects
	// iff its reference count is non-zero.
	objects map[memmap.Handle]*Object

	// nextHandle is the handle assigned to the next created object. Handles
	// are never reused.
	nextHandle memmap.Handle

	// totalSize is the sum of the sizes of all objects in objects.
	totalSize uint64

	// destroyed is set by Destroy. No objects may be created after
	// destruction.
	destroyed bool

	// opts holds options passed to NewRegistry. opts is immutable.
	opts RegistryOpts
}

// RegistryOpts provides options to NewRegistry.
type RegistryOpts struct {
	// If HostBacked is true, each object is backed by its own anonymous host
	// mapping. Otherwise objects are backed by Go heap memory.
	HostBacked bool

	// MaxObjects bounds the number of live objects. Zero means no bound
	// beyond the handle space.
	MaxObjects int
}

// Object is a memmap.Object created by a Registry.
type Object struct {
	// handle, size, data and reg are immutable.
	handle memmap.Handle
	size   uint64
	data   []byte
	reg    *Registry

	// refs is the object's reference count. Transitions to zero happen with
	// reg.mu locked.
	refs atomicbitops.Int64
}

// Handle implements memmap.Object.Handle.
func (o *Object) Handle() memmap.Handle {
	return o.handle
}

// Size implements memmap.Object.Size.
func (o *Object) Size() uint64 {
	return o.size
}

// Bytes implements memmap.Object.Bytes.
func (o *Object) Bytes() []byte {
	return o.data
}

// String implements fmt.Stringer.
func (o *Object) String() string {
	return fmt.Sprintf("object{handle: %d, size: %#x, refs: %d}", o.handle, o.size, o.refs.Load())
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts RegistryOpts) *Registry {
	if opts.MaxObjects < 0 {
		panic(fmt.Sprintf("invalid RegistryOpts.MaxObjects: %d", opts.MaxObjects))
	}
	return &Registry{
		objects:    make(map[memmap.Handle]*Object),
		nextHandle: 1,
		opts:       opts,
	}
}

// Create implements memmap.Registry.Create. The object's size is size rounded
// up to a multiple of the page size, and its contents are initially zeroed.
func (r *Registry) Create(size uint64) (memmap.Object, error) {
	if size == 0 {
		return nil, linuxerr.EINVAL
	}
	rounded, ok := hostarch.Addr(size).RoundUp()
	if !ok || uint64(rounded) < size {
		return nil, linuxerr.EINVAL
	}
	size = uint64(rounded)

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		panic("pgalloc: Create called on destroyed Registry")
	}
	if r.opts.MaxObjects != 0 && len(r.objects) >= r.opts.MaxObjects {
		r.mu.Unlock()
		return nil, linuxerr.ENOMEM
	}
	if r.nextHandle == math.MaxInt32 {
		r.mu.Unlock()
		return nil, linuxerr.ENOMEM
	}
	h := r.nextHandle
	r.nextHandle++
	r.mu.Unlock()

	// Obtain backing memory without holding mu; the handle is reserved but not
	// yet resolvable.
	data, err := r.allocateBacking(size)
	if err != nil {
		return nil, err
	}
	o := &Object{
		handle: h,
		size:   size,
		data:   data,
		reg:    r,
	}
	o.refs.Store(1)

	r.mu.Lock()
	r.objects[h] = o
	r.totalSize += size
	r.mu.Unlock()

	log.Debugf("pgalloc: created %v", o)
	return o, nil
}

func (r *Registry) allocateBacking(size uint64) ([]byte, error) {
	if !r.opts.HostBacked {
		return make([]byte, size), nil
	}
	data, err := memutil.MapAnonSlice(size)
	if err != nil {
		log.Warningf("pgalloc: failed to map %d bytes of host memory: %v", size, err)
		return nil, linuxerr.ENOMEM
	}
	return data, nil
}

func (r *Registry) releaseBacking(o *Object) {
	if !r.opts.HostBacked {
		return
	}
	if err := memutil.UnmapSlice(o.data); err != nil {
		panic(fmt.Sprintf("failed to unmap backing memory of %v: %v", o, err))
	}
}

// Resolve implements memmap.Registry.Resolve.
func (r *Registry) Resolve(h memmap.Handle) (memmap.Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[h]
	if !ok {
		return nil, false
	}
	o.refs.Add(1)
	return o, true
}

// Retain implements memmap.Registry.Retain.
//
// Preconditions: The caller holds a reference on mo.
func (r *Registry) Retain(mo memmap.Object) {
	o := r.owned(mo)
	if o.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("Retain of unreferenced %v", o))
	}
}

// Release implements memmap.Registry.Release.
//
// Preconditions: The caller holds a reference on mo.
func (r *Registry) Release(mo memmap.Object) {
	o := r.owned(mo)

	r.mu.Lock()
	refs := o.refs.Add(-1)
	if refs < 0 {
		r.mu.Unlock()
		panic(fmt.Sprintf("Release of unreferenced %v", o))
	}
	if refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.objects, o.handle)
	r.totalSize -= o.size
	r.mu.Unlock()

	r.releaseBacking(o)
	log.Debugf("pgalloc: destroyed %v", o)
}

func (r *Registry) owned(mo memmap.Object) *Object {
	o, ok := mo.(*Object)
	if !ok || o.reg != r {
		panic(fmt.Sprintf("object %v does not belong to this Registry", mo))
	}
	return o
}

// Refs returns the reference count of the object named by h, or 0 if h names
// no live object.
func (r *Registry) Refs(h memmap.Handle) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.objects[h]; ok {
		return o.refs.Load()
	}
	return 0
}

// Len returns the number of live objects.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// TotalSize returns the sum of the sizes of all live objects in bytes.
func (r *Registry) TotalSize() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalSize
}

// Destroy releases all resources used by r.
//
// Preconditions: All references on objects created by r have been dropped.
// Objects that are still referenced are reported and released anyway.
//
// Postconditions: None of r's methods may be called after Destroy.
func (r *Registry) Destroy() {
	r.mu.Lock()
	r.destroyed = true
	leaked := r.objects
	r.objects = nil
	r.totalSize = 0
	r.mu.Unlock()

	for _, o := range leaked {
		log.Warningf("pgalloc: destroying Registry with live %v", o)
		r.releaseBacking(o)
	}
}

// String implements fmt.Stringer.
func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("registry{objects: %d, size: %#x, host: %t}", len(r.objects), r.totalSize, r.opts.HostBacked)
}
