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

// Package memutil provides utilities for working with host memory mappings.
package memutil

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapAnonSlice returns a private anonymous read/write host mapping of the
// given length as a byte slice. The contents of the mapping are initially
// zero.
//
// Preconditions: length > 0.
func MapAnonSlice(length uint64) ([]byte, error) {
	if length == 0 || uint64(uintptr(length)) != length {
		return nil, unix.EINVAL
	}
	m, _, errno := unix.RawSyscall6(
		unix.SYS_MMAP,
		0,
		uintptr(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
		^uintptr(0),
		0)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(m)), length), nil
}

// UnmapSlice unmaps a mapping returned by MapAnonSlice.
func UnmapSlice(slice []byte) error {
	if cap(slice) == 0 {
		return nil
	}
	_, _, errno := unix.RawSyscall(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(unsafe.SliceData(slice))), uintptr(cap(slice)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
