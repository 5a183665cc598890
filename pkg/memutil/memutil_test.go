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

package memutil

import (
	"testing"
)

func TestMapAnonSlice(t *testing.T) {
	const length = 3 * 4096
	bs, err := MapAnonSlice(length)
	if err != nil {
		t.Fatalf("MapAnonSlice(%d) failed: %v", length, err)
	}
	if len(bs) != length || cap(bs) != length {
		t.Fatalf("MapAnonSlice(%d): got len %d cap %d", length, len(bs), cap(bs))
	}
	for i, b := range bs {
		if b != 0 {
			t.Fatalf("byte %d of fresh mapping is %#x, want 0", i, b)
		}
	}
	bs[0] = 0xaa
	bs[length-1] = 0x55
	if bs[0] != 0xaa || bs[length-1] != 0x55 {
		t.Errorf("writes to mapping did not stick")
	}
	if err := UnmapSlice(bs); err != nil {
		t.Errorf("UnmapSlice failed: %v", err)
	}
}

func TestMapAnonSliceZeroLength(t *testing.T) {
	if _, err := MapAnonSlice(0); err == nil {
		t.Errorf("MapAnonSlice(0) succeeded, want error")
	}
}

func TestUnmapEmptySlice(t *testing.T) {
	if err := UnmapSlice(nil); err != nil {
		t.Errorf("UnmapSlice(nil) = %v, want nil", err)
	}
}
