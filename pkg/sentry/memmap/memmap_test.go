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

package memmap

import "testing"

func TestMapFlagsString(t *testing.T) {
	for _, test := range []struct {
		flags MapFlags
		want  string
	}{
		{0, "none"},
		{MapClear, "clear"},
		{MapClear | 0x10, "clear|0x10"},
		{0x4, "0x4"},
	} {
		if got := test.flags.String(); got != test.want {
			t.Errorf("MapFlags(%#x).String() = %q, want %q", uint32(test.flags), got, test.want)
		}
	}
}
