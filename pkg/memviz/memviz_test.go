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

package memviz

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/Blaze9026/skift/pkg/sentry/mm"
)

func testRows() []Row {
	return []Row{
		{Label: "full", Mappings: []mm.MappingInfo{{Addr: 0x400000, Size: 16 * hostarch.PageSize, Handle: 1}}},
		{Label: "half", Mappings: []mm.MappingInfo{{Addr: 0x400000, Size: 8 * hostarch.PageSize, Handle: 2}}},
	}
}

func rgba(c color.Color) color.RGBA {
	return color.RGBAModel.Convert(c).(color.RGBA)
}

func TestRender(t *testing.T) {
	opts := Options{Width: 400, RowHeight: 20}
	im := Render(testRows(), opts)

	wantBounds := image.Rect(0, 0, 400, 2*margin+2*20+axisHeight)
	if im.Bounds() != wantBounds {
		t.Fatalf("bounds = %v, want %v", im.Bounds(), wantBounds)
	}

	x0 := margin + labelWidth
	x := x0 + 3*(400-margin-x0)/4
	for _, test := range []struct {
		row  int
		want color.RGBA
	}{
		{0, palette[1]},
		{1, trackColor},
	} {
		y := margin + test.row*20 + 8
		if got := rgba(im.At(x, y)); got != test.want {
			t.Errorf("row %d pixel (%d, %d) = %v, want %v", test.row, x, y, got, test.want)
		}
	}
	if got := rgba(im.At(1, 1)); got != background {
		t.Errorf("corner pixel = %v, want background %v", got, background)
	}
}

func TestRenderEmpty(t *testing.T) {
	im := Render(nil, Options{})
	if got := im.Bounds().Dx(); got != defaultWidth {
		t.Errorf("width = %d, want %d", got, defaultWidth)
	}
}

func TestSavePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.png")
	if err := SavePNG(path, testRows(), Options{}); err != nil {
		t.Fatalf("SavePNG failed: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if fi.Size() == 0 {
		t.Errorf("%s is empty", path)
	}
	if err := SavePNG(filepath.Join(t.TempDir(), "missing", "x.png"), testRows(), Options{}); err == nil {
		t.Errorf("SavePNG into a missing directory succeeded")
	}
}
