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

// Package memviz renders task address-space layouts as images.
package memviz

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/Blaze9026/skift/pkg/sentry/mm"
)

// Row is one task's mappings.
type Row struct {
	Label    string
	Mappings []mm.MappingInfo
}

// Options controls the rendered image. Zero fields take defaults.
type Options struct {
	// Width is the image width in pixels.
	Width int

	// RowHeight is the height of each task's track in pixels.
	RowHeight int

	// Start and End bound the address range drawn. If End is zero, the
	// range spans every mapping in rows.
	Start hostarch.Addr
	End   hostarch.Addr
}

const (
	defaultWidth     = 960
	defaultRowHeight = 28
	margin           = 8
	labelWidth       = 96
	axisHeight       = 18
	minBoxWidth      = 2
)

var (
	background = color.RGBA{0xfa, 0xfa, 0xfa, 0xff}
	trackColor = color.RGBA{0xe0, 0xe0, 0xe0, 0xff}
	textColor  = color.RGBA{0x20, 0x20, 0x20, 0xff}
	// palette is indexed by handle so that shared objects have the same
	// color in every row.
	palette = []color.RGBA{
		{0x4e, 0x79, 0xa7, 0xff},
		{0xf2, 0x8e, 0x2b, 0xff},
		{0xe1, 0x57, 0x59, 0xff},
		{0x76, 0xb7, 0xb2, 0xff},
		{0x59, 0xa1, 0x4f, 0xff},
		{0xed, 0xc9, 0x48, 0xff},
		{0xb0, 0x7a, 0xa1, 0xff},
		{0x9c, 0x75, 0x5f, 0xff},
	}
)

func (o *Options) setDefaults(rows []Row) {
	if o.Width <= labelWidth+2*margin {
		o.Width = defaultWidth
	}
	if o.RowHeight <= 0 {
		o.RowHeight = defaultRowHeight
	}
	if o.End != 0 {
		return
	}
	first := true
	for _, r := range rows {
		for _, m := range r.Mappings {
			end := m.Addr + hostarch.Addr(m.Size)
			if first || m.Addr < o.Start {
				o.Start = m.Addr
			}
			if first || end > o.End {
				o.End = end
			}
			first = false
		}
	}
	if o.End <= o.Start {
		o.End = o.Start + hostarch.PageSize
	}
}

// Render draws one horizontal track per row with a box per mapping, scaled
// linearly over [opts.Start, opts.End).
func Render(rows []Row, opts Options) image.Image {
	opts.setDefaults(rows)
	height := 2*margin + len(rows)*opts.RowHeight + axisHeight

	dc := gg.NewContext(opts.Width, height)
	dc.SetColor(background)
	dc.Clear()
	dc.SetFontFace(basicfont.Face7x13)

	x0 := float64(margin + labelWidth)
	trackWidth := float64(opts.Width-margin) - x0
	span := float64(opts.End - opts.Start)
	scale := func(a hostarch.Addr) float64 {
		switch {
		case a <= opts.Start:
			return x0
		case a >= opts.End:
			return x0 + trackWidth
		default:
			return x0 + float64(a-opts.Start)/span*trackWidth
		}
	}

	for i, r := range rows {
		y := float64(margin + i*opts.RowHeight)
		h := float64(opts.RowHeight - 4)

		dc.SetColor(textColor)
		dc.DrawStringAnchored(r.Label, margin, y+h/2, 0, 0.5)

		dc.SetColor(trackColor)
		dc.DrawRectangle(x0, y, trackWidth, h)
		dc.Fill()

		for _, m := range r.Mappings {
			left := scale(m.Addr)
			w := scale(m.Addr+hostarch.Addr(m.Size)) - left
			if w < minBoxWidth {
				w = minBoxWidth
			}
			dc.SetColor(palette[int(m.Handle)%len(palette)])
			dc.DrawRectangle(left, y, w, h)
			dc.Fill()

			label := fmt.Sprintf("#%d %#x", m.Handle, uint64(m.Addr))
			if tw, _ := dc.MeasureString(label); tw+4 < w {
				dc.SetColor(color.White)
				dc.DrawStringAnchored(label, left+2, y+h/2, 0, 0.5)
			}
		}
	}

	axisY := float64(height - margin)
	dc.SetColor(textColor)
	dc.DrawStringAnchored(fmt.Sprintf("%#x", uint64(opts.Start)), x0, axisY, 0, 0)
	dc.DrawStringAnchored(fmt.Sprintf("%#x", uint64(opts.End)), x0+trackWidth, axisY, 1, 0)
	return dc.Image()
}

// SavePNG renders rows and writes the result to path as a PNG.
func SavePNG(path string, rows []Row, opts Options) error {
	if err := gg.SavePNG(path, Render(rows, opts)); err != nil {
		return fmt.Errorf("memviz: writing %s: %w", path, err)
	}
	return nil
}
