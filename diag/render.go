package diag

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"github.com/iansmith/kcore/kernel"
	"github.com/iansmith/kcore/pmm"
)

const (
	mapColumns  = 128
	mapCell     = 4
	lineHeight  = 16
	textMargin  = 8
	haltWidth   = 640
	haltMinRows = 8
)

var (
	freeColor  = color.RGBA{0x20, 0x20, 0x20, 0xff}
	background = color.RGBA{0x00, 0x00, 0x00, 0xff}
	haltColor  = color.RGBA{0x00, 0x00, 0xaa, 0xff}
	textColor  = color.RGBA{0xff, 0xff, 0xff, 0xff}

	ownerColors = map[pmm.Owner]color.RGBA{
		pmm.OwnerNone:      {0x80, 0x80, 0x80, 0xff},
		pmm.OwnerFirmware:  {0x60, 0x40, 0x20, 0xff},
		pmm.OwnerKernel:    {0xd0, 0x30, 0x30, 0xff},
		pmm.OwnerPageTable: {0xe0, 0xa0, 0x20, 0xff},
		pmm.OwnerBootHeap:  {0x90, 0x40, 0xc0, 0xff},
		pmm.OwnerSlab:      {0x30, 0x90, 0xe0, 0xff},
		pmm.OwnerUser:      {0x30, 0xc0, 0x50, 0xff},
	}
)

// legend lists the owners in the order they are drawn under the map.
var legend = []pmm.Owner{
	pmm.OwnerFirmware, pmm.OwnerKernel, pmm.OwnerPageTable,
	pmm.OwnerBootHeap, pmm.OwnerSlab, pmm.OwnerUser,
}

// FramesPerCell returns how many frames one cell of the memory map covers
// for a table of total frames, so the map stays square at most.
func FramesPerCell(total uint64) uint64 {
	per := (total + mapColumns*mapColumns - 1) / (mapColumns * mapColumns)
	if per == 0 {
		per = 1
	}
	return per
}

// RenderMemoryMap draws one cell per group of frames, colored by the owner
// of the group's first used frame, followed by a legend.
func RenderMemoryMap(frames *pmm.Allocator) image.Image {
	total := frames.TotalFrames()
	per := FramesPerCell(total)
	cells := (total + per - 1) / per
	rows := int((cells + mapColumns - 1) / mapColumns)

	width := mapColumns * mapCell
	height := rows*mapCell + (len(legend)+1)*lineHeight + textMargin
	dc := gg.NewContext(width, height)
	dc.SetColor(background)
	dc.Clear()

	painted := make([]bool, cells)
	frames.Walk(func(r pmm.Range, used bool, owner pmm.Owner) {
		c := freeColor
		if used {
			c = ownerColors[owner]
		}
		first := uint64(r.Start) / per
		last := (uint64(r.End()) - 1) / per
		for cell := first; cell <= last; cell++ {
			// A cell shows its first used frame.
			if painted[cell] {
				continue
			}
			painted[cell] = used
			dc.SetColor(c)
			dc.DrawRectangle(float64(int(cell%mapColumns)*mapCell), float64(int(cell/mapColumns)*mapCell), mapCell, mapCell)
			dc.Fill()
		}
	})

	dc.SetFontFace(basicfont.Face7x13)
	y := float64(rows*mapCell + lineHeight)
	dc.SetColor(textColor)
	dc.DrawString(fmt.Sprintf("%d frames, %d free, %d per cell", total, frames.FreeCount(), per), textMargin, y)
	for _, o := range legend {
		y += lineHeight
		dc.SetColor(ownerColors[o])
		dc.DrawRectangle(textMargin, y-10, 10, 10)
		dc.Fill()
		dc.SetColor(textColor)
		dc.DrawString(o.String(), textMargin+16, y)
	}
	return dc.Image()
}

// RenderHalt draws the halt screen for h followed by extra lines of state.
func RenderHalt(h *kernel.HaltError, extra []string) image.Image {
	lines := []string{
		"KERNEL HALT",
		"",
		"module: " + h.Module,
		fmt.Sprintf("error:  %v", h.Err),
		"detail: " + h.Detail,
		"",
	}
	lines = append(lines, extra...)

	rows := len(lines)
	if rows < haltMinRows {
		rows = haltMinRows
	}
	dc := gg.NewContext(haltWidth, rows*lineHeight+2*textMargin)
	dc.SetColor(haltColor)
	dc.Clear()
	dc.SetFontFace(basicfont.Face7x13)
	dc.SetColor(textColor)
	for i, line := range lines {
		dc.DrawString(line, textMargin, float64(textMargin+(i+1)*lineHeight-4))
	}
	return dc.Image()
}

// SavePNG writes img to path.
func SavePNG(path string, img image.Image) error {
	if err := gg.SavePNG(path, img); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
