// Package diag renders kernel state into images: the physical memory map
// and the halt screen. Images are written as PNG or in the raw
// framebuffer format the boot loader embeds.
package diag

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
)

// maxRawSide bounds the dimensions ReadRaw accepts.
const maxRawSide = 1 << 14

// WriteRaw writes img in the raw framebuffer format: width and height as
// little-endian uint32, then one little-endian ARGB8888 word per pixel,
// row by row.
func WriteRaw(w io.Writer, img image.Image) error {
	bounds := img.Bounds()
	bw := bufio.NewWriter(w)

	hdr := [2]uint32{uint32(bounds.Dx()), uint32(bounds.Dy())}
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	var px [4]byte
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			// 16 to 8 bits per channel.
			pixel := uint32(a/257)<<24 | uint32(r/257)<<16 | uint32(g/257)<<8 | uint32(b/257)
			binary.LittleEndian.PutUint32(px[:], pixel)
			if _, err := bw.Write(px[:]); err != nil {
				return fmt.Errorf("write pixels: %w", err)
			}
		}
	}
	return bw.Flush()
}

// ReadRaw decodes an image written by WriteRaw.
func ReadRaw(r io.Reader) (*image.NRGBA, error) {
	br := bufio.NewReader(r)
	var hdr [2]uint32
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	w, h := hdr[0], hdr[1]
	if w > maxRawSide || h > maxRawSide {
		return nil, fmt.Errorf("raw image %dx%d too large", w, h)
	}

	img := image.NewNRGBA(image.Rect(0, 0, int(w), int(h)))
	var px [4]byte
	for y := 0; y < int(h); y++ {
		for x := 0; x < int(w); x++ {
			if _, err := io.ReadFull(br, px[:]); err != nil {
				return nil, fmt.Errorf("read pixel (%d,%d): %w", x, y, err)
			}
			v := binary.LittleEndian.Uint32(px[:])
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: uint8(v >> 24)})
		}
	}
	return img, nil
}
