package smdh

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
)

var five2eight [1 << 5]uint8
var six2eight [1 << 6]uint8

func init() {
	for i := range five2eight {
		five2eight[i] = uint8(i * 255 / 31)
	}
	for i := range six2eight {
		six2eight[i] = uint8(i * 255 / 63)
	}
}

// decodeTiledRGB565 decodes an icon stored as tiled RGB565 with 8x8
// tile major order and Morton (Z-order) addressing within each tile,
// the layout SMDH uses for both its small and large icons. It returns
// both an image.Image and the same pixels as a dense row-major
// []color.NRGBA buffer.
func decodeTiledRGB565(data []byte, width, height int) (image.Image, []color.NRGBA, error) {
	if width%8 != 0 || height%8 != 0 {
		return nil, nil, fmt.Errorf("smdh: icon dimensions must be a multiple of 8, got %dx%d", width, height)
	}
	if len(data) != width*height*2 {
		return nil, nil, fmt.Errorf("smdh: icon data length %d does not match %dx%d RGB565", len(data), width, height)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	buf := make([]color.NRGBA, width*height)
	widthBlocks := width / 8

	pixels := width * height
	for i := 0; i < pixels; i++ {
		pixel := binary.LittleEndian.Uint16(data[2*i:])

		block := i >> 6
		blockX := (i&16)>>2 | (i&4)>>1 | i&1
		blockY := (i&32)>>3 | (i&8)>>2 | (i&2)>>1

		x := (block%widthBlocks)<<3 | blockX
		y := (block/widthBlocks)<<3 | blockY

		c := rgb565ToNRGBA(pixel)
		dst.SetNRGBA(x, y, c)
		buf[y*width+x] = c
	}

	return dst, buf, nil
}

func rgb565ToNRGBA(pixel uint16) color.NRGBA {
	return color.NRGBA{
		R: five2eight[pixel>>11],
		G: six2eight[(pixel>>5)&0x3f],
		B: five2eight[pixel&0x1f],
		A: 255,
	}
}
