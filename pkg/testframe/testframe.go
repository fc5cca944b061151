// Package testframe generates JPEG frames for exercising the relay without
// a camera.
package testframe

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
)

// DefaultQuality is the JPEG quality used by Generator.
const DefaultQuality = 75

// Generator draws a moving bar pattern, one step per Next call.
type Generator struct {
	width, height int
	quality       int
	step          int
	img           *image.RGBA
}

// NewGenerator creates a generator for width x height frames.
func NewGenerator(width, height int) (*Generator, error) {
	if width < 8 || height < 8 {
		return nil, fmt.Errorf("testframe: size %dx%d too small", width, height)
	}
	return &Generator{
		width:   width,
		height:  height,
		quality: DefaultQuality,
		img:     image.NewRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

// Next renders the next frame as JPEG.
func (g *Generator) Next() ([]byte, error) {
	bar := g.width / 8
	offset := (g.step * bar / 4) % g.width
	for y := 0; y < g.height; y++ {
		for x := 0; x < g.width; x++ {
			band := ((x + offset) / bar) % 8
			g.img.SetRGBA(x, y, palette[band])
		}
	}
	g.step++
	return RGBToJPEG(g.img, g.quality)
}

// SMPTE-like colour bars.
var palette = [8]color.RGBA{
	{192, 192, 192, 255},
	{192, 192, 0, 255},
	{0, 192, 192, 255},
	{0, 192, 0, 255},
	{192, 0, 192, 255},
	{192, 0, 0, 255},
	{0, 0, 192, 255},
	{16, 16, 16, 255},
}

// RGBToJPEG converts an RGB image to JPEG bytes.
func RGBToJPEG(img *image.RGBA, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
