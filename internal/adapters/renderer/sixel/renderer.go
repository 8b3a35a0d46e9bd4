// Package sixel renders image files into Sixel escape sequences for inline
// terminal display.
package sixel

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	gosixel "github.com/mattn/go-sixel"
	"golang.org/x/image/draw"

	"spriteforge.dev/internal/core/preview"
)

// Renderer implements preview.Renderer on top of go-sixel. It is stateless
// and safe for use off the UI goroutine.
type Renderer struct{}

func New() *Renderer { return &Renderer{} }

// Render decodes the image at path, scales it to fit the requested bounds
// preserving aspect ratio, and encodes it as Sixel.
func (r *Renderer) Render(path string, opts preview.Options) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	img = scaleToFit(img, opts.MaxWidth, opts.MaxHeight)

	var buf bytes.Buffer
	if err := gosixel.NewEncoder(&buf).Encode(img); err != nil {
		return nil, fmt.Errorf("encode sixel: %w", err)
	}
	return buf.Bytes(), nil
}

func scaleToFit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxW <= 0 && maxH <= 0 {
		return img
	}
	if maxW <= 0 {
		maxW = w
	}
	if maxH <= 0 {
		maxH = h
	}
	if w <= maxW && h <= maxH {
		return img
	}

	scale := float64(maxW) / float64(w)
	if s := float64(maxH) / float64(h); s < scale {
		scale = s
	}
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
