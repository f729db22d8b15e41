// Package thumbnail renders the preview image shown next to each generated
// artifact. Previews are simple cover cards, not rasterized document pages;
// they only need to identify the artifact in the client's download list.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	cardWidth  = 320
	cardHeight = 420
)

// Renderer produces a PNG preview for one artifact.
type Renderer interface {
	Render(artifact []byte, kind string) ([]byte, error)
}

// CardRenderer draws a flat cover card with the artifact kind and size.
type CardRenderer struct {
	background color.RGBA
	accent     color.RGBA
}

func NewCardRenderer() *CardRenderer {
	return &CardRenderer{
		background: color.RGBA{R: 245, G: 246, B: 248, A: 255},
		accent:     color.RGBA{R: 31, G: 78, B: 121, A: 255},
	}
}

func (r *CardRenderer) Render(artifact []byte, kind string) ([]byte, error) {
	if len(artifact) == 0 {
		return nil, fmt.Errorf("empty artifact for %q", kind)
	}

	img := image.NewRGBA(image.Rect(0, 0, cardWidth, cardHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(r.background), image.Point{}, draw.Src)

	// Accent band across the top.
	band := image.Rect(0, 0, cardWidth, 56)
	draw.Draw(img, band, image.NewUniform(r.accent), image.Point{}, draw.Src)

	drawLabel(img, kind, 16, 36, color.White)
	drawLabel(img, fmt.Sprintf("%d KB", (len(artifact)+1023)/1024), 16, 84, r.accent)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

func drawLabel(img *image.RGBA, text string, x, y int, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
