// Package poster renders the still frame shown by the preview player before
// playback starts.
package poster

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	Width  = 640
	Height = 360

	maxLabelRunes = 72
)

var (
	background = color.RGBA{R: 17, G: 24, B: 39, A: 255}
	band       = color.RGBA{R: 31, G: 41, B: 55, A: 255}
	foreground = color.RGBA{R: 229, G: 231, B: 235, A: 255}
	muted      = color.RGBA{R: 156, G: 163, B: 175, A: 255}
)

// Render draws a poster naming the selected file and its size.
func Render(name string, size int64) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)

	bandTop := Height/2 - 30
	draw.Draw(img, image.Rect(0, bandTop, Width, bandTop+60), &image.Uniform{C: band}, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	drawCentered(img, face, truncate(name, maxLabelRunes), bandTop+26, foreground)
	drawCentered(img, face, HumanBytes(size), bandTop+46, muted)
	drawCentered(img, face, "Press play to preview", Height-24, muted)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode poster: %w", err)
	}
	return buf.Bytes(), nil
}

func drawCentered(dst draw.Image, face font.Face, text string, baseline int, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
	}
	width := d.MeasureString(text).Ceil()
	x := (Width - width) / 2
	if x < 0 {
		x = 0
	}
	d.Dot = fixed.P(x, baseline)
	d.DrawString(text)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// HumanBytes formats a byte count the way the page shows file sizes.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
