package stages

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"strconv"

	xdraw "golang.org/x/image/draw"

	"github.com/calebwren/imagegate/internal/model"
	"github.com/calebwren/imagegate/internal/pipeline"
)

// Shadow parameters, tuned to match the original service output.
const (
	shadowOffsetX = 5
	shadowOffsetY = 15
	shadowBlur    = 20
	shadowOpacity = 0.3
)

// Compose fits the foreground into the padded target area, optionally lays a
// soft drop shadow under it, and composites everything onto a solid
// background at the requested output size.
type Compose struct{}

// Name implements pipeline.Stage.
func (Compose) Name() string { return "compose" }

// Apply implements pipeline.Stage.
func (Compose) Apply(ctx context.Context, img image.Image, p model.Params) (image.Image, error) {
	bg, err := parseHexColor(p.Background)
	if err != nil {
		return nil, err
	}
	targetW, targetH := p.Width, p.Height
	if targetW <= 0 || targetH <= 0 {
		return nil, fmt.Errorf("%w: output size %dx%d", pipeline.ErrInvalidImage, targetW, targetH)
	}

	innerW := int(float64(targetW) * (1 - 2*p.Padding))
	innerH := int(float64(targetH) * (1 - 2*p.Padding))
	if innerW < 1 || innerH < 1 {
		return nil, fmt.Errorf("%w: padding %v leaves no inner area", pipeline.ErrInvalidImage, p.Padding)
	}

	fg := fitInto(img, innerW, innerH)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pasteX := (targetW - fg.Bounds().Dx()) / 2
	pasteY := (targetH - fg.Bounds().Dy()) / 2

	canvas := image.NewNRGBA(image.Rect(0, 0, targetW, targetH))
	xdraw.Draw(canvas, canvas.Bounds(), image.NewUniform(bg), image.Point{}, xdraw.Src)

	if p.Shadow {
		sh := dropShadow(fg)
		at := image.Rect(pasteX+shadowOffsetX, pasteY+shadowOffsetY,
			pasteX+shadowOffsetX+sh.Bounds().Dx(), pasteY+shadowOffsetY+sh.Bounds().Dy())
		xdraw.Draw(canvas, at, sh, sh.Bounds().Min, xdraw.Over)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	at := image.Rect(pasteX, pasteY, pasteX+fg.Bounds().Dx(), pasteY+fg.Bounds().Dy())
	xdraw.Draw(canvas, at, fg, fg.Bounds().Min, xdraw.Over)

	return canvas, nil
}

// fitInto scales img down to fit within w×h, preserving aspect ratio.
// Smaller images are kept at their native size, thumbnail-style.
func fitInto(img image.Image, w, h int) *image.NRGBA {
	srcW := img.Bounds().Dx()
	srcH := img.Bounds().Dy()

	scale := 1.0
	if srcW > w || srcH > h {
		sx := float64(w) / float64(srcW)
		sy := float64(h) / float64(srcH)
		scale = min(sx, sy)
	}

	dstW := max(1, int(float64(srcW)*scale))
	dstH := max(1, int(float64(srcH)*scale))
	dst := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

// dropShadow builds a blurred, attenuated copy of the foreground's alpha.
func dropShadow(fg *image.NRGBA) *image.NRGBA {
	b := fg.Bounds()
	sh := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			a := fg.NRGBAAt(x, y).A
			sh.SetNRGBA(x, y, color.NRGBA{A: uint8(float64(a) * shadowOpacity)})
		}
	}
	boxBlurAlpha(sh, shadowBlur)
	return sh
}

// boxBlurAlpha blurs the alpha channel in place with a separable box filter,
// a cheap stand-in for a gaussian at this radius.
func boxBlurAlpha(img *image.NRGBA, radius int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	tmp := make([]uint8, w*h)

	// Horizontal pass.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, n int
			for k := -radius; k <= radius; k++ {
				if x+k < 0 || x+k >= w {
					continue
				}
				sum += int(img.NRGBAAt(b.Min.X+x+k, b.Min.Y+y).A)
				n++
			}
			tmp[y*w+x] = uint8(sum / n)
		}
	}
	// Vertical pass.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, n int
			for k := -radius; k <= radius; k++ {
				if y+k < 0 || y+k >= h {
					continue
				}
				sum += int(tmp[(y+k)*w+x])
				n++
			}
			px := img.NRGBAAt(b.Min.X+x, b.Min.Y+y)
			px.A = uint8(sum / n)
			img.SetNRGBA(b.Min.X+x, b.Min.Y+y, px)
		}
	}
}

// parseHexColor parses an RRGGBB hex string.
func parseHexColor(s string) (color.NRGBA, error) {
	if len(s) != 6 {
		return color.NRGBA{}, fmt.Errorf("%w: background color %q", pipeline.ErrInvalidImage, s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%w: background color %q", pipeline.ErrInvalidImage, s)
	}
	return color.NRGBA{
		R: uint8(v >> 16),
		G: uint8(v >> 8),
		B: uint8(v),
		A: 255,
	}, nil
}
