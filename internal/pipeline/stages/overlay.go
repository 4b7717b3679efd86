package stages

import (
	"context"
	"fmt"
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/calebwren/imagegate/internal/model"
	"github.com/calebwren/imagegate/internal/pipeline"
)

var (
	barColor  = color.NRGBA{A: 160}
	textColor = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

// Overlay draws a semi-transparent branding bar with centered text along the
// bottom edge. The face is a fixed bitmap font; FontSize only validates, it
// does not select a vector face.
type Overlay struct{}

// Name implements pipeline.Stage.
func (Overlay) Name() string { return "overlay" }

// Apply implements pipeline.Stage.
func (Overlay) Apply(ctx context.Context, img image.Image, p model.Params) (image.Image, error) {
	if p.BarHeight <= 0 || p.FontSize <= 0 {
		return nil, fmt.Errorf("%w: bar height %d, font size %d", pipeline.ErrInvalidImage, p.BarHeight, p.FontSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(out, out.Bounds(), img, b.Min, xdraw.Src)

	barHeight := min(p.BarHeight, h)
	bar := image.Rect(0, h-barHeight, w, h)
	xdraw.Draw(out, bar, image.NewUniform(barColor), image.Point{}, xdraw.Over)

	face := basicfont.Face7x13
	d := font.Drawer{
		Dst:  out,
		Src:  image.NewUniform(textColor),
		Face: face,
	}
	textW := d.MeasureString(p.Text).Ceil()
	textH := face.Metrics().Ascent.Ceil()
	d.Dot = fixed.P((w-textW)/2, h-barHeight+(barHeight+textH)/2)
	d.DrawString(p.Text)

	return out, nil
}
