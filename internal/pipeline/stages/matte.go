package stages

import (
	"context"
	"image"
	"image/color"
	"math"

	"github.com/calebwren/imagegate/internal/model"
)

// Alpha ramp endpoints: chroma distance from the sampled background color
// below nearLimit is fully transparent, above farLimit fully opaque.
const (
	nearLimit = 30.0
	farLimit  = 90.0
)

// Matte estimates a foreground matte by sampling the corner pixels as the
// background color and mapping each pixel's chroma distance to alpha.
type Matte struct{}

// Name implements pipeline.Stage.
func (Matte) Name() string { return "matte" }

// Apply returns an NRGBA copy of img with the estimated alpha channel.
// Cancellation is checked between rows so a timed-out run stops promptly.
func (Matte) Apply(ctx context.Context, img image.Image, _ model.Params) (image.Image, error) {
	b := img.Bounds()
	bg := cornerColor(img)
	out := image.NewNRGBA(b)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			c := color.NRGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(bl >> 8)}
			c.A = rampAlpha(chromaDist(c, bg))
			out.SetNRGBA(x, y, c)
		}
	}
	return out, nil
}

// cornerColor averages the four corner pixels.
func cornerColor(img image.Image) color.NRGBA {
	b := img.Bounds()
	corners := [4]image.Point{
		{b.Min.X, b.Min.Y},
		{b.Max.X - 1, b.Min.Y},
		{b.Min.X, b.Max.Y - 1},
		{b.Max.X - 1, b.Max.Y - 1},
	}
	var r, g, bl uint32
	for _, pt := range corners {
		cr, cg, cb, _ := img.At(pt.X, pt.Y).RGBA()
		r += cr >> 8
		g += cg >> 8
		bl += cb >> 8
	}
	return color.NRGBA{R: uint8(r / 4), G: uint8(g / 4), B: uint8(bl / 4)}
}

func chromaDist(a, b color.NRGBA) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

func rampAlpha(dist float64) uint8 {
	switch {
	case dist <= nearLimit:
		return 0
	case dist >= farLimit:
		return 255
	default:
		return uint8(255 * (dist - nearLimit) / (farLimit - nearLimit))
	}
}
