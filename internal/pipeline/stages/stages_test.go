package stages

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/calebwren/imagegate/internal/model"
	"github.com/calebwren/imagegate/internal/pipeline"
)

// subjectOnWhite draws a dark square centered on a white background.
func subjectOnWhite(size, subject int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	lo := (size - subject) / 2
	hi := lo + subject
	for y := lo; y < hi; y++ {
		for x := lo; x < hi; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 20, G: 20, B: 20, A: 255})
		}
	}
	return img
}

func TestMatteBackgroundTransparent(t *testing.T) {
	src := subjectOnWhite(64, 16)

	out, err := Matte{}.Apply(context.Background(), src, model.DefaultParams())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	nrgba, ok := out.(*image.NRGBA)
	if !ok {
		t.Fatalf("output type = %T, want *image.NRGBA", out)
	}
	if a := nrgba.NRGBAAt(0, 0).A; a != 0 {
		t.Errorf("corner alpha = %d, want 0", a)
	}
	if a := nrgba.NRGBAAt(32, 32).A; a != 255 {
		t.Errorf("subject alpha = %d, want 255", a)
	}
}

func TestMatteHonorsCancellation(t *testing.T) {
	src := subjectOnWhite(128, 16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Matte{}.Apply(ctx, src, model.DefaultParams())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestComposeOutputSize(t *testing.T) {
	src := subjectOnWhite(64, 16)
	p := model.DefaultParams()
	p.Width = 300
	p.Height = 150

	out, err := Compose{}.Apply(context.Background(), src, p)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Bounds().Dx() != 300 || out.Bounds().Dy() != 150 {
		t.Errorf("size = %v, want 300x150", out.Bounds())
	}
}

func TestComposeFillsBackground(t *testing.T) {
	src := subjectOnWhite(16, 4)
	p := model.DefaultParams()
	p.Background = "FF0000"
	p.Shadow = false
	p.Width = 100
	p.Height = 100

	out, err := Compose{}.Apply(context.Background(), src, p)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	nrgba := out.(*image.NRGBA)
	px := nrgba.NRGBAAt(1, 1)
	if px.R != 255 || px.G != 0 || px.B != 0 {
		t.Errorf("corner = %v, want red background", px)
	}
}

func TestComposeBadBackground(t *testing.T) {
	src := subjectOnWhite(16, 4)
	p := model.DefaultParams()
	p.Background = "red"

	_, err := Compose{}.Apply(context.Background(), src, p)
	if !errors.Is(err, pipeline.ErrInvalidImage) {
		t.Errorf("err = %v, want ErrInvalidImage", err)
	}
}

func TestComposeBadPadding(t *testing.T) {
	src := subjectOnWhite(16, 4)
	p := model.DefaultParams()
	p.Padding = 0.5

	_, err := Compose{}.Apply(context.Background(), src, p)
	if !errors.Is(err, pipeline.ErrInvalidImage) {
		t.Errorf("err = %v, want ErrInvalidImage", err)
	}
}

func TestComposeSmallImageKeepsSize(t *testing.T) {
	// A 10x10 source inside a 1000x1000 inner area must not be upscaled.
	src := subjectOnWhite(10, 4)
	p := model.DefaultParams()
	p.Shadow = false
	p.Padding = 0
	p.Width = 1000
	p.Height = 1000

	out, err := Compose{}.Apply(context.Background(), src, p)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// The subject should sit centered at native size; check a pixel well
	// outside the 10x10 paste area is background.
	nrgba := out.(*image.NRGBA)
	bgPx := nrgba.NRGBAAt(100, 100)
	want, _ := parseHexColor(p.Background)
	if bgPx != want {
		t.Errorf("pixel at 100,100 = %v, want background %v", bgPx, want)
	}
}

func TestParseHexColor(t *testing.T) {
	c, err := parseHexColor("0A141E")
	if err != nil {
		t.Fatalf("parseHexColor: %v", err)
	}
	if c.R != 0x0A || c.G != 0x14 || c.B != 0x1E || c.A != 255 {
		t.Errorf("color = %v, want 0A141E opaque", c)
	}

	for _, bad := range []string{"", "FFF", "GGGGGG", "#FFFFFF"} {
		if _, err := parseHexColor(bad); err == nil {
			t.Errorf("parseHexColor(%q): err = nil, want error", bad)
		}
	}
}

func TestRampAlpha(t *testing.T) {
	if a := rampAlpha(nearLimit); a != 0 {
		t.Errorf("rampAlpha(near) = %d, want 0", a)
	}
	if a := rampAlpha(farLimit); a != 255 {
		t.Errorf("rampAlpha(far) = %d, want 255", a)
	}
	mid := rampAlpha((nearLimit + farLimit) / 2)
	if mid == 0 || mid == 255 {
		t.Errorf("rampAlpha(mid) = %d, want intermediate value", mid)
	}
}

func TestOverlayDrawsBar(t *testing.T) {
	src := subjectOnWhite(100, 10)
	p := model.DefaultParams()
	p.BarHeight = 20
	p.Text = "example.com"

	out, err := Overlay{}.Apply(context.Background(), src, p)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	nrgba := out.(*image.NRGBA)
	top := nrgba.NRGBAAt(2, 2)
	if top.R != 255 || top.G != 255 || top.B != 255 {
		t.Errorf("top pixel = %v, want untouched white", top)
	}
	// The bar darkens the bottom rows.
	bottom := nrgba.NRGBAAt(2, 95)
	if bottom.R == 255 && bottom.G == 255 && bottom.B == 255 {
		t.Errorf("bottom pixel = %v, want darkened by bar", bottom)
	}
}

func TestOverlayBadParams(t *testing.T) {
	src := subjectOnWhite(32, 4)
	p := model.DefaultParams()
	p.BarHeight = 0

	_, err := Overlay{}.Apply(context.Background(), src, p)
	if !errors.Is(err, pipeline.ErrInvalidImage) {
		t.Errorf("err = %v, want ErrInvalidImage", err)
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	for _, name := range []string{
		PipelineRemoveBackground,
		PipelineProcess,
		PipelineRenderTemplate,
		PipelineProcessFull,
	} {
		if _, err := r.Resolve(name); err != nil {
			t.Errorf("Resolve(%q): %v", name, err)
		}
	}

	full, err := r.Resolve(PipelineProcessFull)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(full.Stages) != 3 {
		t.Errorf("process-full stages = %d, want 3", len(full.Stages))
	}
}
