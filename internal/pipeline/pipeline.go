package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/png"

	"github.com/calebwren/imagegate/internal/model"
)

// Stage is one transformation step. Apply must honor ctx cancellation at
// reasonable granularity but is otherwise free to run CPU-bound.
type Stage interface {
	Name() string
	Apply(ctx context.Context, img image.Image, p model.Params) (image.Image, error)
}

// Pipeline is an ordered, named sequence of stages applied to a decoded image.
type Pipeline struct {
	Name   string
	Stages []Stage
}

// EncodePNG renders the final image as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
