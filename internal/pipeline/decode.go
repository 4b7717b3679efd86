package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// ErrInvalidImage wraps every input-validation failure so callers can
// classify malformed input without matching on message text.
var ErrInvalidImage = errors.New("invalid image")

// Limits bounds what Decode will accept.
type Limits struct {
	MaxBytes  int64
	MaxPixels int64
}

// Decode parses and validates the raw upload. The header is inspected first
// so a decompression bomb is rejected before any pixel data is allocated.
func Decode(data []byte, lim Limits) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidImage)
	}
	if lim.MaxBytes > 0 && int64(len(data)) > lim.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidImage, len(data), lim.MaxBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if lim.MaxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > lim.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds pixel limit of %d", ErrInvalidImage, cfg.Width, cfg.Height, lim.MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt %s data: %v", ErrInvalidImage, format, err)
	}
	return img, nil
}
