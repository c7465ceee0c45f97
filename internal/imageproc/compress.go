// Package imageproc prepares images for the generation provider: downscaling, re-encoding,
// mask resampling and translucent overlays.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/disintegration/imaging"
)

const (
	jpegQuality         = 85
	jpegFallbackQuality = 65
)

// Compressed is the working image handed to the provider.
type Compressed struct {
	Data   []byte
	Width  int
	Height int
}

// CompressIfNeeded returns data untouched when it already fits both ceilings. Otherwise the
// image is scaled to fit maxDim on its longer side and re-encoded; JPEG gets one extra
// lower-quality pass if it is still above maxBytes.
func CompressIfNeeded(data []byte, maxBytes int64, maxDim int, mime string) (*Compressed, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image provided to CompressIfNeeded")
	}
	if !model.InImageTypeMap[mime] {
		return nil, model.ErrUnsupportedFormat
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}

	if int64(len(data)) <= maxBytes && max(cfg.Width, cfg.Height) <= maxDim {
		return &Compressed{Data: data, Width: cfg.Width, Height: cfg.Height}, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	if max(cfg.Width, cfg.Height) > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}

	out, err := encode(img, mime, jpegQuality)
	if err != nil {
		return nil, err
	}

	if mime == model.JPEG && int64(len(out)) > maxBytes {
		out, err = encode(img, mime, jpegFallbackQuality)
		if err != nil {
			return nil, err
		}
	}

	b := img.Bounds()
	return &Compressed{Data: out, Width: b.Dx(), Height: b.Dy()}, nil
}

func encode(img image.Image, mime string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch mime {
	case model.PNG:
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", mime, err)
	}
	return buf.Bytes(), nil
}

// Dimensions reads width and height from the image header only.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
