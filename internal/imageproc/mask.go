package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
)

// ResizeMaskTo scales a mask to exactly width x height with nearest-neighbor sampling.
// Any smoothing filter would grey out the mask edges and blur the edit boundary.
func ResizeMaskTo(mask []byte, width, height int) ([]byte, error) {
	if len(mask) == 0 {
		return nil, errors.New("empty mask provided to ResizeMaskTo")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid mask target size %dx%d", width, height)
	}

	img, err := imaging.Decode(bytes.NewReader(mask))
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask: %w", err)
	}

	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return mask, nil
	}

	resized := imaging.Resize(img, width, height, imaging.NearestNeighbor)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
		return nil, fmt.Errorf("failed to encode mask: %w", err)
	}
	return buf.Bytes(), nil
}

// isWhite treats a mask pixel as editable when its luminance is in the upper half.
func isWhite(img image.Image, x, y int) bool {
	r, g, b, _ := img.At(x, y).RGBA()
	lum := (299*r + 587*g + 114*b) / 1000
	return lum >= 0x8000
}
