package imageproc

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// TintOverlay lays a translucent tint over base. With a mask only its white regions are
// tinted; mask pixels are sampled at the same coordinates, so the mask must match base size.
func TintOverlay(base, mask image.Image, tint color.NRGBA, opacity float64) *image.NRGBA {
	b := base.Bounds()
	layer := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	var mb image.Rectangle
	if mask != nil {
		mb = mask.Bounds()
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if mask != nil && !isWhite(mask, mb.Min.X+x, mb.Min.Y+y) {
				continue
			}
			layer.SetNRGBA(x, y, tint)
		}
	}

	return imaging.Overlay(base, layer, b.Min, opacity)
}
