package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"strings"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/imageproc"
	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/disintegration/imaging"
	"github.com/wb-go/wbf/zlog"
)

var mockTint = color.NRGBA{R: 255, G: 140, B: 0, A: 255}

const mockOpacity = 0.35

// Mock never leaves the process: it tints the source image (only the white mask
// regions when a mask is given) and always answers with a PNG.
type Mock struct {
	slowDelay time.Duration
}

func NewMock(slowDelay time.Duration) *Mock {
	return &Mock{slowDelay: slowDelay}
}

func (m *Mock) Name() string {
	return NameMock
}

func (m *Mock) Edit(ctx context.Context, req Request) (*Result, error) {
	if strings.Contains(req.Prompt, DirectiveSlow) {
		zlog.Logger.Info().Dur("delay", m.slowDelay).Msg("Mock provider: slow directive")
		select {
		case <-time.After(m.slowDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if strings.Contains(req.Prompt, DirectiveError) {
		return nil, model.ErrForcedFailure
	}

	base, err := decodeImage(req.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("mock provider: source image: %w", err)
	}

	var mask image.Image
	if req.MaskBase64 != "" {
		mask, err = decodeImage(req.MaskBase64)
		if err != nil {
			return nil, fmt.Errorf("mock provider: mask: %w", err)
		}
		b := base.Bounds()
		if mask.Bounds().Dx() != b.Dx() || mask.Bounds().Dy() != b.Dy() {
			mask = imaging.Resize(mask, b.Dx(), b.Dy(), imaging.NearestNeighbor)
		}
	}

	out := imageproc.TintOverlay(base, mask, mockTint, mockOpacity)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("mock provider: encode: %w", err)
	}

	return &Result{
		ImageBase64: base64.StdEncoding.EncodeToString(buf.Bytes()),
		Mime:        model.PNG,
	}, nil
}

func decodeImage(b64 string) (image.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	return imaging.Decode(bytes.NewReader(raw))
}
