package imageproc

import (
	"bytes"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

func testImage(t *testing.T, w, h int, format imaging.Format) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 100, G: 100, B: 200, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, format))
	return buf.Bytes()
}

// noisyJPEG does not compress well, so byte ceilings actually bite.
func noisyJPEG(t *testing.T, w, h int) []byte {
	t.Helper()

	rnd := rand.New(rand.NewSource(1))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(rnd.Intn(256))
	}

	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(100)))
	return buf.Bytes()
}

// halfMask is white on the left half and black on the right.
func halfMask(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func mustDecode(t *testing.T, data []byte) image.Image {
	t.Helper()

	img, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestCompressIfNeeded(t *testing.T) {
	small := testImage(t, 200, 100, imaging.PNG)

	tests := []struct {
		name          string
		data          []byte
		mime          string
		maxBytes      int64
		maxDim        int
		wantW, wantH  int
		wantUntouched bool
		wantErr       bool
	}{
		{
			name:          "within limits is a no-op",
			data:          small,
			mime:          model.PNG,
			maxBytes:      1 << 20,
			maxDim:        1024,
			wantW:         200,
			wantH:         100,
			wantUntouched: true,
		},
		{
			name:     "too wide png is scaled proportionally",
			data:     testImage(t, 400, 200, imaging.PNG),
			mime:     model.PNG,
			maxBytes: 1 << 20,
			maxDim:   100,
			wantW:    100,
			wantH:    50,
		},
		{
			name:     "too tall jpeg is scaled proportionally",
			data:     testImage(t, 300, 600, imaging.JPEG),
			mime:     model.JPEG,
			maxBytes: 1 << 20,
			maxDim:   300,
			wantW:    150,
			wantH:    300,
		},
		{
			name:    "unsupported mime",
			data:    small,
			mime:    "image/gif",
			wantErr: true,
		},
		{
			name:    "broken image",
			data:    []byte("not-an-image"),
			mime:    model.PNG,
			wantErr: true,
		},
		{
			name:    "empty input",
			data:    nil,
			mime:    model.PNG,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := CompressIfNeeded(tt.data, tt.maxBytes, tt.maxDim, tt.mime)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.wantW, res.Width)
			require.Equal(t, tt.wantH, res.Height)
			if tt.wantUntouched {
				require.Equal(t, tt.data, res.Data)
			}

			img := mustDecode(t, res.Data)
			require.Equal(t, tt.wantW, img.Bounds().Dx())
			require.Equal(t, tt.wantH, img.Bounds().Dy())
		})
	}
}

func TestCompressIfNeeded_OversizedJPEGShrinks(t *testing.T) {
	data := noisyJPEG(t, 256, 256)
	limit := int64(len(data) / 2)

	res, err := CompressIfNeeded(data, limit, 1024, model.JPEG)
	require.NoError(t, err)
	require.Equal(t, 256, res.Width)
	require.Less(t, len(res.Data), len(data))
}

func TestResizeMaskTo_NearestNeighborKeepsHardEdges(t *testing.T) {
	mask := halfMask(t, 64, 32)

	out, err := ResizeMaskTo(mask, 37, 19)
	require.NoError(t, err)

	img := mustDecode(t, out)
	require.Equal(t, 37, img.Bounds().Dx())
	require.Equal(t, 19, img.Bounds().Dy())

	for y := 0; y < 19; y++ {
		for x := 0; x < 37; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			require.True(t, r == g && g == b, "mask must stay grey-scale")
			require.True(t, r == 0 || r == 0xffff, "pixel (%d,%d) interpolated to %d", x, y, r>>8)
		}
	}
}

func TestResizeMaskTo_SameSizeIsUntouched(t *testing.T) {
	mask := halfMask(t, 16, 16)

	out, err := ResizeMaskTo(mask, 16, 16)
	require.NoError(t, err)
	require.Equal(t, mask, out)
}

func TestResizeMaskTo_Errors(t *testing.T) {
	_, err := ResizeMaskTo(nil, 10, 10)
	require.Error(t, err)

	_, err = ResizeMaskTo([]byte("broken"), 10, 10)
	require.Error(t, err)

	_, err = ResizeMaskTo(halfMask(t, 4, 4), 0, 10)
	require.Error(t, err)
}

func TestTintOverlay_RespectsMask(t *testing.T) {
	base := mustDecode(t, testImage(t, 40, 20, imaging.PNG))
	mask := mustDecode(t, halfMask(t, 40, 20))
	tint := color.NRGBA{R: 255, G: 0, B: 0, A: 255}

	out := TintOverlay(base, mask, tint, 0.5)
	require.Equal(t, base.Bounds().Dx(), out.Bounds().Dx())

	// black half of the mask is untouched
	require.Equal(t, color.NRGBAModel.Convert(base.At(30, 10)), out.At(30, 10))
	// white half is shifted towards the tint
	edited := out.NRGBAAt(5, 10)
	require.Greater(t, edited.R, uint8(100))
	require.Less(t, edited.B, uint8(200))
}

func TestTintOverlay_NoMaskTintsEverything(t *testing.T) {
	base := mustDecode(t, testImage(t, 10, 10, imaging.PNG))

	out := TintOverlay(base, nil, color.NRGBA{R: 255, A: 255}, 0.5)
	for _, p := range []image.Point{{0, 0}, {9, 9}, {5, 2}} {
		require.Greater(t, out.NRGBAAt(p.X, p.Y).R, uint8(100))
	}
}

func TestDimensions(t *testing.T) {
	w, h, err := Dimensions(testImage(t, 12, 7, imaging.JPEG))
	require.NoError(t, err)
	require.Equal(t, 12, w)
	require.Equal(t, 7, h)

	_, _, err = Dimensions([]byte("nope"))
	require.Error(t, err)
}
