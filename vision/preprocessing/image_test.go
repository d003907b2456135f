package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createMockJPEGImage creates a gradient JPEG image for testing
func createMockJPEGImage(t *testing.T, width, height int, base color.RGBA) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			factor := float64(x+y) / float64(width+height)
			img.Set(x, y, color.RGBA{
				R: uint8(float64(base.R) * factor),
				G: uint8(float64(base.G) * factor),
				B: uint8(float64(base.B) * factor),
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	t.Run("JPEG", func(t *testing.T) {
		img, err := DecodeBytes(createMockJPEGImage(t, 100, 60, color.RGBA{255, 128, 64, 255}))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 100, 60), img.Bounds())
	})

	t.Run("GrayPNG", func(t *testing.T) {
		gray := image.NewGray(image.Rect(0, 0, 4, 4))
		for i := range gray.Pix {
			gray.Pix[i] = 200
		}
		img, err := DecodeBytes(encodePNG(t, gray))
		require.NoError(t, err)
		r, g, b, a := img.At(1, 1).RGBA()
		assert.Equal(t, uint32(200), r>>8)
		assert.Equal(t, r, g)
		assert.Equal(t, g, b)
		assert.Equal(t, uint32(0xff), a>>8)
	})

	t.Run("TransparentPixelsKeepColor", func(t *testing.T) {
		src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
		src.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 0})
		img, err := ToRGB(src)
		require.NoError(t, err)
		off := img.PixOffset(0, 0)
		assert.Equal(t, []uint8{10, 20, 30, 255}, img.Pix[off:off+4])
	})

	t.Run("Corrupt", func(t *testing.T) {
		_, err := DecodeBytes([]byte("definitely not an image"))
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := DecodeBytes(nil)
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr)
	})

	t.Run("TruncatedJPEG", func(t *testing.T) {
		data := createMockJPEGImage(t, 32, 32, color.RGBA{10, 20, 30, 255})
		_, err := DecodeBytes(data[:len(data)/3])
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr)
	})
}

func TestToRGBRejectsAlphaOnly(t *testing.T) {
	for _, img := range []image.Image{
		image.NewAlpha(image.Rect(0, 0, 3, 3)),
		image.NewAlpha16(image.Rect(0, 0, 3, 3)),
		image.NewPaletted(image.Rect(0, 0, 3, 3), nil),
	} {
		_, err := ToRGB(img)
		var modeErr *UnsupportedColorModeError
		assert.ErrorAs(t, err, &modeErr, "%T", img)
	}
}

func TestPreprocessShapeAndRange(t *testing.T) {
	processor := NewImageProcessor(DefaultSize)

	inputs := map[string][]byte{
		"square": createMockJPEGImage(t, 300, 300, color.RGBA{255, 255, 255, 255}),
		"wide":   createMockJPEGImage(t, 640, 120, color.RGBA{40, 200, 90, 255}),
		"tiny":   createMockJPEGImage(t, 7, 11, color.RGBA{255, 0, 0, 255}),
	}

	for name, data := range inputs {
		t.Run(name, func(t *testing.T) {
			img, tensor, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
			require.NoError(t, err)
			require.NotNil(t, img)
			assert.Equal(t, []int{1, 3, DefaultSize, DefaultSize}, tensor.Shape)

			plane := DefaultSize * DefaultSize
			for c := 0; c < 3; c++ {
				lo, hi := processor.Range(c)
				for _, v := range tensor.Data[c*plane : (c+1)*plane] {
					if v < lo-1e-5 || v > hi+1e-5 {
						t.Fatalf("channel %d value %v outside [%v, %v]", c, v, lo, hi)
					}
				}
			}
		})
	}
}

func TestPreprocessNormalization(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 255, 0, 128, 255
	}

	processor := NewImageProcessor(8)
	tensor, err := processor.Preprocess(img)
	require.NoError(t, err)

	plane := 64
	assert.InDelta(t, (1-0.485)/0.229, tensor.Data[0], 1e-5)
	assert.InDelta(t, (0-0.456)/0.224, tensor.Data[plane], 1e-5)
	assert.InDelta(t, (128.0/255-0.406)/0.225, tensor.Data[2*plane+17], 1e-5)

	custom := processor.WithNormalization([3]float32{0.5, 0.5, 0.5}, [3]float32{0.5, 0.5, 0.5})
	tensor, err = custom.Preprocess(img)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, tensor.Data[0], 1e-5)
	assert.InDelta(t, -1.0, tensor.Data[plane], 1e-5)
}

func TestPreprocessRejectsBadStd(t *testing.T) {
	processor := NewImageProcessor(4).WithNormalization([3]float32{}, [3]float32{1, 0, 1})
	_, err := processor.Preprocess(image.NewRGBA(image.Rect(0, 0, 4, 4)))
	assert.Error(t, err)
}

func TestPreprocessNonZeroOrigin(t *testing.T) {
	base := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for i := 0; i < len(base.Pix); i += 4 {
		base.Pix[i+3] = 255
	}
	sub := base.SubImage(image.Rect(5, 5, 15, 15))

	tensor, err := NewImageProcessor(10).Preprocess(sub)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 10, 10}, tensor.Shape)
}

func TestImageProcessorConcurrency(t *testing.T) {
	processor := NewImageProcessor(32)
	data := createMockJPEGImage(t, 64, 64, color.RGBA{200, 100, 50, 255})

	_, reference, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, got, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
			if err != nil {
				errs <- err
				return
			}
			for j := range got.Data {
				if got.Data[j] != reference.Data[j] {
					errs <- assert.AnError
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func BenchmarkDecodeAndPreprocess(b *testing.B) {
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		b.Fatal(err)
	}
	processor := NewImageProcessor(DefaultSize)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := processor.DecodeAndPreprocess(bytes.NewReader(buf.Bytes())); err != nil {
			b.Fatal(err)
		}
	}
}
