package preprocessing

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"

	"github.com/deepcam/deepcam/tensor"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// DefaultSize is the square input resolution of the shipped classifiers.
const DefaultSize = 224

// DecodeError reports an unreadable or corrupt image stream.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedColorModeError reports an image whose pixels cannot be coerced
// to three RGB channels.
type UnsupportedColorModeError struct {
	Mode string
}

func (e *UnsupportedColorModeError) Error() string {
	return fmt.Sprintf("unsupported color mode %s: cannot convert to RGB", e.Mode)
}

// Decode reads an encoded image and returns it as opaque RGB pixels with its
// origin at (0, 0).
func Decode(r io.Reader) (*image.RGBA, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return ToRGB(img)
}

// DecodeBytes is Decode over an in-memory buffer.
func DecodeBytes(data []byte) (*image.RGBA, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errors.New("empty image data")}
	}
	return Decode(bytes.NewReader(data))
}

// ToRGB converts any supported color model to opaque RGB. Alpha is dropped,
// not composited, matching a plain RGB conversion of the source.
func ToRGB(img image.Image) (*image.RGBA, error) {
	switch src := img.(type) {
	case *image.Alpha, *image.Alpha16:
		return nil, &UnsupportedColorModeError{Mode: fmt.Sprintf("%T", img)}
	case *image.Paletted:
		if len(src.Palette) == 0 {
			return nil, &UnsupportedColorModeError{Mode: "paletted without palette"}
		}
	}

	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, &DecodeError{Err: errors.New("image has no pixels")}
	}

	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			off := dst.PixOffset(x-bounds.Min.X, y-bounds.Min.Y)
			dst.Pix[off+0] = c.R
			dst.Pix[off+1] = c.G
			dst.Pix[off+2] = c.B
			dst.Pix[off+3] = 0xff
		}
	}
	return dst, nil
}

// ImageProcessor turns RGB images into normalized [1, 3, H, W] tensors.
// It holds no per-call state and is safe for concurrent use.
type ImageProcessor struct {
	width  int
	height int
	mean   [3]float32
	std    [3]float32
}

// NewImageProcessor creates a processor for a square target size with
// ImageNet normalization.
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		width:  targetSize,
		height: targetSize,
		mean:   [3]float32{0.485, 0.456, 0.406},
		std:    [3]float32{0.229, 0.224, 0.225},
	}
}

// WithSize overrides the target resolution.
func (p *ImageProcessor) WithSize(width, height int) *ImageProcessor {
	cp := *p
	cp.width, cp.height = width, height
	return &cp
}

// WithNormalization overrides the per-channel statistics.
func (p *ImageProcessor) WithNormalization(mean, std [3]float32) *ImageProcessor {
	cp := *p
	cp.mean, cp.std = mean, std
	return &cp
}

// Size returns the target width and height.
func (p *ImageProcessor) Size() (int, int) {
	return p.width, p.height
}

// Range returns the smallest and largest value channel c can take after
// normalization.
func (p *ImageProcessor) Range(c int) (float32, float32) {
	return (0 - p.mean[c]) / p.std[c], (1 - p.mean[c]) / p.std[c]
}

// Preprocess resizes img directly to the target resolution (no aspect
// preservation, bilinear) and normalizes each channel as
// (v/255 - mean) / std. The result is in CHW order.
func (p *ImageProcessor) Preprocess(img image.Image) (*tensor.Tensor, error) {
	if p.width <= 0 || p.height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", p.width, p.height)
	}
	for c := 0; c < 3; c++ {
		if p.std[c] <= 0 {
			return nil, fmt.Errorf("std[%d] must be positive", c)
		}
	}

	rgb, ok := img.(*image.RGBA)
	if !ok || rgb.Bounds().Min != (image.Point{}) {
		var err error
		if rgb, err = ToRGB(img); err != nil {
			return nil, err
		}
	}

	var resized image.Image = rgb
	if rgb.Bounds().Dx() != p.width || rgb.Bounds().Dy() != p.height {
		resized = resize.Resize(uint(p.width), uint(p.height), rgb, resize.Bilinear)
	}

	plane := p.width * p.height
	data := make([]float32, 3*plane)
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			r, g, b := pixelAt(resized, x, y)
			idx := y*p.width + x
			data[0*plane+idx] = (float32(r)/255 - p.mean[0]) / p.std[0]
			data[1*plane+idx] = (float32(g)/255 - p.mean[1]) / p.std[1]
			data[2*plane+idx] = (float32(b)/255 - p.mean[2]) / p.std[2]
		}
	}

	return tensor.NewTensor([]int{1, 3, p.height, p.width}, data)
}

// DecodeAndPreprocess decodes r and preprocesses the result, returning both
// the RGB image and the input tensor.
func (p *ImageProcessor) DecodeAndPreprocess(r io.Reader) (*image.RGBA, *tensor.Tensor, error) {
	img, err := Decode(r)
	if err != nil {
		return nil, nil, err
	}
	t, err := p.Preprocess(img)
	if err != nil {
		return nil, nil, err
	}
	return img, t, nil
}

func pixelAt(img image.Image, x, y int) (uint8, uint8, uint8) {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok {
		off := rgba.PixOffset(b.Min.X+x, b.Min.Y+y)
		return rgba.Pix[off], rgba.Pix[off+1], rgba.Pix[off+2]
	}
	r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
	return uint8(r >> 8), uint8(g >> 8), uint8(bl >> 8)
}
