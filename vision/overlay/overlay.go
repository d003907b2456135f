// Package overlay renders intensity fields on top of the analyzed image.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/deepcam/deepcam/gradcam"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Policy selects how the heat image is mixed into the original.
type Policy int

const (
	// AlphaBlend mixes every pixel with fixed weights.
	AlphaBlend Policy = iota
	// ThresholdMask blends only pixels whose intensity exceeds the threshold
	// and leaves the rest untouched.
	ThresholdMask
)

func (p Policy) String() string {
	switch p {
	case AlphaBlend:
		return "blend"
	case ThresholdMask:
		return "threshold"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a configuration value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "blend", "alpha", "alpha_blend":
		return AlphaBlend, nil
	case "threshold", "mask", "threshold_mask":
		return ThresholdMask, nil
	default:
		return AlphaBlend, fmt.Errorf("unknown overlay policy %q", s)
	}
}

// GridOptions configures the quantized digit layer.
type GridOptions struct {
	Enabled bool
	// Size is the number of cells per side.
	Size int
	// OverlayWeight and DigitWeight mix the heat overlay with the digit
	// layer; the sum saturates.
	OverlayWeight float64
	DigitWeight   float64
}

// Options configures Composite.
type Options struct {
	Policy      Policy
	ImageWeight float64
	HeatWeight  float64
	Threshold   float64
	Grid        GridOptions
}

// DefaultOptions returns a 60/40 alpha blend with an 8x8 digit grid.
func DefaultOptions() Options {
	return Options{
		Policy:      AlphaBlend,
		ImageWeight: 0.6,
		HeatWeight:  0.4,
		Threshold:   0.5,
		Grid: GridOptions{
			Enabled:       true,
			Size:          8,
			OverlayWeight: 0.8,
			DigitWeight:   0.8,
		},
	}
}

// Validate checks weight ranges and grid size.
func (o Options) Validate() error {
	if o.Policy != AlphaBlend && o.Policy != ThresholdMask {
		return fmt.Errorf("unknown overlay policy %d", int(o.Policy))
	}
	if o.ImageWeight < 0 || o.HeatWeight < 0 {
		return fmt.Errorf("blend weights must be non-negative")
	}
	if o.Threshold < 0 || o.Threshold > 1 {
		return fmt.Errorf("threshold %v outside [0, 1]", o.Threshold)
	}
	if o.Grid.Enabled {
		if o.Grid.Size <= 0 {
			return fmt.Errorf("grid size must be positive, got %d", o.Grid.Size)
		}
		if o.Grid.OverlayWeight < 0 || o.Grid.DigitWeight < 0 {
			return fmt.Errorf("grid weights must be non-negative")
		}
	}
	return nil
}

// Result is a composed overlay and, when the grid is enabled, the digit
// grid drawn onto it (row-major, Digits[row][col]).
type Result struct {
	Image  *image.RGBA
	Digits [][]int
}

// Composite colors field with the jet ramp and blends it with img according
// to opts. The field must have the image's resolution. img is not modified.
func Composite(img *image.RGBA, field *gradcam.Field, opts Options) (*Result, error) {
	if img == nil || field == nil {
		return nil, fmt.Errorf("image and field are required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() != field.Width || b.Dy() != field.Height {
		return nil, fmt.Errorf("field %dx%d does not match image %dx%d", field.Width, field.Height, b.Dx(), b.Dy())
	}

	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < field.Height; y++ {
		for x := 0; x < field.Width; x++ {
			src := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			dst := out.PixOffset(x, y)
			v := field.Values[y*field.Width+x]

			if opts.Policy == ThresholdMask && v <= opts.Threshold {
				copy(out.Pix[dst:dst+3], img.Pix[src:src+3])
				out.Pix[dst+3] = 0xff
				continue
			}

			heat := JetColor(v)
			out.Pix[dst+0] = addWeighted(img.Pix[src+0], opts.ImageWeight, heat.R, opts.HeatWeight)
			out.Pix[dst+1] = addWeighted(img.Pix[src+1], opts.ImageWeight, heat.G, opts.HeatWeight)
			out.Pix[dst+2] = addWeighted(img.Pix[src+2], opts.ImageWeight, heat.B, opts.HeatWeight)
			out.Pix[dst+3] = 0xff
		}
	}

	result := &Result{Image: out}
	if !opts.Grid.Enabled {
		return result, nil
	}

	// images smaller than the grid get one cell per pixel
	size := opts.Grid.Size
	if field.Width < size {
		size = field.Width
	}
	if field.Height < size {
		size = field.Height
	}
	digits, err := DigitGrid(field, size)
	if err != nil {
		return nil, err
	}
	result.Digits = digits

	layer := digitLayer(field.Width, field.Height, digits)
	for i := 0; i < len(out.Pix); i += 4 {
		out.Pix[i+0] = addWeighted(out.Pix[i+0], opts.Grid.OverlayWeight, layer.Pix[i+0], opts.Grid.DigitWeight)
		out.Pix[i+1] = addWeighted(out.Pix[i+1], opts.Grid.OverlayWeight, layer.Pix[i+1], opts.Grid.DigitWeight)
		out.Pix[i+2] = addWeighted(out.Pix[i+2], opts.Grid.OverlayWeight, layer.Pix[i+2], opts.Grid.DigitWeight)
	}
	return result, nil
}

// DigitGrid quantizes field into size x size cells. Each cell holds
// floor(v*9) clamped to [0, 9], where v is sampled at the cell center.
func DigitGrid(field *gradcam.Field, size int) ([][]int, error) {
	if size <= 0 {
		return nil, fmt.Errorf("grid size must be positive, got %d", size)
	}
	if field.Width < size || field.Height < size {
		return nil, fmt.Errorf("grid %d does not fit field %dx%d", size, field.Width, field.Height)
	}

	cellW, cellH := field.Width/size, field.Height/size
	digits := make([][]int, size)
	for row := 0; row < size; row++ {
		digits[row] = make([]int, size)
		for col := 0; col < size; col++ {
			v := field.At(col*cellW+cellW/2, row*cellH+cellH/2)
			d := int(math.Floor(v * 9))
			if d < 0 {
				d = 0
			} else if d > 9 {
				d = 9
			}
			digits[row][col] = d
		}
	}
	return digits, nil
}

// digitLayer draws white digits on black, one per cell, offset from the cell
// center by a quarter cell to the left and down.
func digitLayer(width, height int, digits [][]int) *image.RGBA {
	layer := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 3; i < len(layer.Pix); i += 4 {
		layer.Pix[i] = 0xff
	}

	size := len(digits)
	cellW, cellH := width/size, height/size
	drawer := &font.Drawer{
		Dst:  layer,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
	}
	for row, cols := range digits {
		for col, d := range cols {
			cx := col*cellW + cellW/2
			cy := row*cellH + cellH/2
			drawer.Dot = fixed.P(cx-cellW/4, cy+cellH/4)
			drawer.DrawString(strconv.Itoa(d))
		}
	}
	return layer
}

func addWeighted(a uint8, wa float64, b uint8, wb float64) uint8 {
	v := math.Round(float64(a)*wa + float64(b)*wb)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

// PNGBytes encodes img as PNG in memory.
func PNGBytes(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
