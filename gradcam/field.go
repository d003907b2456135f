package gradcam

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// CoverageThreshold is the intensity above which a pixel counts towards
// Stats.Coverage.
const CoverageThreshold = 0.5

// Field is a single-channel intensity grid in row-major order with values
// in [0, 1].
type Field struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float64 `json:"-"`
}

// Stats summarizes a field.
type Stats struct {
	Mean     float64 `json:"mean"`
	Peak     float64 `json:"peak"`
	Coverage float64 `json:"coverage"`
}

// NewField allocates a zero field.
func NewField(width, height int) (*Field, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid field size %dx%d", width, height)
	}
	return &Field{Width: width, Height: height, Values: make([]float64, width*height)}, nil
}

// At returns the intensity at (x, y), clamping coordinates to the grid.
func (f *Field) At(x, y int) float64 {
	x = clampInt(x, 0, f.Width-1)
	y = clampInt(y, 0, f.Height-1)
	return f.Values[y*f.Width+x]
}

// Stats computes mean, peak and the fraction of pixels above
// CoverageThreshold.
func (f *Field) Stats() Stats {
	if len(f.Values) == 0 {
		return Stats{}
	}
	above := 0
	for _, v := range f.Values {
		if v > CoverageThreshold {
			above++
		}
	}
	return Stats{
		Mean:     stat.Mean(f.Values, nil),
		Peak:     floats.Max(f.Values),
		Coverage: float64(above) / float64(len(f.Values)),
	}
}

// IsFlat reports whether every value is identical.
func (f *Field) IsFlat() bool {
	if len(f.Values) == 0 {
		return true
	}
	return floats.Max(f.Values) == floats.Min(f.Values)
}

// resizeBilinear samples src (sw x sh) onto a dw x dh grid using half-pixel
// centers, the convention of the common computer-vision resize routines.
func resizeBilinear(src []float64, sw, sh, dw, dh int) []float64 {
	dst := make([]float64, dw*dh)
	scaleX := float64(sw) / float64(dw)
	scaleY := float64(sh) / float64(dh)

	for dy := 0; dy < dh; dy++ {
		fy := (float64(dy)+0.5)*scaleY - 0.5
		if fy < 0 {
			fy = 0
		}
		y0 := int(math.Floor(fy))
		if y0 > sh-1 {
			y0 = sh - 1
		}
		y1 := y0 + 1
		if y1 > sh-1 {
			y1 = sh - 1
		}
		wy := fy - float64(y0)
		if wy > 1 {
			wy = 1
		}

		for dx := 0; dx < dw; dx++ {
			fx := (float64(dx)+0.5)*scaleX - 0.5
			if fx < 0 {
				fx = 0
			}
			x0 := int(math.Floor(fx))
			if x0 > sw-1 {
				x0 = sw - 1
			}
			x1 := x0 + 1
			if x1 > sw-1 {
				x1 = sw - 1
			}
			wx := fx - float64(x0)
			if wx > 1 {
				wx = 1
			}

			top := src[y0*sw+x0]*(1-wx) + src[y0*sw+x1]*wx
			bottom := src[y1*sw+x0]*(1-wx) + src[y1*sw+x1]*wx
			dst[dy*dw+dx] = top*(1-wy) + bottom*wy
		}
	}
	return dst
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
