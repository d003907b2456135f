package overlay

import (
	"image/color"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// jetStops are the anchor colors of the jet ramp.
var jetStops = []struct {
	pos float64
	c   colorful.Color
}{
	{0.000, colorful.Color{R: 0, G: 0, B: 0.5}},
	{0.125, colorful.Color{R: 0, G: 0, B: 1}},
	{0.375, colorful.Color{R: 0, G: 1, B: 1}},
	{0.625, colorful.Color{R: 1, G: 1, B: 0}},
	{0.875, colorful.Color{R: 1, G: 0, B: 0}},
	{1.000, colorful.Color{R: 0.5, G: 0, B: 0}},
}

var jetLUT = buildJetLUT()

func buildJetLUT() [256]color.RGBA {
	var lut [256]color.RGBA
	for i := range lut {
		v := float64(i) / 255
		seg := 0
		for seg < len(jetStops)-2 && v > jetStops[seg+1].pos {
			seg++
		}
		lo, hi := jetStops[seg], jetStops[seg+1]
		t := (v - lo.pos) / (hi.pos - lo.pos)
		r, g, b := lo.c.BlendRgb(hi.c, t).Clamped().RGB255()
		lut[i] = color.RGBA{R: r, G: g, B: b, A: 0xff}
	}
	return lut
}

// JetColor maps an intensity in [0, 1] onto the jet ramp: dark blue, blue,
// cyan, yellow, red, dark red. Values are quantized to 256 levels.
func JetColor(v float64) color.RGBA {
	if v != v || v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return jetLUT[int(v*255)]
}
