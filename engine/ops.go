package engine

import (
	"fmt"
	"math"

	"github.com/deepcam/deepcam/layers"
	"github.com/deepcam/deepcam/tensor"
)

// kernel executes one layer on the CPU. backward returns the gradient with
// respect to the layer input given the input, the output the forward pass
// produced and the gradient flowing into that output, as a fresh tensor.
// Kernels hold only read-only weights, so one kernel serves any number of
// concurrent passes.
type kernel interface {
	forward(in *tensor.Tensor) (*tensor.Tensor, error)
	backward(in, out, gradOut *tensor.Tensor) (*tensor.Tensor, error)
}

type conv2DKernel struct {
	weight      []float32 // [outC, inC/groups, k, k]
	bias        []float32
	outChannels int
	kernelSize  int
	stride      int
	padding     int
	groups      int
	outShape    []int
}

func newConv2DKernel(spec layers.LayerSpec, weight, bias []float32) (*conv2DKernel, error) {
	k := &conv2DKernel{weight: weight, bias: bias, outShape: spec.OutputShape}
	var err error
	if k.outChannels, err = spec.IntParam("output_channels", 0); err != nil {
		return nil, err
	}
	if k.kernelSize, err = spec.IntParam("kernel_size", 0); err != nil {
		return nil, err
	}
	if k.stride, err = spec.IntParam("stride", 1); err != nil {
		return nil, err
	}
	if k.padding, err = spec.IntParam("padding", 0); err != nil {
		return nil, err
	}
	if k.groups, err = spec.IntParam("groups", 1); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *conv2DKernel) forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	inC, inH, inW, err := in.CHW()
	if err != nil {
		return nil, err
	}
	out, err := tensor.Zeros(k.outShape)
	if err != nil {
		return nil, err
	}
	outH, outW := k.outShape[2], k.outShape[3]
	inPerGroup := inC / k.groups
	outPerGroup := k.outChannels / k.groups
	ks := k.kernelSize

	for oc := 0; oc < k.outChannels; oc++ {
		g := oc / outPerGroup
		plane := out.Data[oc*outH*outW : (oc+1)*outH*outW]
		if k.bias != nil {
			for i := range plane {
				plane[i] = k.bias[oc]
			}
		}
		for icl := 0; icl < inPerGroup; icl++ {
			ic := g*inPerGroup + icl
			src := in.Data[ic*inH*inW : (ic+1)*inH*inW]
			wBase := (oc*inPerGroup + icl) * ks * ks
			for ky := 0; ky < ks; ky++ {
				for kx := 0; kx < ks; kx++ {
					w := k.weight[wBase+ky*ks+kx]
					if w == 0 {
						continue
					}
					for oy := 0; oy < outH; oy++ {
						iy := oy*k.stride - k.padding + ky
						if iy < 0 || iy >= inH {
							continue
						}
						row := plane[oy*outW : (oy+1)*outW]
						srcRow := src[iy*inW : (iy+1)*inW]
						for ox := 0; ox < outW; ox++ {
							ix := ox*k.stride - k.padding + kx
							if ix < 0 || ix >= inW {
								continue
							}
							row[ox] += w * srcRow[ix]
						}
					}
				}
			}
		}
	}
	return out, nil
}

func (k *conv2DKernel) backward(in, out, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	inC, inH, inW, err := in.CHW()
	if err != nil {
		return nil, err
	}
	gradIn, err := tensor.Zeros(in.Shape)
	if err != nil {
		return nil, err
	}
	outH, outW := k.outShape[2], k.outShape[3]
	inPerGroup := inC / k.groups
	outPerGroup := k.outChannels / k.groups
	ks := k.kernelSize

	for oc := 0; oc < k.outChannels; oc++ {
		g := oc / outPerGroup
		gPlane := gradOut.Data[oc*outH*outW : (oc+1)*outH*outW]
		for icl := 0; icl < inPerGroup; icl++ {
			ic := g*inPerGroup + icl
			dst := gradIn.Data[ic*inH*inW : (ic+1)*inH*inW]
			wBase := (oc*inPerGroup + icl) * ks * ks
			for ky := 0; ky < ks; ky++ {
				for kx := 0; kx < ks; kx++ {
					w := k.weight[wBase+ky*ks+kx]
					if w == 0 {
						continue
					}
					for oy := 0; oy < outH; oy++ {
						iy := oy*k.stride - k.padding + ky
						if iy < 0 || iy >= inH {
							continue
						}
						for ox := 0; ox < outW; ox++ {
							ix := ox*k.stride - k.padding + kx
							if ix < 0 || ix >= inW {
								continue
							}
							dst[iy*inW+ix] += w * gPlane[oy*outW+ox]
						}
					}
				}
			}
		}
	}
	return gradIn, nil
}

// denseKernel multiplies the flattened input by a [in, out] weight matrix.
type denseKernel struct {
	weight   []float32
	bias     []float32
	inSize   int
	outSize  int
	outShape []int
}

func (k *denseKernel) forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	if in.NumElems != k.inSize {
		return nil, fmt.Errorf("dense input has %d elements, expected %d", in.NumElems, k.inSize)
	}
	out, err := tensor.Zeros(k.outShape)
	if err != nil {
		return nil, err
	}
	if k.bias != nil {
		copy(out.Data, k.bias)
	}
	for i, x := range in.Data {
		if x == 0 {
			continue
		}
		row := k.weight[i*k.outSize : (i+1)*k.outSize]
		for j, w := range row {
			out.Data[j] += x * w
		}
	}
	return out, nil
}

func (k *denseKernel) backward(in, out, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	gradIn, err := tensor.Zeros(in.Shape)
	if err != nil {
		return nil, err
	}
	for i := range gradIn.Data {
		row := k.weight[i*k.outSize : (i+1)*k.outSize]
		var sum float32
		for j, w := range row {
			sum += w * gradOut.Data[j]
		}
		gradIn.Data[i] = sum
	}
	return gradIn, nil
}

// batchNormKernel applies inference-mode normalization folded into a
// per-channel scale and shift.
type batchNormKernel struct {
	scale []float32
	shift []float32
}

func newBatchNormKernel(gamma, beta, mean, variance []float32, eps float32) *batchNormKernel {
	n := len(mean)
	k := &batchNormKernel{scale: make([]float32, n), shift: make([]float32, n)}
	for c := 0; c < n; c++ {
		g := float32(1)
		b := float32(0)
		if gamma != nil {
			g, b = gamma[c], beta[c]
		}
		k.scale[c] = g / float32(math.Sqrt(float64(variance[c]+eps)))
		k.shift[c] = b - mean[c]*k.scale[c]
	}
	return k
}

func (k *batchNormKernel) spatial(t *tensor.Tensor) int {
	return t.NumElems / len(k.scale)
}

func (k *batchNormKernel) forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	out := in.Clone()
	n := k.spatial(in)
	for c := range k.scale {
		plane := out.Data[c*n : (c+1)*n]
		for i, v := range plane {
			plane[i] = v*k.scale[c] + k.shift[c]
		}
	}
	return out, nil
}

func (k *batchNormKernel) backward(in, out, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	gradIn := gradOut.Clone()
	n := k.spatial(in)
	for c := range k.scale {
		plane := gradIn.Data[c*n : (c+1)*n]
		for i := range plane {
			plane[i] *= k.scale[c]
		}
	}
	return gradIn, nil
}

// elementwiseKernel covers activations whose derivative depends only on the
// input value.
type elementwiseKernel struct {
	fn    func(x float32) float32
	deriv func(x float32) float32
}

func (k *elementwiseKernel) forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	out := in.Clone()
	for i, v := range out.Data {
		out.Data[i] = k.fn(v)
	}
	return out, nil
}

func (k *elementwiseKernel) backward(in, out, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	gradIn := gradOut.Clone()
	for i, x := range in.Data {
		gradIn.Data[i] *= k.deriv(x)
	}
	return gradIn, nil
}

func reluKernel() *elementwiseKernel {
	return &elementwiseKernel{
		fn: func(x float32) float32 {
			if x > 0 {
				return x
			}
			return 0
		},
		deriv: func(x float32) float32 {
			if x > 0 {
				return 1
			}
			return 0
		},
	}
}

func leakyReLUKernel(slope float32) *elementwiseKernel {
	return &elementwiseKernel{
		fn: func(x float32) float32 {
			if x > 0 {
				return x
			}
			return slope * x
		},
		deriv: func(x float32) float32 {
			if x > 0 {
				return 1
			}
			return slope
		},
	}
}

func hardSwishKernel() *elementwiseKernel {
	return &elementwiseKernel{
		fn: func(x float32) float32 {
			switch {
			case x <= -3:
				return 0
			case x >= 3:
				return x
			default:
				return x * (x + 3) / 6
			}
		},
		deriv: func(x float32) float32 {
			switch {
			case x < -3:
				return 0
			case x > 3:
				return 1
			default:
				return (2*x + 3) / 6
			}
		},
	}
}

func identityKernel() *elementwiseKernel {
	return &elementwiseKernel{
		fn:    func(x float32) float32 { return x },
		deriv: func(float32) float32 { return 1 },
	}
}

type maxPoolKernel struct {
	size     int
	stride   int
	outShape []int
}

// argmax returns the flat input index of the window maximum for one output
// position.
func (k *maxPoolKernel) argmax(plane []float32, inW, oy, ox int) int {
	best := (oy*k.stride)*inW + ox*k.stride
	for ky := 0; ky < k.size; ky++ {
		for kx := 0; kx < k.size; kx++ {
			idx := (oy*k.stride+ky)*inW + ox*k.stride + kx
			if plane[idx] > plane[best] {
				best = idx
			}
		}
	}
	return best
}

func (k *maxPoolKernel) forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	c, h, w, err := in.CHW()
	if err != nil {
		return nil, err
	}
	out, err := tensor.Zeros(k.outShape)
	if err != nil {
		return nil, err
	}
	outH, outW := k.outShape[2], k.outShape[3]
	for ch := 0; ch < c; ch++ {
		plane := in.Data[ch*h*w : (ch+1)*h*w]
		dst := out.Data[ch*outH*outW : (ch+1)*outH*outW]
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				dst[oy*outW+ox] = plane[k.argmax(plane, w, oy, ox)]
			}
		}
	}
	return out, nil
}

func (k *maxPoolKernel) backward(in, out, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	c, h, w, err := in.CHW()
	if err != nil {
		return nil, err
	}
	gradIn, err := tensor.Zeros(in.Shape)
	if err != nil {
		return nil, err
	}
	outH, outW := k.outShape[2], k.outShape[3]
	for ch := 0; ch < c; ch++ {
		plane := in.Data[ch*h*w : (ch+1)*h*w]
		dst := gradIn.Data[ch*h*w : (ch+1)*h*w]
		g := gradOut.Data[ch*outH*outW : (ch+1)*outH*outW]
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				dst[k.argmax(plane, w, oy, ox)] += g[oy*outW+ox]
			}
		}
	}
	return gradIn, nil
}

type globalAvgPoolKernel struct{}

func (globalAvgPoolKernel) forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	c, h, w, err := in.CHW()
	if err != nil {
		return nil, err
	}
	out, err := tensor.Zeros([]int{1, c, 1, 1})
	if err != nil {
		return nil, err
	}
	n := h * w
	for ch := 0; ch < c; ch++ {
		var sum float64
		for _, v := range in.Data[ch*n : (ch+1)*n] {
			sum += float64(v)
		}
		out.Data[ch] = float32(sum / float64(n))
	}
	return out, nil
}

func (globalAvgPoolKernel) backward(in, out, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	c, h, w, err := in.CHW()
	if err != nil {
		return nil, err
	}
	gradIn, err := tensor.Zeros(in.Shape)
	if err != nil {
		return nil, err
	}
	n := h * w
	for ch := 0; ch < c; ch++ {
		g := gradOut.Data[ch] / float32(n)
		plane := gradIn.Data[ch*n : (ch+1)*n]
		for i := range plane {
			plane[i] = g
		}
	}
	return gradIn, nil
}

type flattenKernel struct {
	outShape []int
}

func (k flattenKernel) forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	return in.Clone().Reshape(k.outShape)
}

func (k flattenKernel) backward(in, out, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	return gradOut.Clone().Reshape(in.Shape)
}

func hardSigmoidKernel() *elementwiseKernel {
	return &elementwiseKernel{
		fn: func(x float32) float32 {
			switch {
			case x <= -3:
				return 0
			case x >= 3:
				return 1
			default:
				return x/6 + 0.5
			}
		},
		deriv: func(x float32) float32 {
			if x > -3 && x < 3 {
				return 1.0 / 6
			}
			return 0
		},
	}
}

// mergeKernel executes a layer with a second operand, the recorded output of
// an earlier layer. backward returns the gradients with respect to both
// operands as fresh tensors.
type mergeKernel interface {
	forward(in, other *tensor.Tensor) (*tensor.Tensor, error)
	backward(in, other, gradOut *tensor.Tensor) (gradIn, gradOther *tensor.Tensor, err error)
}

// addKernel is the residual connection: in + other.
type addKernel struct{}

func (addKernel) forward(in, other *tensor.Tensor) (*tensor.Tensor, error) {
	if in.NumElems != other.NumElems {
		return nil, fmt.Errorf("cannot add %v to %v", other.Shape, in.Shape)
	}
	out := in.Clone()
	for i, v := range other.Data {
		out.Data[i] += v
	}
	return out, nil
}

func (addKernel) backward(in, other, gradOut *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	return gradOut.Clone(), gradOut.Clone(), nil
}

// channelScaleKernel multiplies each channel of other ([1, C, H, W]) by the
// matching gate value of in ([1, C, 1, 1]).
type channelScaleKernel struct{}

func (channelScaleKernel) forward(in, other *tensor.Tensor) (*tensor.Tensor, error) {
	c, h, w, err := other.CHW()
	if err != nil {
		return nil, err
	}
	if in.NumElems != c {
		return nil, fmt.Errorf("scale has %d values for %d channels", in.NumElems, c)
	}
	out := other.Clone()
	n := h * w
	for ch := 0; ch < c; ch++ {
		gate := in.Data[ch]
		plane := out.Data[ch*n : (ch+1)*n]
		for i := range plane {
			plane[i] *= gate
		}
	}
	return out, nil
}

func (channelScaleKernel) backward(in, other, gradOut *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	c, h, w, err := other.CHW()
	if err != nil {
		return nil, nil, err
	}
	gradIn, err := tensor.Zeros(in.Shape)
	if err != nil {
		return nil, nil, err
	}
	gradOther := gradOut.Clone()
	n := h * w
	for ch := 0; ch < c; ch++ {
		gate := in.Data[ch]
		g := gradOther.Data[ch*n : (ch+1)*n]
		x := other.Data[ch*n : (ch+1)*n]
		var sum float32
		for i := range g {
			sum += g[i] * x[i]
			g[i] *= gate
		}
		gradIn.Data[ch] = sum
	}
	return gradIn, gradOther, nil
}
