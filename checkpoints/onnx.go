package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/deepcam/deepcam/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX field numbers (onnx.proto3) for the subset of the schema read and
// written here.
const (
	modelIRVersion     protowire.Number = 1
	modelProducerName  protowire.Number = 2
	modelProducerVer   protowire.Number = 3
	modelGraph         protowire.Number = 7
	modelMetadataProps protowire.Number = 14

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	onnxFloat = 1 // TensorProto.DataType.FLOAT
)

// Metadata keys carrying the architecture and inference conventions next to
// the initializers.
const (
	metaModelSpec = "deepcam.model_spec"
	metaInference = "deepcam.inference"
	metaDescribe  = "deepcam.description"
)

// ONNXExporter writes a checkpoint as an ONNX model whose graph holds the
// weights as initializers. The architecture travels in metadata_props.
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX serializes checkpoint to path.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Marshal(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// Marshal encodes checkpoint in ONNX wire format.
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}
	specJSON, err := json.Marshal(checkpoint.ModelSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model spec: %w", err)
	}
	inferenceJSON, err := json.Marshal(checkpoint.Inference)
	if err != nil {
		return nil, fmt.Errorf("failed to encode inference metadata: %w", err)
	}

	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, "deepcam-model")
	for _, weight := range checkpoint.Weights {
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, oe.encodeTensor(weight))
	}

	var model []byte
	model = protowire.AppendTag(model, modelIRVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, 7)
	model = protowire.AppendTag(model, modelProducerName, protowire.BytesType)
	model = protowire.AppendString(model, checkpoint.Metadata.Framework)
	model = protowire.AppendTag(model, modelProducerVer, protowire.BytesType)
	model = protowire.AppendString(model, checkpoint.Metadata.Version)
	model = protowire.AppendTag(model, modelGraph, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)
	model = appendMetadataProp(model, metaModelSpec, string(specJSON))
	model = appendMetadataProp(model, metaInference, string(inferenceJSON))
	if checkpoint.Metadata.Description != "" {
		model = appendMetadataProp(model, metaDescribe, checkpoint.Metadata.Description)
	}
	return model, nil
}

// encodeTensor writes a FLOAT TensorProto with little-endian raw_data.
func (oe *ONNXExporter) encodeTensor(weight WeightTensor) []byte {
	var b []byte
	var dims []byte
	for _, d := range weight.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxFloat)
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, weight.Name)

	raw := make([]byte, 4*len(weight.Data))
	for i, v := range weight.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b
}

func appendMetadataProp(b []byte, key, value string) []byte {
	var entry []byte
	entry = protowire.AppendTag(entry, entryKey, protowire.BytesType)
	entry = protowire.AppendString(entry, key)
	entry = protowire.AppendTag(entry, entryValue, protowire.BytesType)
	entry = protowire.AppendString(entry, value)
	b = protowire.AppendTag(b, modelMetadataProps, protowire.BytesType)
	return protowire.AppendBytes(b, entry)
}

// ONNXImporter reads checkpoints written by ONNXExporter, or any ONNX model
// whose initializers follow the "<layer>.weight" naming when the architecture
// is supplied separately.
type ONNXImporter struct {
	spec      *layers.ModelSpec
	inference *InferenceMetadata
}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// WithModelSpec supplies the architecture for ONNX files that do not embed
// one, e.g. weights exported by another framework. Such files store Dense
// weights the way Gemm reads them, [out, in]; they are transposed on import
// to the [in, out] layout the model spec declares.
func (oi *ONNXImporter) WithModelSpec(spec *layers.ModelSpec, inference InferenceMetadata) *ONNXImporter {
	oi.spec = spec
	oi.inference = &inference
	return oi
}

// ImportFromONNX reads an ONNX file into a checkpoint.
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	return oi.Unmarshal(data)
}

// Unmarshal decodes ONNX wire-format bytes.
func (oi *ONNXImporter) Unmarshal(data []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	props := make(map[string]string)

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) error {
		switch {
		case num == modelGraph && typ == protowire.BytesType:
			weights, err := oi.decodeGraph(b)
			if err != nil {
				return err
			}
			checkpoint.Weights = append(checkpoint.Weights, weights...)
		case num == modelMetadataProps && typ == protowire.BytesType:
			key, value, err := decodeEntry(b)
			if err != nil {
				return err
			}
			props[key] = value
		case num == modelProducerName && typ == protowire.BytesType:
			checkpoint.Metadata.Framework = string(b)
		case num == modelProducerVer && typ == protowire.BytesType:
			checkpoint.Metadata.Version = string(b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX model: %w", err)
	}

	checkpoint.ModelSpec = oi.spec
	raw, embedded := props[metaModelSpec]
	if embedded {
		var spec layers.ModelSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return nil, fmt.Errorf("failed to decode embedded model spec: %w", err)
		}
		checkpoint.ModelSpec = &spec
	}
	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("ONNX file embeds no model spec and none was supplied")
	}
	if !embedded {
		if err := transposeGemmWeights(checkpoint); err != nil {
			return nil, err
		}
	}

	if oi.inference != nil {
		checkpoint.Inference = *oi.inference
	}
	if raw, ok := props[metaInference]; ok {
		if err := json.Unmarshal([]byte(raw), &checkpoint.Inference); err != nil {
			return nil, fmt.Errorf("failed to decode inference metadata: %w", err)
		}
	}
	checkpoint.Metadata.Description = props[metaDescribe]

	oi.annotateWeights(checkpoint)
	return checkpoint, nil
}

func (oi *ONNXImporter) decodeGraph(data []byte) ([]WeightTensor, error) {
	var weights []WeightTensor
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) error {
		if num != graphInitializer || typ != protowire.BytesType {
			return nil
		}
		weight, err := oi.decodeTensor(b)
		if err != nil {
			return err
		}
		weights = append(weights, weight)
		return nil
	})
	return weights, err
}

func (oi *ONNXImporter) decodeTensor(data []byte) (WeightTensor, error) {
	var weight WeightTensor
	dataType := uint64(onnxFloat)
	var raw []byte

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) error {
		switch num {
		case tensorDims:
			dims, err := decodeVarints(typ, b)
			if err != nil {
				return err
			}
			for _, d := range dims {
				weight.Shape = append(weight.Shape, int(d))
			}
		case tensorDataType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			dataType = v
		case tensorFloatData:
			floats, err := decodeFloats(typ, b)
			if err != nil {
				return err
			}
			weight.Data = append(weight.Data, floats...)
		case tensorName:
			weight.Name = string(b)
		case tensorRawData:
			raw = b
		}
		return nil
	})
	if err != nil {
		return weight, err
	}

	if dataType != onnxFloat {
		return weight, fmt.Errorf("initializer %s: unsupported data type %d", weight.Name, dataType)
	}
	if raw != nil {
		if len(raw)%4 != 0 {
			return weight, fmt.Errorf("initializer %s: raw data length %d is not a multiple of 4", weight.Name, len(raw))
		}
		weight.Data = make([]float32, len(raw)/4)
		for i := range weight.Data {
			weight.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	return weight, nil
}

// transposeGemmWeights rewrites Dense weights stored as [out, in] into the
// [in, out] layout of the model spec. Weights already in [in, out] are left
// alone; a square matrix is ambiguous and is read as [out, in].
func transposeGemmWeights(checkpoint *Checkpoint) error {
	if err := checkpoint.ModelSpec.Recompile(); err != nil {
		return fmt.Errorf("invalid model spec: %w", err)
	}
	index := make(map[string]int, len(checkpoint.Weights))
	for i, w := range checkpoint.Weights {
		index[w.Name] = i
	}

	for _, layer := range checkpoint.ModelSpec.Layers {
		if layer.Type != layers.Dense {
			continue
		}
		i, ok := index[layer.Name+".weight"]
		if !ok {
			continue
		}
		w := &checkpoint.Weights[i]
		in, out := layer.ParameterShapes[0][0], layer.ParameterShapes[0][1]
		if len(w.Shape) != 2 || w.Shape[0] != out || w.Shape[1] != in || len(w.Data) != in*out {
			continue
		}
		data := make([]float32, len(w.Data))
		for o := 0; o < out; o++ {
			for j := 0; j < in; j++ {
				data[j*out+o] = w.Data[o*in+j]
			}
		}
		w.Data = data
		w.Shape = []int{in, out}
	}
	return nil
}

// annotateWeights fills Layer and Type from the "<layer>.<kind>" name.
func (oi *ONNXImporter) annotateWeights(checkpoint *Checkpoint) {
	for i := range checkpoint.Weights {
		w := &checkpoint.Weights[i]
		for j := len(w.Name) - 1; j >= 0; j-- {
			if w.Name[j] == '.' {
				w.Layer, w.Type = w.Name[:j], w.Name[j+1:]
				break
			}
		}
	}
}

// walkFields calls fn for every field in a message. For bytes fields fn gets
// the payload; for varint and fixed fields it gets the encoded value.
func walkFields(data []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var payload []byte
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			payload, n = v, m
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			payload, n = data[:m], m
		}
		if err := fn(num, typ, payload); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func decodeEntry(data []byte) (string, string, error) {
	var key, value string
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) error {
		switch num {
		case entryKey:
			key = string(b)
		case entryValue:
			value = string(b)
		}
		return nil
	})
	return key, value, err
}

// decodeVarints handles both packed and unpacked repeated int64 fields.
func decodeVarints(typ protowire.Type, b []byte) ([]uint64, error) {
	if typ == protowire.VarintType {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		return []uint64{v}, nil
	}
	var out []uint64
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

// decodeFloats handles both packed and unpacked repeated float fields.
func decodeFloats(typ protowire.Type, b []byte) ([]float32, error) {
	if typ == protowire.Fixed32Type {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		return []float32{math.Float32frombits(v)}, nil
	}
	var out []float32
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}
