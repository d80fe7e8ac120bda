package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Field numbers from onnx.proto. Parameters are stored as graph
// initializers so the file opens in any ONNX tooling.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims     protowire.Number = 1
	tensorDataType protowire.Number = 2
	tensorName     protowire.Number = 8
	tensorRawData  protowire.Number = 9

	onnxIRVersion  = 8
	onnxFloatType  = 1
	timeDocPrefix  = "created_at="
)

func marshalONNX(cp *Checkpoint) ([]byte, error) {
	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, cp.Model)
	for _, w := range cp.Weights {
		t, err := marshalTensor(w)
		if err != nil {
			return nil, err
		}
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, t)
	}

	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxIRVersion)
	b = protowire.AppendTag(b, modelProducerName, protowire.BytesType)
	b = protowire.AppendString(b, cp.Metadata.Framework)
	b = protowire.AppendTag(b, modelProducerVersion, protowire.BytesType)
	b = protowire.AppendString(b, cp.Metadata.Version)
	b = protowire.AppendTag(b, modelDocString, protowire.BytesType)
	b = protowire.AppendString(b, timeDocPrefix+cp.Metadata.CreatedAt.UTC().Format(time.RFC3339Nano))
	b = protowire.AppendTag(b, modelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, graph)
	return b, nil
}

func marshalTensor(w WeightTensor) ([]byte, error) {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	if n != len(w.Data) {
		return nil, fmt.Errorf("tensor %s: shape %v does not match %d values", w.Name, w.Shape, len(w.Data))
	}

	var dims []byte
	for _, d := range w.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	raw := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}

	var b []byte
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxFloatType)
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b, nil
}

// walkFields calls fn for each top-level field of a protobuf message.
// fn receives the raw bytes for length-delimited fields and the decoded
// varint otherwise; unknown fields are skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, bytes []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, v, nil); err != nil {
				return err
			}
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, 0, v); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

func unmarshalONNX(b []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var graph []byte
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, _ uint64, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case modelProducerName:
			cp.Metadata.Framework = string(v)
		case modelProducerVersion:
			cp.Metadata.Version = string(v)
		case modelDocString:
			if len(v) > len(timeDocPrefix) && string(v[:len(timeDocPrefix)]) == timeDocPrefix {
				if ts, err := time.Parse(time.RFC3339Nano, string(v[len(timeDocPrefix):])); err == nil {
					cp.Metadata.CreatedAt = ts
				}
			}
		case modelGraph:
			graph = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, fmt.Errorf("model has no graph")
	}

	err = walkFields(graph, func(num protowire.Number, typ protowire.Type, _ uint64, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case graphName:
			cp.Model = string(v)
		case graphInitializer:
			w, err := unmarshalTensor(v)
			if err != nil {
				return err
			}
			cp.Weights = append(cp.Weights, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func unmarshalTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	var raw []byte
	dataType := uint64(0)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, bytes []byte) error {
		switch num {
		case tensorDims:
			if typ == protowire.VarintType {
				w.Shape = append(w.Shape, int(v))
				return nil
			}
			for len(bytes) > 0 {
				d, n := protowire.ConsumeVarint(bytes)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Shape = append(w.Shape, int(d))
				bytes = bytes[n:]
			}
		case tensorDataType:
			dataType = v
		case tensorName:
			w.Name = string(bytes)
		case tensorRawData:
			raw = bytes
		}
		return nil
	})
	if err != nil {
		return w, err
	}
	if dataType != onnxFloatType {
		return w, fmt.Errorf("tensor %s: unsupported data type %d", w.Name, dataType)
	}
	if len(raw)%4 != 0 {
		return w, fmt.Errorf("tensor %s: raw data length %d is not a multiple of 4", w.Name, len(raw))
	}

	w.Data = make([]float32, len(raw)/4)
	for i := range w.Data {
		w.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	if n != len(w.Data) {
		return w, fmt.Errorf("tensor %s: shape %v does not match %d values", w.Name, w.Shape, len(w.Data))
	}
	if i := lastDot(w.Name); i >= 0 {
		w.Layer, w.Type = w.Name[:i], w.Name[i+1:]
	}
	return w, nil
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

func marshalState(state TrainingState) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"epoch": state.Epoch,
		"lr":    state.LearningRate,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func unmarshalState(b []byte) (TrainingState, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return TrainingState{}, err
	}
	return TrainingState{
		Epoch:        int(s.GetFields()["epoch"].GetNumberValue()),
		LearningRate: s.GetFields()["lr"].GetNumberValue(),
	}, nil
}
