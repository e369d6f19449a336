package grpcapi

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// codecName is the content-subtype on the wire: application/grpc+proto.
const codecName = "proto"

// wireMessage is implemented by the message structs in messages.go. They
// encode themselves in the protobuf binary format described by
// api/proto/stdb/v1/query_engine.proto.
type wireMessage interface {
	appendWire(b []byte) []byte
	unmarshalWire(b []byte) error
}

// wireCodec encodes wireMessage values with protowire and hands generated
// proto.Message values (health checks, reflection) to proto.Marshal.
type wireCodec struct{}

var _ encoding.Codec = wireCodec{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case wireMessage:
		return m.appendWire(nil), nil
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("grpcapi: cannot marshal %T", v)
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case wireMessage:
		if err := m.unmarshalWire(data); err != nil {
			return fmt.Errorf("grpcapi: unmarshal %T: %w", v, err)
		}
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("grpcapi: cannot unmarshal into %T", v)
}

func (wireCodec) Name() string { return codecName }

// ServerCodec makes a grpc.Server use the wire codec for every service.
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(wireCodec{})
}

// Encoding. Zero scalars are omitted as proto3 does.

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if math.Float64bits(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendMessage(b []byte, num protowire.Number, m wireMessage) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendWire(nil))
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	ts, err := proto.Marshal(timestamppb.New(t))
	if err != nil {
		// A Timestamp holds two scalars; marshaling it cannot fail.
		panic(err)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, ts)
}

func appendRepeatedBytes(b []byte, num protowire.Number, vs [][]byte) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	return b
}

func appendPackedInt64(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedDouble(b []byte, num protowire.Number, vs []float64) []byte {
	if len(vs) == 0 {
		return b
	}
	packed := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// Decoding.

// field is one decoded tag and its raw value.
type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
}

// walk calls fn for every field in b. Fields fn does not know are skipped
// by returning nil.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		if err := fn(field{num: num, typ: typ, raw: b[:m]}); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func (f field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("field %d: wire type %d, want %d", f.num, f.typ, typ)
	}
	return nil
}

func (f field) bytes() ([]byte, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return nil, err
	}
	v, n := protowire.ConsumeBytes(f.raw)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return append([]byte(nil), v...), nil
}

func (f field) string() (string, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return "", err
	}
	v, n := protowire.ConsumeString(f.raw)
	if n < 0 {
		return "", protowire.ParseError(n)
	}
	return v, nil
}

func (f field) int64() (int64, error) {
	if err := f.expect(protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(f.raw)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return int64(v), nil
}

func (f field) int() (int, error) {
	v, err := f.int64()
	return int(v), err
}

func (f field) bool() (bool, error) {
	v, err := f.int64()
	return v != 0, err
}

func (f field) double() (float64, error) {
	if err := f.expect(protowire.Fixed64Type); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeFixed64(f.raw)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), nil
}

func (f field) message(m wireMessage) error {
	b, err := f.bytes()
	if err != nil {
		return err
	}
	return m.unmarshalWire(b)
}

func (f field) time() (time.Time, error) {
	b, err := f.bytes()
	if err != nil {
		return time.Time{}, err
	}
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(b, &ts); err != nil {
		return time.Time{}, err
	}
	if err := ts.CheckValid(); err != nil {
		return time.Time{}, err
	}
	return ts.AsTime(), nil
}

// appendInt64s accepts both packed and unpacked encodings.
func (f field) appendInt64s(dst []int64) ([]int64, error) {
	if f.typ == protowire.VarintType {
		v, err := f.int64()
		return append(dst, v), err
	}
	packed, err := f.bytes()
	if err != nil {
		return dst, err
	}
	for len(packed) > 0 {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return dst, protowire.ParseError(n)
		}
		dst = append(dst, int64(v))
		packed = packed[n:]
	}
	return dst, nil
}

// appendDoubles accepts both packed and unpacked encodings.
func (f field) appendDoubles(dst []float64) ([]float64, error) {
	if f.typ == protowire.Fixed64Type {
		v, err := f.double()
		return append(dst, v), err
	}
	packed, err := f.bytes()
	if err != nil {
		return dst, err
	}
	for len(packed) > 0 {
		v, n := protowire.ConsumeFixed64(packed)
		if n < 0 {
			return dst, protowire.ParseError(n)
		}
		dst = append(dst, math.Float64frombits(v))
		packed = packed[n:]
	}
	return dst, nil
}
