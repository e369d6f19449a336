package oracle

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
)

// Wire layout, protobuf compatible:
//
//	message Batch     { repeated bytes  ciphertexts = 1; }
//	message Cleartext { repeated double values = 1 [packed = true]; }
const fieldValues protowire.Number = 1

// EncodeBatch serializes an ordered ciphertext batch.
func EncodeBatch(batch []fhe.Ciphertext) []byte {
	var b []byte
	for _, ct := range batch {
		b = protowire.AppendTag(b, fieldValues, protowire.BytesType)
		b = protowire.AppendBytes(b, ct)
	}
	return b
}

// DecodeBatch parses a batch produced by EncodeBatch.
func DecodeBatch(b []byte) ([]fhe.Ciphertext, error) {
	var out []fhe.Ciphertext
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldValues || typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: unexpected field %d/%d", ErrMalformed, num, typ)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		out = append(out, fhe.Ciphertext(v).Clone())
		b = b[n:]
	}
	return out, nil
}

// EncodeCleartext serializes revealed values as a packed double field.
func EncodeCleartext(values []float64) []byte {
	if len(values) == 0 {
		return nil
	}
	packed := make([]byte, 0, 8*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b := protowire.AppendTag(nil, fieldValues, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// DecodeCleartext parses a cleartext and checks it carries exactly want values.
func DecodeCleartext(b []byte, want int) ([]float64, error) {
	values := make([]float64, 0, want)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldValues && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			for len(packed) > 0 {
				bits, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
				}
				values = append(values, math.Float64frombits(bits))
				packed = packed[m:]
			}
		case num == fieldValues && typ == protowire.Fixed64Type:
			// Unpacked encoding is also valid protobuf.
			bits, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			values = append(values, math.Float64frombits(bits))
			b = b[n:]
		default:
			return nil, fmt.Errorf("%w: unexpected field %d/%d", ErrMalformed, num, typ)
		}
	}
	if len(values) != want {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrMalformed, len(values), want)
	}
	return values, nil
}
