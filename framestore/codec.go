package framestore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// DType is the element type of a stored array
type DType string

const (
	// Float64 arrays hold IEEE 754 doubles
	Float64 DType = "f64"

	// Int64 arrays hold signed 64 bit integers
	Int64 DType = "i64"
)

// dtypeOf returns the natural dtype and length of data
func dtypeOf(data interface{}) (DType, int, error) {
	switch v := data.(type) {
	case []float64:
		return Float64, len(v), nil
	case []int64:
		return Int64, len(v), nil
	case []int:
		return Int64, len(v), nil
	default:
		return "", 0, fmt.Errorf("%w: unsupported element type %T", ErrShape, data)
	}
}

// encode converts data to dt and packs it little endian
func encode(dt DType, data interface{}) ([]byte, error) {
	var out interface{}
	switch dt {
	case Float64:
		switch v := data.(type) {
		case []float64:
			out = v
		case []int64:
			f := make([]float64, len(v))
			for i, x := range v {
				f[i] = float64(x)
			}
			out = f
		case []int:
			f := make([]float64, len(v))
			for i, x := range v {
				f[i] = float64(x)
			}
			out = f
		}
	case Int64:
		switch v := data.(type) {
		case []int64:
			out = v
		case []int:
			n := make([]int64, len(v))
			for i, x := range v {
				n[i] = int64(x)
			}
			out = n
		case []float64:
			n := make([]int64, len(v))
			for i, x := range v {
				n[i] = int64(math.Round(x))
			}
			out = n
		}
	default:
		return nil, fmt.Errorf("%w: unknown dtype %q", ErrShape, dt)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: unsupported element type %T", ErrShape, data)
	}
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode unpacks a blob of dtype dt as float64s
func decode(dt DType, blob []byte) ([]float64, error) {
	switch dt {
	case Float64:
		out := make([]float64, len(blob)/8)
		err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, out)
		return out, err
	case Int64:
		tmp := make([]int64, len(blob)/8)
		if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, tmp); err != nil {
			return nil, err
		}
		out := make([]float64, len(tmp))
		for i, x := range tmp {
			out[i] = float64(x)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown dtype %q", ErrShape, dt)
	}
}
