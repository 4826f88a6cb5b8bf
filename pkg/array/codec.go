package array

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/stratumhq/strata/pkg/types"
)

// EncodeJSON converts a JSON value body into the packed binary form for a
// selection of the given shape. The value must be nested lists matching dims
// exactly; a scalar selection (empty dims) takes a bare element.
func EncodeJSON(dt *types.DataType, raw json.RawMessage, dims []int64) ([]byte, error) {
	itemSize := dt.ItemSize()
	if itemSize == types.VariableSize {
		return nil, fmt.Errorf("variable length types are not supported in binary transfer")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to parse value: %w", err)
	}
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	out := make([]byte, n*itemSize)
	off := int64(0)
	if err := encodeNested(dt, v, dims, out, &off, itemSize); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeNested(dt *types.DataType, v any, dims []int64, out []byte, off *int64, itemSize int64) error {
	if len(dims) == 0 {
		if err := EncodeElement(dt, v, out[*off:*off+itemSize]); err != nil {
			return err
		}
		*off += itemSize
		return nil
	}
	list, ok := v.([]any)
	if !ok || int64(len(list)) != dims[0] {
		return fmt.Errorf("value does not match selection shape")
	}
	for _, item := range list {
		if err := encodeNested(dt, item, dims[1:], out, off, itemSize); err != nil {
			return err
		}
	}
	return nil
}

// DecodeJSON converts packed binary data for a selection of the given shape
// back into a JSON value body.
func DecodeJSON(dt *types.DataType, data []byte, dims []int64) (json.RawMessage, error) {
	itemSize := dt.ItemSize()
	if itemSize == types.VariableSize {
		return nil, fmt.Errorf("variable length types are not supported in binary transfer")
	}
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	if int64(len(data)) != n*itemSize {
		return nil, fmt.Errorf("data is %d bytes, selection needs %d", len(data), n*itemSize)
	}
	off := int64(0)
	v, err := decodeNested(dt, dims, data, &off, itemSize)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func decodeNested(dt *types.DataType, dims []int64, data []byte, off *int64, itemSize int64) (any, error) {
	if len(dims) == 0 {
		v, err := DecodeElement(dt, data[*off:*off+itemSize])
		if err != nil {
			return nil, err
		}
		*off += itemSize
		return v, nil
	}
	list := make([]any, dims[0])
	for i := range list {
		v, err := decodeNested(dt, dims[1:], data, off, itemSize)
		if err != nil {
			return nil, err
		}
		list[i] = v
	}
	return list, nil
}

// FillElement encodes a dataset's fill value into one packed element. A nil
// or empty fill resolves to nil, meaning all zero bytes.
func FillElement(dt *types.DataType, raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return EncodeJSON(dt, raw, nil)
}

// EncodeElement packs one JSON-decoded value into dst, which must be exactly
// ItemSize bytes.
func EncodeElement(dt *types.DataType, v any, dst []byte) error {
	switch dt.Class {
	case types.TypeClassInteger:
		return encodeInt(dt, v, dst)
	case types.TypeClassFloat:
		return encodeFloat(dt, v, dst)
	case types.TypeClassString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if len(s) > len(dst) {
			s = s[:len(dst)]
		}
		copy(dst, s)
		for i := len(s); i < len(dst); i++ {
			dst[i] = 0
		}
		return nil
	case types.TypeClassCompound:
		list, ok := v.([]any)
		if !ok || len(list) != len(dt.Fields) {
			return fmt.Errorf("compound value needs %d members", len(dt.Fields))
		}
		off := int64(0)
		for i := range dt.Fields {
			ft := &dt.Fields[i].Type
			n := ft.ItemSize()
			if err := EncodeElement(ft, list[i], dst[off:off+n]); err != nil {
				return err
			}
			off += n
		}
		return nil
	case types.TypeClassArray:
		if dt.Elem == nil {
			return fmt.Errorf("array type has no element type")
		}
		n := dt.Elem.ItemSize()
		off := int64(0)
		return encodeNested(dt.Elem, v, dt.Dims, dst, &off, n)
	default:
		return fmt.Errorf("unsupported type class: %s", dt.Class)
	}
}

// DecodeElement unpacks one element into its JSON-ready value.
func DecodeElement(dt *types.DataType, src []byte) (any, error) {
	switch dt.Class {
	case types.TypeClassInteger:
		return decodeInt(dt, src)
	case types.TypeClassFloat:
		return decodeFloat(dt, src)
	case types.TypeClassString:
		return strings.TrimRight(string(src), "\x00"), nil
	case types.TypeClassCompound:
		list := make([]any, len(dt.Fields))
		off := int64(0)
		for i := range dt.Fields {
			ft := &dt.Fields[i].Type
			n := ft.ItemSize()
			v, err := DecodeElement(ft, src[off:off+n])
			if err != nil {
				return nil, err
			}
			list[i] = v
			off += n
		}
		return list, nil
	case types.TypeClassArray:
		if dt.Elem == nil {
			return nil, fmt.Errorf("array type has no element type")
		}
		n := dt.Elem.ItemSize()
		off := int64(0)
		return decodeNested(dt.Elem, dt.Dims, src, &off, n)
	default:
		return nil, fmt.Errorf("unsupported type class: %s", dt.Class)
	}
}

func order(base string) binary.ByteOrder {
	if strings.HasSuffix(base, "BE") {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func signed(base string) bool {
	return !strings.Contains(base, "U")
}

func asNumber(v any) (json.Number, error) {
	switch n := v.(type) {
	case json.Number:
		return n, nil
	case float64:
		return json.Number(strconv.FormatFloat(n, 'g', -1, 64)), nil
	default:
		return "", fmt.Errorf("expected number, got %T", v)
	}
}

func encodeInt(dt *types.DataType, v any, dst []byte) error {
	num, err := asNumber(v)
	if err != nil {
		return err
	}
	var bits uint64
	if signed(dt.Base) {
		n, err := num.Int64()
		if err != nil {
			return fmt.Errorf("invalid integer: %s", num)
		}
		bits = uint64(n)
	} else {
		n, err := strconv.ParseUint(num.String(), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %s", num)
		}
		bits = n
	}
	putUint(order(dt.Base), dst, bits)
	return nil
}

func decodeInt(dt *types.DataType, src []byte) (any, error) {
	bits := getUint(order(dt.Base), src)
	if signed(dt.Base) {
		shift := 64 - uint(len(src))*8
		n := int64(bits<<shift) >> shift
		return json.Number(strconv.FormatInt(n, 10)), nil
	}
	return json.Number(strconv.FormatUint(bits, 10)), nil
}

func encodeFloat(dt *types.DataType, v any, dst []byte) error {
	num, err := asNumber(v)
	if err != nil {
		return err
	}
	f, err := num.Float64()
	if err != nil {
		return fmt.Errorf("invalid float: %s", num)
	}
	switch len(dst) {
	case 4:
		putUint(order(dt.Base), dst, uint64(math.Float32bits(float32(f))))
	case 8:
		putUint(order(dt.Base), dst, math.Float64bits(f))
	default:
		return fmt.Errorf("unsupported float width: %d", len(dst))
	}
	return nil
}

func decodeFloat(dt *types.DataType, src []byte) (any, error) {
	bits := getUint(order(dt.Base), src)
	switch len(src) {
	case 4:
		f := float64(math.Float32frombits(uint32(bits)))
		return json.Number(strconv.FormatFloat(f, 'g', -1, 32)), nil
	case 8:
		f := math.Float64frombits(bits)
		return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
	default:
		return nil, fmt.Errorf("unsupported float width: %d", len(src))
	}
}

func putUint(bo binary.ByteOrder, dst []byte, v uint64) {
	switch len(dst) {
	case 1:
		dst[0] = byte(v)
	case 2:
		bo.PutUint16(dst, uint16(v))
	case 4:
		bo.PutUint32(dst, uint32(v))
	default:
		bo.PutUint64(dst, v)
	}
}

func getUint(bo binary.ByteOrder, src []byte) uint64 {
	switch len(src) {
	case 1:
		return uint64(src[0])
	case 2:
		return uint64(bo.Uint16(src))
	case 4:
		return uint64(bo.Uint32(src))
	default:
		return bo.Uint64(src)
	}
}
