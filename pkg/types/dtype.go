package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Type classes understood by the DataType variant.
const (
	TypeClassInteger   = "H5T_INTEGER"
	TypeClassFloat     = "H5T_FLOAT"
	TypeClassString    = "H5T_STRING"
	TypeClassCompound  = "H5T_COMPOUND"
	TypeClassVlen      = "H5T_VLEN"
	TypeClassArray     = "H5T_ARRAY"
	TypeClassCommitted = "H5T_COMMITTED"
)

// VariableSize is returned by ItemSize for variable-length types.
const VariableSize = -1

// DataType is the tagged variant carried by every dataset descriptor:
// atomic integer/float, fixed or variable string, compound, vlen, array,
// or a reference to a committed type. The JSON form follows the HDF5 JSON
// schema; the service itself only depends on the element byte-width.
type DataType struct {
	Class string `json:"class"`

	// Atomic: named base type, e.g. H5T_STD_I32LE, H5T_IEEE_F64LE.
	Base string `json:"-"`

	// Vlen and array element type.
	Elem *DataType `json:"-"`

	// Array dimensions.
	Dims []int64 `json:"dims,omitempty"`

	// Compound members, in declaration order.
	Fields []Field `json:"fields,omitempty"`

	// String properties. Length 0 with Variable true is a varstring.
	Length   int64  `json:"-"`
	Variable bool   `json:"-"`
	CharSet  string `json:"charSet,omitempty"`
	StrPad   string `json:"strPad,omitempty"`

	// Committed type id (t-<uuid>).
	Committed string `json:"id,omitempty"`
}

// Field is one member of a compound type.
type Field struct {
	Name string   `json:"name"`
	Type DataType `json:"type"`
}

// ItemSize returns the element width in bytes, or VariableSize for
// variable-length types. Committed types report VariableSize until resolved
// against the owning datatype object.
func (t *DataType) ItemSize() int64 {
	switch t.Class {
	case TypeClassInteger, TypeClassFloat:
		return baseSize(t.Base)
	case TypeClassString:
		if t.Variable {
			return VariableSize
		}
		return t.Length
	case TypeClassCompound:
		var total int64
		for i := range t.Fields {
			n := t.Fields[i].Type.ItemSize()
			if n == VariableSize {
				return VariableSize
			}
			total += n
		}
		return total
	case TypeClassArray:
		if t.Elem == nil {
			return VariableSize
		}
		n := t.Elem.ItemSize()
		if n == VariableSize {
			return VariableSize
		}
		for _, d := range t.Dims {
			n *= d
		}
		return n
	default:
		return VariableSize
	}
}

// baseSize parses the width out of a named base type such as H5T_STD_I32LE
// or H5T_IEEE_F64BE.
func baseSize(base string) int64 {
	i := strings.LastIndexAny(base, "IUF")
	if i < 0 || i+1 >= len(base) {
		return VariableSize
	}
	j := i + 1
	for j < len(base) && base[j] >= '0' && base[j] <= '9' {
		j++
	}
	bits, err := strconv.Atoi(base[i+1 : j])
	if err != nil || bits%8 != 0 {
		return VariableSize
	}
	return int64(bits / 8)
}

// dataTypeJSON is the wire form; base and length need raw handling because
// the HDF5 JSON schema overloads them (string vs object, int vs
// "H5T_VARIABLE").
type dataTypeJSON struct {
	Class   string          `json:"class"`
	Base    json.RawMessage `json:"base,omitempty"`
	Dims    []int64         `json:"dims,omitempty"`
	Fields  []Field         `json:"fields,omitempty"`
	Length  json.RawMessage `json:"length,omitempty"`
	CharSet string          `json:"charSet,omitempty"`
	StrPad  string          `json:"strPad,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// UnmarshalJSON accepts either a full descriptor object or a bare committed
// type id string.
func (t *DataType) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*t = DataType{Class: TypeClassCommitted, Committed: id}
		return nil
	}

	var w dataTypeJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = DataType{
		Class:     w.Class,
		Dims:      w.Dims,
		Fields:    w.Fields,
		CharSet:   w.CharSet,
		StrPad:    w.StrPad,
		Committed: w.ID,
	}
	if len(w.Base) > 0 {
		if w.Base[0] == '"' {
			if err := json.Unmarshal(w.Base, &t.Base); err != nil {
				return err
			}
		} else {
			t.Elem = &DataType{}
			if err := json.Unmarshal(w.Base, t.Elem); err != nil {
				return err
			}
		}
	}
	if len(w.Length) > 0 {
		if w.Length[0] == '"' {
			var s string
			if err := json.Unmarshal(w.Length, &s); err != nil {
				return err
			}
			if s != "H5T_VARIABLE" {
				return fmt.Errorf("unexpected string length: %s", s)
			}
			t.Variable = true
		} else if err := json.Unmarshal(w.Length, &t.Length); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON emits the HDF5 JSON descriptor form.
func (t DataType) MarshalJSON() ([]byte, error) {
	w := dataTypeJSON{
		Class:   t.Class,
		Dims:    t.Dims,
		Fields:  t.Fields,
		CharSet: t.CharSet,
		StrPad:  t.StrPad,
		ID:      t.Committed,
	}
	if t.Elem != nil {
		b, err := json.Marshal(t.Elem)
		if err != nil {
			return nil, err
		}
		w.Base = b
	} else if t.Base != "" {
		b, err := json.Marshal(t.Base)
		if err != nil {
			return nil, err
		}
		w.Base = b
	}
	if t.Class == TypeClassString {
		if t.Variable {
			w.Length = json.RawMessage(`"H5T_VARIABLE"`)
		} else {
			w.Length = json.RawMessage(strconv.FormatInt(t.Length, 10))
		}
	}
	return json.Marshal(w)
}
