package array

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/strata/pkg/types"
)

func TestEncodeJSONIntegers(t *testing.T) {
	dt := &types.DataType{Class: types.TypeClassInteger, Base: "H5T_STD_I16LE"}

	data, err := EncodeJSON(dt, json.RawMessage("[[1, -2], [3, 4]]"), []int64{2, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0xfe, 0xff, 3, 0, 4, 0}, data)

	back, err := DecodeJSON(dt, data, []int64{2, 2})
	require.NoError(t, err)
	assert.JSONEq(t, "[[1, -2], [3, 4]]", string(back))
}

func TestEncodeJSONBigEndian(t *testing.T) {
	dt := &types.DataType{Class: types.TypeClassInteger, Base: "H5T_STD_U32BE"}

	data, err := EncodeJSON(dt, json.RawMessage("[258]"), []int64{1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 1, 2}, data)
}

func TestEncodeJSONFloats(t *testing.T) {
	dt := &types.DataType{Class: types.TypeClassFloat, Base: "H5T_IEEE_F64LE"}

	data, err := EncodeJSON(dt, json.RawMessage("[0.5, -1.25]"), []int64{2})
	require.NoError(t, err)
	back, err := DecodeJSON(dt, data, []int64{2})
	require.NoError(t, err)
	assert.JSONEq(t, "[0.5, -1.25]", string(back))
}

func TestEncodeJSONFixedString(t *testing.T) {
	dt := &types.DataType{Class: types.TypeClassString, Length: 6}

	data, err := EncodeJSON(dt, json.RawMessage(`["hi", "world!"]`), []int64{2})
	require.NoError(t, err)
	assert.Equal(t, []byte("hi\x00\x00\x00\x00world!"), data)

	back, err := DecodeJSON(dt, data, []int64{2})
	require.NoError(t, err)
	assert.JSONEq(t, `["hi", "world!"]`, string(back))
}

func TestEncodeJSONCompound(t *testing.T) {
	dt := &types.DataType{
		Class: types.TypeClassCompound,
		Fields: []types.Field{
			{Name: "id", Type: types.DataType{Class: types.TypeClassInteger, Base: "H5T_STD_I32LE"}},
			{Name: "name", Type: types.DataType{Class: types.TypeClassString, Length: 4}},
		},
	}
	require.Equal(t, int64(8), dt.ItemSize())

	data, err := EncodeJSON(dt, json.RawMessage(`[[7, "ab"]]`), []int64{1})
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 0, 0, 0, 'a', 'b', 0, 0}, data)

	back, err := DecodeJSON(dt, data, []int64{1})
	require.NoError(t, err)
	assert.JSONEq(t, `[[7, "ab"]]`, string(back))
}

func TestEncodeJSONScalar(t *testing.T) {
	data, err := EncodeJSON(i32(), json.RawMessage("9"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 0, 0, 0}, data)
}

func TestEncodeJSONErrors(t *testing.T) {
	// shape mismatch
	_, err := EncodeJSON(i32(), json.RawMessage("[1, 2, 3]"), []int64{2})
	assert.Error(t, err)

	// type mismatch
	_, err = EncodeJSON(i32(), json.RawMessage(`["x"]`), []int64{1})
	assert.Error(t, err)

	// variable length types have no fixed binary form
	vlen := &types.DataType{Class: types.TypeClassString, Variable: true}
	_, err = EncodeJSON(vlen, json.RawMessage(`["x"]`), []int64{1})
	assert.Error(t, err)
}

func TestDataTypeJSONRoundTrip(t *testing.T) {
	in := []byte(`{"class": "H5T_COMPOUND", "fields": [
		{"name": "pos", "type": {"class": "H5T_ARRAY", "base": {"class": "H5T_FLOAT", "base": "H5T_IEEE_F32LE"}, "dims": [3]}},
		{"name": "tag", "type": {"class": "H5T_STRING", "length": "H5T_VARIABLE", "charSet": "H5T_CSET_UTF8"}}
	]}`)
	var dt types.DataType
	require.NoError(t, json.Unmarshal(in, &dt))
	assert.Equal(t, types.TypeClassCompound, dt.Class)
	require.Len(t, dt.Fields, 2)
	assert.Equal(t, []int64{3}, dt.Fields[0].Type.Dims)
	assert.True(t, dt.Fields[1].Type.Variable)
	assert.Equal(t, int64(types.VariableSize), dt.ItemSize())

	out, err := json.Marshal(&dt)
	require.NoError(t, err)
	var again types.DataType
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Equal(t, dt, again)
}
