package array

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/strata/pkg/hyperslab"
	"github.com/stratumhq/strata/pkg/types"
)

func i32() *types.DataType {
	return &types.DataType{Class: types.TypeClassInteger, Base: "H5T_STD_I32LE"}
}

func TestNewFilled(t *testing.T) {
	fill, err := FillElement(i32(), json.RawMessage("42"))
	require.NoError(t, err)
	require.Equal(t, []byte{42, 0, 0, 0}, fill)

	a, err := NewFilled(4, []int64{2, 3}, fill)
	require.NoError(t, err)
	assert.Equal(t, int64(6), a.NumElements())

	v, err := a.Element([]int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, fill, v)

	// nil fill means zeros
	z, err := NewFilled(4, []int64{2}, nil)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), z.Data)
}

func TestElementBounds(t *testing.T) {
	a, err := New(1, []int64{4, 4})
	require.NoError(t, err)

	require.NoError(t, a.SetElement([]int64{3, 3}, []byte{7}))
	v, err := a.Element([]int64{3, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, v)

	_, err = a.Element([]int64{4, 0})
	assert.Error(t, err)
	_, err = a.Element([]int64{0})
	assert.Error(t, err)
	assert.Error(t, a.SetElement([]int64{0, 0}, []byte{1, 2}))
}

func TestCopySlab(t *testing.T) {
	// write a 2x2 block into the middle of a 4x4 array, then read it back
	dst, err := New(1, []int64{4, 4})
	require.NoError(t, err)
	src, err := FromBytes(1, []int64{2, 2}, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	dstSel := []hyperslab.Slice{{Start: 1, Stop: 3, Step: 1}, {Start: 1, Stop: 3, Step: 1}}
	srcSel := hyperslab.SelectAll(src.Dims)
	require.NoError(t, CopySlab(dst, dstSel, src, srcSel))

	assert.Equal(t, []byte{
		0, 0, 0, 0,
		0, 1, 2, 0,
		0, 3, 4, 0,
		0, 0, 0, 0,
	}, dst.Data)

	out, err := New(1, []int64{2, 2})
	require.NoError(t, err)
	require.NoError(t, CopySlab(out, srcSel, dst, dstSel))
	assert.Equal(t, src.Data, out.Data)
}

func TestCopySlabShapeMismatch(t *testing.T) {
	a, _ := New(1, []int64{4})
	b, _ := New(1, []int64{4})
	err := CopySlab(a,
		[]hyperslab.Slice{{Start: 0, Stop: 3, Step: 1}},
		b,
		[]hyperslab.Slice{{Start: 0, Stop: 2, Step: 1}})
	assert.Error(t, err)
}

func TestDeflateRoundTrip(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 7)
	}
	packed, err := Deflate(data, 5)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(data))

	back, err := Inflate(packed, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, back)

	_, err = Inflate(packed, 100)
	assert.Error(t, err)
}
