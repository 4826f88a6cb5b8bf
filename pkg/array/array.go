// Package array provides fixed-width n-dimensional arrays over flat byte
// buffers, slab copies between them, the JSON/binary element codec, and the
// deflate filter used for chunk compression.
package array

import (
	"fmt"

	"github.com/stratumhq/strata/pkg/hyperslab"
)

// Array is an n-dimensional array of fixed-width elements stored row-major
// in a flat buffer.
type Array struct {
	ItemSize int64
	Dims     []int64
	Data     []byte
}

// New returns a zero-filled array.
func New(itemSize int64, dims []int64) (*Array, error) {
	if itemSize <= 0 {
		return nil, fmt.Errorf("invalid item size: %d", itemSize)
	}
	n := itemSize
	for _, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("invalid dimension: %d", d)
		}
		n *= d
	}
	return &Array{ItemSize: itemSize, Dims: dims, Data: make([]byte, n)}, nil
}

// NewFilled returns an array with every element set to fill. A nil fill
// yields zeros.
func NewFilled(itemSize int64, dims []int64, fill []byte) (*Array, error) {
	a, err := New(itemSize, dims)
	if err != nil {
		return nil, err
	}
	if fill == nil {
		return a, nil
	}
	if int64(len(fill)) != itemSize {
		return nil, fmt.Errorf("fill value is %d bytes, item size is %d", len(fill), itemSize)
	}
	for off := int64(0); off < int64(len(a.Data)); off += itemSize {
		copy(a.Data[off:off+itemSize], fill)
	}
	return a, nil
}

// FromBytes wraps an existing buffer. The buffer length must match the
// shape exactly.
func FromBytes(itemSize int64, dims []int64, data []byte) (*Array, error) {
	n := itemSize
	for _, d := range dims {
		n *= d
	}
	if int64(len(data)) != n {
		return nil, fmt.Errorf("buffer is %d bytes, shape needs %d", len(data), n)
	}
	return &Array{ItemSize: itemSize, Dims: dims, Data: data}, nil
}

// NumElements returns the element count.
func (a *Array) NumElements() int64 {
	n := int64(1)
	for _, d := range a.Dims {
		n *= d
	}
	return n
}

func (a *Array) offsetOf(coord []int64) (int64, error) {
	if len(coord) != len(a.Dims) {
		return 0, fmt.Errorf("coordinate rank %d, array rank %d", len(coord), len(a.Dims))
	}
	off := int64(0)
	for i, c := range coord {
		if c < 0 || c >= a.Dims[i] {
			return 0, fmt.Errorf("coordinate out of range: %v", coord)
		}
		off = off*a.Dims[i] + c
	}
	return off * a.ItemSize, nil
}

// Element returns the bytes of the element at coord.
func (a *Array) Element(coord []int64) ([]byte, error) {
	off, err := a.offsetOf(coord)
	if err != nil {
		return nil, err
	}
	return a.Data[off : off+a.ItemSize], nil
}

// SetElement overwrites the element at coord.
func (a *Array) SetElement(coord []int64, val []byte) error {
	off, err := a.offsetOf(coord)
	if err != nil {
		return err
	}
	if int64(len(val)) != a.ItemSize {
		return fmt.Errorf("element is %d bytes, item size is %d", len(val), a.ItemSize)
	}
	copy(a.Data[off:off+a.ItemSize], val)
	return nil
}

// CopySlab copies the region srcSel of src onto the region dstSel of dst.
// The two selections must have the same shape and unit stride. Rows along
// the innermost dimension are copied contiguously.
func CopySlab(dst *Array, dstSel []hyperslab.Slice, src *Array, srcSel []hyperslab.Slice) error {
	if dst.ItemSize != src.ItemSize {
		return fmt.Errorf("item size mismatch: %d vs %d", dst.ItemSize, src.ItemSize)
	}
	if hyperslab.HasStride(dstSel) || hyperslab.HasStride(srcSel) {
		return fmt.Errorf("strided selections are not supported")
	}
	dshape := hyperslab.Shape(dstSel)
	sshape := hyperslab.Shape(srcSel)
	if len(dshape) != len(sshape) {
		return fmt.Errorf("selection rank mismatch")
	}
	for i := range dshape {
		if dshape[i] != sshape[i] {
			return fmt.Errorf("selection shape mismatch: %v vs %v", dshape, sshape)
		}
		if dstSel[i].Stop > dst.Dims[i] || srcSel[i].Stop > src.Dims[i] {
			return fmt.Errorf("selection out of bounds")
		}
	}
	if hyperslab.NumPoints(dstSel) == 0 {
		return nil
	}

	rank := len(dshape)
	if rank == 0 {
		copy(dst.Data[:dst.ItemSize], src.Data[:src.ItemSize])
		return nil
	}
	dcoord := make([]int64, rank)
	scoord := make([]int64, rank)
	for i := range dcoord {
		dcoord[i] = dstSel[i].Start
		scoord[i] = srcSel[i].Start
	}
	rowBytes := dshape[rank-1] * dst.ItemSize
	for {
		doff, err := dst.offsetOf(dcoord)
		if err != nil {
			return err
		}
		soff, err := src.offsetOf(scoord)
		if err != nil {
			return err
		}
		copy(dst.Data[doff:doff+rowBytes], src.Data[soff:soff+rowBytes])

		// advance to the next row, carrying from the second innermost dim up
		dim := rank - 2
		for dim >= 0 {
			dcoord[dim]++
			scoord[dim]++
			if dcoord[dim] < dstSel[dim].Stop {
				break
			}
			dcoord[dim] = dstSel[dim].Start
			scoord[dim] = srcSel[dim].Start
			dim--
		}
		if dim < 0 {
			return nil
		}
	}
}
