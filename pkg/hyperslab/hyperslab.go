// Package hyperslab implements rectangular selections over n-dimensional
// datasets and the mapping of a selection onto the chunk grid: which chunks
// intersect it, the intersection in dataset coordinates, and the matching
// regions of the chunk buffer and the caller's flat buffer.
package hyperslab

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Slice is a half-open interval [Start, Stop) with a stride.
type Slice struct {
	Start int64
	Stop  int64
	Step  int64
}

// Count returns the number of selected coordinates.
func (s Slice) Count() int64 {
	if s.Stop <= s.Start {
		return 0
	}
	step := s.Step
	if step < 1 {
		step = 1
	}
	return (s.Stop - s.Start + step - 1) / step
}

// SelectAll returns the selection covering the whole shape.
func SelectAll(shape []int64) []Slice {
	sel := make([]Slice, len(shape))
	for i, d := range shape {
		sel[i] = Slice{Start: 0, Stop: d, Step: 1}
	}
	return sel
}

// ParseSelect parses a select expression like "[0:10, 3, :, 2:20:2]" against
// the dataset shape. A bare index n selects the single coordinate n. Bounds
// are validated against shape.
func ParseSelect(expr string, shape []int64) ([]Slice, error) {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "[")
	expr = strings.TrimSuffix(expr, "]")
	fields := strings.Split(expr, ",")
	if len(fields) != len(shape) {
		return nil, fmt.Errorf("selection has %d dimensions, dataset has %d", len(fields), len(shape))
	}
	sel := make([]Slice, len(fields))
	for i, f := range fields {
		s, err := parseDim(strings.TrimSpace(f), shape[i])
		if err != nil {
			return nil, err
		}
		sel[i] = s
	}
	return sel, nil
}

func parseDim(f string, dim int64) (Slice, error) {
	if f == ":" {
		return Slice{Start: 0, Stop: dim, Step: 1}, nil
	}
	parts := strings.Split(f, ":")
	switch len(parts) {
	case 1:
		n, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || n < 0 || n >= dim {
			return Slice{}, fmt.Errorf("invalid index: %q", f)
		}
		return Slice{Start: n, Stop: n + 1, Step: 1}, nil
	case 2, 3:
		s := Slice{Start: 0, Stop: dim, Step: 1}
		var err error
		if parts[0] != "" {
			if s.Start, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
				return Slice{}, fmt.Errorf("invalid slice: %q", f)
			}
		}
		if parts[1] != "" {
			if s.Stop, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
				return Slice{}, fmt.Errorf("invalid slice: %q", f)
			}
		}
		if len(parts) == 3 && parts[2] != "" {
			if s.Step, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
				return Slice{}, fmt.Errorf("invalid slice: %q", f)
			}
		}
		if s.Start < 0 || s.Stop > dim || s.Start > s.Stop || s.Step < 1 {
			return Slice{}, fmt.Errorf("slice out of range: %q", f)
		}
		return s, nil
	default:
		return Slice{}, fmt.Errorf("invalid slice: %q", f)
	}
}

// Shape returns the extent of the selection in each dimension.
func Shape(sel []Slice) []int64 {
	shape := make([]int64, len(sel))
	for i, s := range sel {
		shape[i] = s.Count()
	}
	return shape
}

// NumPoints returns the total number of selected elements.
func NumPoints(sel []Slice) int64 {
	n := int64(1)
	for _, s := range sel {
		n *= s.Count()
	}
	return n
}

// HasStride reports whether any dimension uses a step greater than one.
// Strided selections are not splittable across chunks.
func HasStride(sel []Slice) bool {
	for _, s := range sel {
		if s.Step > 1 {
			return true
		}
	}
	return false
}

// NumChunks returns how many chunks of the given layout the selection
// touches, without materializing the chunk list.
func NumChunks(sel []Slice, layout []int64) (int64, error) {
	if HasStride(sel) {
		return 0, fmt.Errorf("strided selections are not supported")
	}
	n := int64(1)
	for i, s := range sel {
		if s.Stop <= s.Start {
			return 0, nil
		}
		c := layout[i]
		n *= (s.Stop-1)/c - s.Start/c + 1
	}
	return n, nil
}

// ChunkIndices returns the index vector of every chunk the selection touches,
// in row-major order.
func ChunkIndices(sel []Slice, layout []int64) ([][]int64, error) {
	n, err := NumChunks(sel, layout)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([][]int64, 0, n)
	index := make([]int64, len(sel))
	var walk func(dim int)
	walk = func(dim int) {
		if dim == len(sel) {
			out = append(out, append([]int64(nil), index...))
			return
		}
		c := layout[dim]
		first := sel[dim].Start / c
		last := (sel[dim].Stop - 1) / c
		for i := first; i <= last; i++ {
			index[dim] = i
			walk(dim + 1)
		}
	}
	walk(0)
	return out, nil
}

// ChunkSelection returns the intersection of the selection with the chunk at
// index, in dataset coordinates.
func ChunkSelection(index []int64, sel []Slice, layout []int64) []Slice {
	out := make([]Slice, len(sel))
	for i, s := range sel {
		lo := index[i] * layout[i]
		hi := lo + layout[i]
		out[i] = Slice{Start: max64(s.Start, lo), Stop: min64(s.Stop, hi), Step: 1}
	}
	return out
}

// ChunkCoverage returns the chunk-relative region matching ChunkSelection:
// the same interval translated by the chunk origin.
func ChunkCoverage(index []int64, sel []Slice, layout []int64) []Slice {
	cs := ChunkSelection(index, sel, layout)
	for i := range cs {
		off := index[i] * layout[i]
		cs[i].Start -= off
		cs[i].Stop -= off
	}
	return cs
}

// DataCoverage returns the region of the caller's buffer, shaped like the
// whole selection, that corresponds to the chunk at index.
func DataCoverage(index []int64, sel []Slice, layout []int64) []Slice {
	cs := ChunkSelection(index, sel, layout)
	for i := range cs {
		cs[i].Start -= sel[i].Start
		cs[i].Stop -= sel[i].Start
	}
	return cs
}

// ChunkIndexOfPoint returns the chunk index containing a dataset coordinate.
func ChunkIndexOfPoint(point, layout []int64) []int64 {
	index := make([]int64, len(point))
	for i, p := range point {
		index[i] = p / layout[i]
	}
	return index
}

// Chunk sizing targets for GuessLayout.
const (
	chunkBase = 16 * 1024
	chunkMin  = 8 * 1024
	chunkMax  = 1024 * 1024
)

// GuessLayout picks a chunk shape for a new dataset. Extendable dimensions
// (maxdims zero meaning unlimited, or zero-sized initial extents) start at
// 1024 and the shape is halved dimension by dimension until the chunk byte
// size lands near a target scaled from the dataset size.
func GuessLayout(dims, maxdims []int64, itemSize int64) []int64 {
	chunks := make([]int64, len(dims))
	for i, d := range dims {
		chunks[i] = d
		unlimited := len(maxdims) == len(dims) && maxdims[i] == 0
		if d == 0 || unlimited {
			chunks[i] = 1024
		}
		if chunks[i] < 1 {
			chunks[i] = 1
		}
	}

	dsetBytes := itemSize
	for _, c := range chunks {
		dsetBytes *= c
	}
	target := float64(chunkBase) * math.Pow(2, math.Log10(float64(dsetBytes)/(1024*1024)))
	if target > chunkMax {
		target = chunkMax
	}
	if target < chunkMin {
		target = chunkMin
	}

	for idx := 0; ; idx++ {
		var bytes, points int64 = itemSize, 1
		for _, c := range chunks {
			bytes *= c
			points *= c
		}
		if points == 1 {
			break
		}
		if float64(bytes) < chunkMax &&
			(float64(bytes) < target || math.Abs(float64(bytes)-target)/target < 0.5) {
			break
		}
		i := idx % len(chunks)
		chunks[i] = (chunks[i] + 1) / 2
	}
	return chunks
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
