package datanode

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/stratumhq/strata/pkg/array"
	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/config"
	"github.com/stratumhq/strata/pkg/hyperslab"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/objstore"
	"github.com/stratumhq/strata/pkg/query"
	"github.com/stratumhq/strata/pkg/types"
)

// dsetDescriptor is the dataset summary the service node attaches to every
// chunk request as the dset query parameter, so chunk I/O never needs a
// cross-shard metadata fetch.
type dsetDescriptor struct {
	Type               types.DataType           `json:"type"`
	Layout             types.Layout             `json:"layout"`
	CreationProperties types.CreationProperties `json:"creationProperties,omitempty"`
}

func (d *dsetDescriptor) deflateLevel() int {
	for _, f := range d.CreationProperties.Filters {
		if f.Class == types.FilterClassDeflate {
			return f.Level
		}
	}
	return -1
}

// chunkRequest is the validated context shared by the chunk handlers.
type chunkRequest struct {
	chunkID string
	dsetID  string
	index   []int64
	desc    dsetDescriptor
	itemSz  int64
}

func (dn *DataNode) parseChunkRequest(r *http.Request, ps httprouter.Params) (*chunkRequest, error) {
	chunkID := ps.ByName("id")
	if err := ident.Validate(chunkID); err != nil || !ident.IsChunkID(chunkID) {
		return nil, cluster.Errorf(http.StatusBadRequest, "invalid chunk id: %s", chunkID)
	}
	if err := dn.checkOwnership(chunkID); err != nil {
		return nil, err
	}

	raw := r.URL.Query().Get("dset")
	if raw == "" {
		return nil, cluster.Errorf(http.StatusBadRequest, "missing dset parameter")
	}
	var desc dsetDescriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return nil, cluster.Errorf(http.StatusBadRequest, "invalid dset parameter: %v", err)
	}
	itemSz := desc.Type.ItemSize()
	if itemSz <= 0 {
		return nil, cluster.Errorf(http.StatusBadRequest, "dataset type has no fixed element size")
	}
	if len(desc.Layout.Dims) == 0 {
		return nil, cluster.Errorf(http.StatusBadRequest, "dataset layout missing")
	}

	index, err := ident.ChunkIndex(chunkID)
	if err != nil {
		return nil, cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	if len(index) != len(desc.Layout.Dims) {
		return nil, cluster.Errorf(http.StatusBadRequest, "chunk rank %d does not match layout rank %d",
			len(index), len(desc.Layout.Dims))
	}
	dsetID, _ := ident.DatasetID(chunkID)

	dn.mu.Lock()
	if level := desc.deflateLevel(); level >= 0 {
		dn.deflateMap[dsetID] = level
	}
	dn.mu.Unlock()

	return &chunkRequest{
		chunkID: chunkID,
		dsetID:  dsetID,
		index:   index,
		desc:    desc,
		itemSz:  itemSz,
	}, nil
}

// chunkSelection parses the chunk-relative select parameter, defaulting to
// the whole chunk.
func (cr *chunkRequest) chunkSelection(r *http.Request) ([]hyperslab.Slice, error) {
	expr := r.URL.Query().Get("select")
	if expr == "" {
		return hyperslab.SelectAll(cr.desc.Layout.Dims), nil
	}
	sel, err := hyperslab.ParseSelect(expr, cr.desc.Layout.Dims)
	if err != nil {
		return nil, cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	if hyperslab.HasStride(sel) {
		return nil, cluster.Errorf(http.StatusBadRequest, "strided selections are not supported")
	}
	return sel, nil
}

// getChunk is the single chunk read path: cache, then store (with pending
// read coalescing), then optionally a fresh fill-initialized array.
func (dn *DataNode) getChunk(ctx context.Context, cr *chunkRequest, init bool) (*array.Array, error) {
	if v, ok := dn.chunkCache.Get(cr.chunkID); ok {
		return v.(*array.Array), nil
	}

	started, done := dn.beginRead(cr.chunkID)
	if !started {
		if v, ok := dn.chunkCache.Get(cr.chunkID); ok {
			return v.(*array.Array), nil
		}
	} else {
		defer done()
	}

	rawSize := cr.itemSz
	for _, d := range cr.desc.Layout.Dims {
		rawSize *= d
	}

	var chunk *array.Array
	data, err := dn.store.Get(ctx, ident.StoreKey(cr.chunkID))
	switch {
	case err == nil:
		if level := cr.desc.deflateLevel(); level >= 0 {
			if data, err = array.Inflate(data, rawSize); err != nil {
				return nil, cluster.Errorf(http.StatusInternalServerError, "corrupt chunk %s: %v", cr.chunkID, err)
			}
		}
		if chunk, err = array.FromBytes(cr.itemSz, cr.desc.Layout.Dims, data); err != nil {
			return nil, cluster.Errorf(http.StatusInternalServerError, "corrupt chunk %s: %v", cr.chunkID, err)
		}
	case objstore.IsNotFound(err):
		if !init {
			return nil, err
		}
		fill, ferr := array.FillElement(&cr.desc.Type, cr.desc.CreationProperties.FillValue)
		if ferr != nil {
			return nil, cluster.Errorf(http.StatusBadRequest, "invalid fill value: %v", ferr)
		}
		if chunk, err = array.NewFilled(cr.itemSz, cr.desc.Layout.Dims, fill); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	wait := config.GetDuration("max_chunk_wait_time")
	if err := dn.chunkCache.AddBlocking(ctx, cr.chunkID, chunk, int64(len(chunk.Data)), wait); err != nil {
		return nil, err
	}
	return chunk, nil
}

func (dn *DataNode) markChunkDirty(chunkID string) {
	dn.chunkCache.SetDirty(chunkID)
}

func (dn *DataNode) handlePutChunk(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	cr, err := dn.parseChunkRequest(r, ps)
	if err != nil {
		return err
	}
	sel, err := cr.chunkSelection(r)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return cluster.Errorf(http.StatusBadRequest, "failed to read body: %v", err)
	}
	selShape := hyperslab.Shape(sel)
	src, err := array.FromBytes(cr.itemSz, selShape, body)
	if err != nil {
		return cluster.Errorf(http.StatusBadRequest, "%v", err)
	}

	chunk, err := dn.getChunk(r.Context(), cr, true)
	if err != nil {
		return err
	}
	unlock := dn.lockChunk(cr.chunkID)
	err = array.CopySlab(chunk, sel, src, hyperslab.SelectAll(selShape))
	unlock()
	if err != nil {
		return cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	dn.markChunkDirty(cr.chunkID)
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (dn *DataNode) handleGetChunk(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	cr, err := dn.parseChunkRequest(r, ps)
	if err != nil {
		return err
	}
	if expr := r.URL.Query().Get("query"); expr != "" {
		return dn.handleQueryChunk(w, r, cr, expr)
	}
	sel, err := cr.chunkSelection(r)
	if err != nil {
		return err
	}

	chunk, err := dn.getChunk(r.Context(), cr, false)
	if err != nil {
		return err
	}
	out, err := array.New(cr.itemSz, hyperslab.Shape(sel))
	if err != nil {
		return err
	}
	unlock := dn.lockChunk(cr.chunkID)
	err = array.CopySlab(out, hyperslab.SelectAll(out.Dims), chunk, sel)
	unlock()
	if err != nil {
		return cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(out.Data)
	return err
}

// queryResult is the response of a boolean query over a record chunk.
type queryResult struct {
	Index []int64           `json:"index"`
	Value []json.RawMessage `json:"value"`
}

// handleQueryChunk evaluates a boolean expression over a rank-1 compound
// chunk, returning dataset-absolute indices of matching records.
func (dn *DataNode) handleQueryChunk(w http.ResponseWriter, r *http.Request, cr *chunkRequest, expr string) error {
	if len(cr.desc.Layout.Dims) != 1 {
		return cluster.Errorf(http.StatusBadRequest, "query requires a rank-1 dataset")
	}
	if cr.desc.Type.Class != types.TypeClassCompound {
		return cluster.Errorf(http.StatusBadRequest, "query requires a compound type")
	}
	q, err := query.Parse(expr)
	if err != nil {
		return cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	sel, err := cr.chunkSelection(r)
	if err != nil {
		return err
	}
	limit := int64(0)
	if v := r.URL.Query().Get("Limit"); v != "" {
		if limit, err = strconv.ParseInt(v, 10, 64); err != nil || limit < 0 {
			return cluster.Errorf(http.StatusBadRequest, "invalid Limit: %q", v)
		}
	}

	chunk, err := dn.getChunk(r.Context(), cr, false)
	if err != nil {
		return err
	}

	origin := cr.index[0] * cr.desc.Layout.Dims[0]
	result := queryResult{Index: []int64{}, Value: []json.RawMessage{}}
	defer dn.lockChunk(cr.chunkID)()
	for i := sel[0].Start; i < sel[0].Stop; i++ {
		elem, err := chunk.Element([]int64{i})
		if err != nil {
			return err
		}
		decoded, err := array.DecodeElement(&cr.desc.Type, elem)
		if err != nil {
			return err
		}
		record := map[string]any{}
		for fi, f := range cr.desc.Type.Fields {
			record[f.Name] = decoded.([]any)[fi]
		}
		ok, err := q.Matches(record)
		if err != nil {
			return cluster.Errorf(http.StatusBadRequest, "%v", err)
		}
		if !ok {
			continue
		}
		value, err := json.Marshal(decoded)
		if err != nil {
			return err
		}
		result.Index = append(result.Index, origin+i)
		result.Value = append(result.Value, value)
		if limit > 0 && int64(len(result.Index)) >= limit {
			break
		}
	}
	cluster.WriteJSON(w, http.StatusOK, result)
	return nil
}

// handlePostChunk serves point writes (action=put) and point reads. Point
// coordinates are chunk-relative uint64 little-endian tuples; writes carry
// the element value after each coordinate.
func (dn *DataNode) handlePostChunk(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	cr, err := dn.parseChunkRequest(r, ps)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return cluster.Errorf(http.StatusBadRequest, "failed to read body: %v", err)
	}
	rank := len(cr.desc.Layout.Dims)
	coordSz := int64(rank) * 8

	if r.URL.Query().Get("action") == "put" {
		entrySz := coordSz + cr.itemSz
		if entrySz == 0 || int64(len(body))%entrySz != 0 {
			return cluster.Errorf(http.StatusBadRequest, "point write body is not a multiple of %d bytes", entrySz)
		}
		chunk, err := dn.getChunk(r.Context(), cr, true)
		if err != nil {
			return err
		}
		unlock := dn.lockChunk(cr.chunkID)
		for off := int64(0); off < int64(len(body)); off += entrySz {
			coord := decodeCoord(body[off:off+coordSz], rank)
			if err := chunk.SetElement(coord, body[off+coordSz:off+entrySz]); err != nil {
				unlock()
				return cluster.Errorf(http.StatusBadRequest, "%v", err)
			}
		}
		unlock()
		dn.markChunkDirty(cr.chunkID)
		w.WriteHeader(http.StatusCreated)
		return nil
	}

	// point read
	if coordSz == 0 || int64(len(body))%coordSz != 0 {
		return cluster.Errorf(http.StatusBadRequest, "point read body is not a multiple of %d bytes", coordSz)
	}
	chunk, err := dn.getChunk(r.Context(), cr, false)
	if err != nil {
		return err
	}
	n := int64(len(body)) / coordSz
	out := make([]byte, 0, n*cr.itemSz)
	unlock := dn.lockChunk(cr.chunkID)
	for off := int64(0); off < int64(len(body)); off += coordSz {
		coord := decodeCoord(body[off:off+coordSz], rank)
		elem, err := chunk.Element(coord)
		if err != nil {
			unlock()
			return cluster.Errorf(http.StatusBadRequest, "%v", err)
		}
		out = append(out, elem...)
	}
	unlock()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(out)
	return err
}

func decodeCoord(data []byte, rank int) []int64 {
	coord := make([]int64, rank)
	for i := 0; i < rank; i++ {
		coord[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return coord
}

// handleDeleteChunk drops the chunk from the cache. The blob itself is
// deleted by the async GC, which is the only caller of this endpoint.
func (dn *DataNode) handleDeleteChunk(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	chunkID := ps.ByName("id")
	if err := ident.Validate(chunkID); err != nil || !ident.IsChunkID(chunkID) {
		return cluster.Errorf(http.StatusBadRequest, "invalid chunk id: %s", chunkID)
	}
	if err := dn.checkOwnership(chunkID); err != nil {
		return err
	}
	dn.chunkCache.Remove(chunkID)
	dsetID, _ := ident.DatasetID(chunkID)
	dn.mu.Lock()
	delete(dn.deflateMap, dsetID)
	delete(dn.chunkLocks, chunkID)
	delete(dn.chunkSizes, chunkID)
	dn.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	return nil
}
