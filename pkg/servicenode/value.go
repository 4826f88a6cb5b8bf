package servicenode

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/sync/errgroup"

	"github.com/stratumhq/strata/pkg/array"
	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/config"
	"github.com/stratumhq/strata/pkg/hyperslab"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/types"
)

// valueTarget bundles everything the value handlers need about a dataset.
type valueTarget struct {
	dset     *types.Dataset
	itemSize int64
	desc     string // urlencoded descriptor attached to chunk requests
}

// resolveDataset fetches the dataset and prepares the chunk request
// descriptor.
func (sn *ServiceNode) resolveDataset(ctx context.Context, id string) (*valueTarget, error) {
	dset, err := sn.fetchDataset(ctx, id)
	if err != nil {
		return nil, err
	}
	if dset.Shape.Class != types.ShapeClassSimple || len(dset.Shape.Dims) == 0 {
		return nil, cluster.Errorf(http.StatusBadRequest, "%s has no simple dataspace", id)
	}
	itemSize := dset.Type.ItemSize()
	if itemSize <= 0 {
		return nil, cluster.Errorf(http.StatusBadRequest, "%s has no fixed element size", id)
	}
	desc, err := json.Marshal(map[string]any{
		"type":               dset.Type,
		"layout":             dset.Layout,
		"creationProperties": dset.CreationProperties,
	})
	if err != nil {
		return nil, err
	}
	return &valueTarget{
		dset:     dset,
		itemSize: itemSize,
		desc:     url.QueryEscape(string(desc)),
	}, nil
}

// parseValueSelect parses the select parameter against the dataset shape and
// enforces the chunk fan-out ceiling.
func parseValueSelect(r *http.Request, vt *valueTarget) ([]hyperslab.Slice, error) {
	var sel []hyperslab.Slice
	if expr := r.URL.Query().Get("select"); expr != "" {
		var err error
		if sel, err = hyperslab.ParseSelect(expr, vt.dset.Shape.Dims); err != nil {
			return nil, cluster.Errorf(http.StatusBadRequest, "%v", err)
		}
	} else {
		sel = hyperslab.SelectAll(vt.dset.Shape.Dims)
	}
	if hyperslab.HasStride(sel) {
		return nil, cluster.Errorf(http.StatusBadRequest, "strided selections are not supported")
	}
	n, err := hyperslab.NumChunks(sel, vt.dset.Layout.Dims)
	if err != nil {
		return nil, cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	if max := int64(config.GetInt("max_chunks_per_request")); n > max {
		return nil, cluster.Errorf(http.StatusRequestEntityTooLarge,
			"selection spans %d chunks, limit is %d", n, max)
	}
	return sel, nil
}

func (sn *ServiceNode) chunkURL(chunkID string, vt *valueTarget) (string, error) {
	target, err := sn.node.DataNodeFor(chunkID)
	if err != nil {
		return "", err
	}
	return target + "/chunks/" + chunkID + "?dset=" + vt.desc, nil
}

// formatSelect renders a selection in the bracketed form chunk handlers
// parse.
func formatSelect(sel []hyperslab.Slice) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, s := range sel {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(s.Start, 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(s.Stop, 10))
	}
	b.WriteByte(']')
	return b.String()
}

func (sn *ServiceNode) handleGetValue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	if _, err := sn.begin(r, types.ActionRead); err != nil {
		return err
	}
	vt, err := sn.resolveDataset(r.Context(), ps.ByName("id"))
	if err != nil {
		return err
	}
	sel, err := parseValueSelect(r, vt)
	if err != nil {
		return err
	}
	if expr := r.URL.Query().Get("query"); expr != "" {
		return sn.queryValue(w, r, vt, sel, expr)
	}

	fill, err := array.FillElement(&vt.dset.Type, vt.dset.CreationProperties.FillValue)
	if err != nil {
		return cluster.Errorf(http.StatusBadRequest, "invalid fill value: %v", err)
	}
	out, err := array.NewFilled(vt.itemSize, hyperslab.Shape(sel), fill)
	if err != nil {
		return err
	}

	indices, err := hyperslab.ChunkIndices(sel, vt.dset.Layout.Dims)
	if err != nil {
		return cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	layout := vt.dset.Layout.Dims

	g, ctx := errgroup.WithContext(r.Context())
	var mu sync.Mutex
	for _, index := range indices {
		index := index
		g.Go(func() error {
			chunkID := ident.ChunkID(vt.dset.ID, index)
			base, err := sn.chunkURL(chunkID, vt)
			if err != nil {
				return err
			}
			cov := hyperslab.ChunkCoverage(index, sel, layout)
			data, err := sn.node.Client().Do(ctx, http.MethodGet,
				base+"&select="+url.QueryEscape(formatSelect(cov)), "", nil)
			if cluster.CodeOf(err) == http.StatusNotFound {
				// never written, the output keeps its fill value
				return nil
			}
			if err != nil {
				return err
			}
			sub, err := array.FromBytes(vt.itemSize, hyperslab.Shape(cov), data)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return array.CopySlab(out, hyperslab.DataCoverage(index, sel, layout),
				sub, hyperslab.SelectAll(sub.Dims))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if strings.Contains(r.Header.Get("Accept"), "application/octet-stream") {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, err := w.Write(out.Data)
		return err
	}
	value, err := array.DecodeJSON(&vt.dset.Type, out.Data, hyperslab.Shape(sel))
	if err != nil {
		return err
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]json.RawMessage{"value": value})
	return nil
}

// queryValue fans a boolean query out over the selection's chunks and merges
// the matches in index order.
func (sn *ServiceNode) queryValue(w http.ResponseWriter, r *http.Request, vt *valueTarget, sel []hyperslab.Slice, expr string) error {
	if len(sel) != 1 {
		return cluster.Errorf(http.StatusBadRequest, "query requires a rank-1 dataset")
	}
	indices, err := hyperslab.ChunkIndices(sel, vt.dset.Layout.Dims)
	if err != nil {
		return cluster.Errorf(http.StatusBadRequest, "%v", err)
	}

	type chunkResult struct {
		Index []int64           `json:"index"`
		Value []json.RawMessage `json:"value"`
	}
	results := make([]chunkResult, len(indices))
	g, ctx := errgroup.WithContext(r.Context())
	for i, index := range indices {
		i, index := i, index
		g.Go(func() error {
			chunkID := ident.ChunkID(vt.dset.ID, index)
			base, err := sn.chunkURL(chunkID, vt)
			if err != nil {
				return err
			}
			cov := hyperslab.ChunkCoverage(index, sel, vt.dset.Layout.Dims)
			u := base + "&select=" + url.QueryEscape(formatSelect(cov)) +
				"&query=" + url.QueryEscape(expr)
			if limit := r.URL.Query().Get("Limit"); limit != "" {
				u += "&Limit=" + url.QueryEscape(limit)
			}
			data, err := sn.node.Client().Do(ctx, http.MethodGet, u, "", nil)
			if cluster.CodeOf(err) == http.StatusNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			return json.Unmarshal(data, &results[i])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	merged := chunkResult{Index: []int64{}, Value: []json.RawMessage{}}
	for _, res := range results {
		merged.Index = append(merged.Index, res.Index...)
		merged.Value = append(merged.Value, res.Value...)
	}
	// chunk results arrive per shard; present them in dataset order
	order := make([]int, len(merged.Index))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return merged.Index[order[a]] < merged.Index[order[b]] })
	sorted := chunkResult{Index: make([]int64, 0, len(order)), Value: make([]json.RawMessage, 0, len(order))}
	for _, i := range order {
		sorted.Index = append(sorted.Index, merged.Index[i])
		sorted.Value = append(sorted.Value, merged.Value[i])
	}
	if limit := r.URL.Query().Get("Limit"); limit != "" {
		if n, err := strconv.ParseInt(limit, 10, 64); err == nil && n >= 0 && n < int64(len(sorted.Index)) {
			sorted.Index = sorted.Index[:n]
			sorted.Value = sorted.Value[:n]
		}
	}
	cluster.WriteJSON(w, http.StatusOK, sorted)
	return nil
}

// putValueBody is the JSON form of a value write.
type putValueBody struct {
	Value       json.RawMessage `json:"value,omitempty"`
	ValueBase64 string          `json:"value_base64,omitempty"`
}

func (sn *ServiceNode) handlePutValue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	if _, err := sn.begin(r, types.ActionUpdate); err != nil {
		return err
	}
	vt, err := sn.resolveDataset(r.Context(), ps.ByName("id"))
	if err != nil {
		return err
	}
	sel, err := parseValueSelect(r, vt)
	if err != nil {
		return err
	}

	body, err := readBody(r)
	if err != nil {
		return err
	}
	var data []byte
	if strings.Contains(r.Header.Get("Content-Type"), "application/octet-stream") {
		data = body
	} else {
		var jb putValueBody
		if err := json.Unmarshal(body, &jb); err != nil {
			return cluster.Errorf(http.StatusBadRequest, "invalid value body: %v", err)
		}
		switch {
		case jb.ValueBase64 != "":
			if data, err = base64.StdEncoding.DecodeString(jb.ValueBase64); err != nil {
				return cluster.Errorf(http.StatusBadRequest, "invalid value_base64: %v", err)
			}
		case len(jb.Value) > 0:
			if data, err = array.EncodeJSON(&vt.dset.Type, jb.Value, hyperslab.Shape(sel)); err != nil {
				return cluster.Errorf(http.StatusBadRequest, "%v", err)
			}
		default:
			return cluster.Errorf(http.StatusBadRequest, "value body is empty")
		}
	}
	want := hyperslab.NumPoints(sel) * vt.itemSize
	if int64(len(data)) != want {
		return cluster.Errorf(http.StatusBadRequest, "value is %d bytes, selection needs %d", len(data), want)
	}
	src, err := array.FromBytes(vt.itemSize, hyperslab.Shape(sel), data)
	if err != nil {
		return cluster.Errorf(http.StatusBadRequest, "%v", err)
	}

	indices, err := hyperslab.ChunkIndices(sel, vt.dset.Layout.Dims)
	if err != nil {
		return cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	layout := vt.dset.Layout.Dims

	g, ctx := errgroup.WithContext(r.Context())
	for _, index := range indices {
		index := index
		g.Go(func() error {
			chunkID := ident.ChunkID(vt.dset.ID, index)
			base, err := sn.chunkURL(chunkID, vt)
			if err != nil {
				return err
			}
			cov := hyperslab.ChunkCoverage(index, sel, layout)
			sub, err := array.New(vt.itemSize, hyperslab.Shape(cov))
			if err != nil {
				return err
			}
			if err := array.CopySlab(sub, hyperslab.SelectAll(sub.Dims),
				src, hyperslab.DataCoverage(index, sel, layout)); err != nil {
				return err
			}
			_, err = sn.node.Client().Do(ctx, http.MethodPut,
				base+"&select="+url.QueryEscape(formatSelect(cov)),
				"application/octet-stream", sub.Data)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]any{})
	return nil
}

// postValueBody is the body of a point read or write.
type postValueBody struct {
	Points      [][]int64       `json:"points"`
	Value       json.RawMessage `json:"value,omitempty"`
	ValueBase64 string          `json:"value_base64,omitempty"`
}

func (sn *ServiceNode) handlePostValue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	var pb postValueBody
	if err := json.Unmarshal(body, &pb); err != nil {
		return cluster.Errorf(http.StatusBadRequest, "invalid points body: %v", err)
	}
	write := len(pb.Value) > 0 || pb.ValueBase64 != ""
	action := types.ActionRead
	if write {
		action = types.ActionUpdate
	}
	if _, err := sn.begin(r, action); err != nil {
		return err
	}
	vt, err := sn.resolveDataset(r.Context(), ps.ByName("id"))
	if err != nil {
		return err
	}
	if len(pb.Points) == 0 {
		return cluster.Errorf(http.StatusBadRequest, "no points given")
	}
	dims := vt.dset.Shape.Dims
	for _, p := range pb.Points {
		if len(p) != len(dims) {
			return cluster.Errorf(http.StatusBadRequest, "point rank does not match dataset rank")
		}
		for i, c := range p {
			if c < 0 || c >= dims[i] {
				return cluster.Errorf(http.StatusBadRequest, "point out of bounds")
			}
		}
	}

	var values []byte
	if write {
		if pb.ValueBase64 != "" {
			if values, err = base64.StdEncoding.DecodeString(pb.ValueBase64); err != nil {
				return cluster.Errorf(http.StatusBadRequest, "invalid value_base64: %v", err)
			}
		} else {
			if values, err = array.EncodeJSON(&vt.dset.Type, pb.Value,
				[]int64{int64(len(pb.Points))}); err != nil {
				return cluster.Errorf(http.StatusBadRequest, "%v", err)
			}
		}
		if int64(len(values)) != int64(len(pb.Points))*vt.itemSize {
			return cluster.Errorf(http.StatusBadRequest, "value count does not match point count")
		}
	}

	// group points by their containing chunk, remembering each point's
	// position in the request so read results map back in order
	layout := vt.dset.Layout.Dims
	type pointGroup struct {
		body  []byte
		order []int
	}
	groups := map[string]*pointGroup{}
	for pi, p := range pb.Points {
		index := hyperslab.ChunkIndexOfPoint(p, layout)
		chunkID := ident.ChunkID(vt.dset.ID, index)
		grp := groups[chunkID]
		if grp == nil {
			grp = &pointGroup{}
			groups[chunkID] = grp
		}
		for i, c := range p {
			var coord [8]byte
			binary.LittleEndian.PutUint64(coord[:], uint64(c-index[i]*layout[i]))
			grp.body = append(grp.body, coord[:]...)
		}
		if write {
			grp.body = append(grp.body, values[int64(pi)*vt.itemSize:int64(pi+1)*vt.itemSize]...)
		}
		grp.order = append(grp.order, pi)
	}

	// unread points report the fill value
	result := make([]byte, int64(len(pb.Points))*vt.itemSize)
	if !write {
		fill, err := array.FillElement(&vt.dset.Type, vt.dset.CreationProperties.FillValue)
		if err != nil {
			return cluster.Errorf(http.StatusBadRequest, "invalid fill value: %v", err)
		}
		for off := int64(0); fill != nil && off < int64(len(result)); off += vt.itemSize {
			copy(result[off:], fill)
		}
	}
	g, ctx := errgroup.WithContext(r.Context())
	var mu sync.Mutex
	for chunkID, grp := range groups {
		chunkID, grp := chunkID, grp
		g.Go(func() error {
			base, err := sn.chunkURL(chunkID, vt)
			if err != nil {
				return err
			}
			if write {
				_, err := sn.node.Client().Do(ctx, http.MethodPost, base+"&action=put",
					"application/octet-stream", grp.body)
				return err
			}
			data, err := sn.node.Client().Do(ctx, http.MethodPost, base,
				"application/octet-stream", grp.body)
			if cluster.CodeOf(err) == http.StatusNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			if int64(len(data)) != int64(len(grp.order))*vt.itemSize {
				return cluster.Errorf(http.StatusInternalServerError,
					"point read returned %d bytes for %d points", len(data), len(grp.order))
			}
			mu.Lock()
			defer mu.Unlock()
			for i, pi := range grp.order {
				copy(result[int64(pi)*vt.itemSize:], data[int64(i)*vt.itemSize:int64(i+1)*vt.itemSize])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if write {
		cluster.WriteJSON(w, http.StatusOK, map[string]any{})
		return nil
	}
	value, err := array.DecodeJSON(&vt.dset.Type, result, []int64{int64(len(pb.Points))})
	if err != nil {
		return err
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]json.RawMessage{"value": value})
	return nil
}
