package servicenode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/hyperslab"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/objstore"
	"github.com/stratumhq/strata/pkg/types"
)

// linkRef names the parent group and title a new object is linked under.
type linkRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// createRequest is the body of POST /groups, /datasets, and /datatypes.
type createRequest struct {
	Type               *types.DataType          `json:"type,omitempty"`
	Shape              []int64                  `json:"shape,omitempty"`
	MaxDims            []int64                  `json:"maxdims,omitempty"`
	Layout             []int64                  `json:"layout,omitempty"`
	CreationProperties types.CreationProperties `json:"creationProperties,omitempty"`
	Link               *linkRef                 `json:"link,omitempty"`
}

func (sn *ServiceNode) handleCreateObject(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	req, err := sn.begin(r, types.ActionCreate)
	if err != nil {
		return err
	}
	var body createRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return cluster.Errorf(http.StatusBadRequest, "invalid body: %v", err)
		}
	}
	if body.Link != nil {
		if err := ident.Validate(body.Link.ID); err != nil || body.Link.Name == "" {
			return cluster.Errorf(http.StatusBadRequest, "invalid link spec")
		}
	}

	create := map[string]any{}
	var id string
	switch pathCollection(r.URL.Path) {
	case ident.CollectionGroups:
		id = ident.NewObjectID(ident.PrefixGroup)
		create["group"] = types.Group{ID: id, Root: req.dom.Root, Domain: req.domain}
	case ident.CollectionDatatypes:
		if body.Type == nil {
			return cluster.Errorf(http.StatusBadRequest, "datatype needs a type")
		}
		id = ident.NewObjectID(ident.PrefixDatatype)
		create["datatype"] = types.Datatype{ID: id, Root: req.dom.Root, Domain: req.domain, Type: *body.Type}
	case ident.CollectionDatasets:
		dset, err := buildDataset(req, &body)
		if err != nil {
			return err
		}
		id = dset.ID
		create["dataset"] = dset
	}
	if body.Link != nil {
		create["link"] = body.Link
	}

	target, err := sn.node.DataNodeFor(id)
	if err != nil {
		return err
	}
	coll, _ := ident.Collection(id)
	data, err := sn.node.Client().Do(r.Context(), http.MethodPost, target+"/"+coll,
		"application/json", mustJSON(create))
	if err != nil {
		return err
	}
	return writeProxied(w, http.MethodPost, data)
}

// buildDataset validates a dataset create request and fills in the layout.
func buildDataset(req *request, body *createRequest) (*types.Dataset, error) {
	if body.Type == nil {
		return nil, cluster.Errorf(http.StatusBadRequest, "dataset needs a type")
	}
	itemSize := body.Type.ItemSize()
	if itemSize <= 0 {
		return nil, cluster.Errorf(http.StatusBadRequest, "dataset type has no fixed element size")
	}
	if len(body.Shape) == 0 {
		return nil, cluster.Errorf(http.StatusBadRequest, "dataset needs a shape")
	}
	for _, d := range body.Shape {
		if d < 0 {
			return nil, cluster.Errorf(http.StatusBadRequest, "negative dimension")
		}
	}
	if len(body.MaxDims) > 0 {
		if len(body.MaxDims) != len(body.Shape) {
			return nil, cluster.Errorf(http.StatusBadRequest, "maxdims rank does not match shape")
		}
		for i, m := range body.MaxDims {
			if m != 0 && m < body.Shape[i] {
				return nil, cluster.Errorf(http.StatusBadRequest, "maxdims smaller than shape")
			}
		}
	}

	layout := body.Layout
	if len(layout) == 0 {
		layout = hyperslab.GuessLayout(body.Shape, body.MaxDims, itemSize)
	} else {
		if len(layout) != len(body.Shape) {
			return nil, cluster.Errorf(http.StatusBadRequest, "layout rank does not match shape")
		}
		for _, c := range layout {
			if c < 1 {
				return nil, cluster.Errorf(http.StatusBadRequest, "layout dimensions must be positive")
			}
		}
	}

	return &types.Dataset{
		ID:     ident.NewObjectID(ident.PrefixDataset),
		Root:   req.dom.Root,
		Domain: req.domain,
		Type:   *body.Type,
		Shape: types.Shape{
			Class:   types.ShapeClassSimple,
			Dims:    body.Shape,
			MaxDims: body.MaxDims,
		},
		Layout:             types.Layout{Class: "H5D_CHUNKED", Dims: layout},
		CreationProperties: body.CreationProperties,
	}, nil
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

func (sn *ServiceNode) handleGetObject(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	if _, err := sn.begin(r, types.ActionRead); err != nil {
		return err
	}
	target, err := sn.objectURL(ps.ByName("id"))
	if err != nil {
		return err
	}
	data, err := sn.node.Client().Do(r.Context(), http.MethodGet, target, "", nil)
	if err != nil {
		return err
	}
	return writeProxied(w, http.MethodGet, data)
}

func (sn *ServiceNode) handleDeleteObject(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	if _, err := sn.begin(r, types.ActionDelete); err != nil {
		return err
	}
	target, err := sn.objectURL(ps.ByName("id"))
	if err != nil {
		return err
	}
	data, err := sn.node.Client().Do(r.Context(), http.MethodDelete, target, "", nil)
	if err != nil {
		return err
	}
	return writeProxied(w, http.MethodGet, data)
}

// indexEntry is one parsed line of a collection index file.
type indexEntry struct {
	id           string
	etag         string
	lastModified float64
	size         int64
	chunkCount   int64
	totalSize    int64
}

// readIndex loads and parses a domain's collection index file. A missing file
// means an empty collection.
func (sn *ServiceNode) readIndex(ctx context.Context, domain, coll string) ([]indexEntry, error) {
	data, err := sn.store.Get(ctx, ident.IndexKey(domain, coll))
	if objstore.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []indexEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		e := indexEntry{id: fields[0]}
		if len(fields) > 1 {
			e.etag = fields[1]
		}
		if len(fields) > 2 {
			e.lastModified, _ = strconv.ParseFloat(fields[2], 64)
		}
		if len(fields) > 3 {
			e.size, _ = strconv.ParseInt(fields[3], 10, 64)
		}
		if len(fields) > 5 {
			e.chunkCount, _ = strconv.ParseInt(fields[4], 10, 64)
			e.totalSize, _ = strconv.ParseInt(fields[5], 10, 64)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func (sn *ServiceNode) handleListCollection(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	req, err := sn.begin(r, types.ActionRead)
	if err != nil {
		return err
	}
	coll := pathCollection(r.URL.Path)
	entries, err := sn.readIndex(r.Context(), req.domain, coll)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	ids = applyWindow(ids, r.URL.Query().Get("Marker"), r.URL.Query().Get("Limit"))
	cluster.WriteJSON(w, http.StatusOK, map[string][]string{coll: ids})
	return nil
}

// fetchDataset resolves a dataset record through its owning data node.
func (sn *ServiceNode) fetchDataset(ctx context.Context, id string) (*types.Dataset, error) {
	if err := ident.Validate(id); err != nil || !strings.HasPrefix(id, ident.PrefixDataset+"-") {
		return nil, cluster.Errorf(http.StatusBadRequest, "invalid dataset id: %s", id)
	}
	target, err := sn.node.DataNodeFor(id)
	if err != nil {
		return nil, err
	}
	dset := &types.Dataset{}
	if err := sn.node.Client().GetJSON(ctx, target+"/datasets/"+id, dset); err != nil {
		return nil, err
	}
	return dset, nil
}

func (sn *ServiceNode) handleGetShape(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	if _, err := sn.begin(r, types.ActionRead); err != nil {
		return err
	}
	dset, err := sn.fetchDataset(r.Context(), ps.ByName("id"))
	if err != nil {
		return err
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]any{
		"shape":        dset.Shape,
		"created":      dset.Created,
		"lastModified": dset.LastModified,
	})
	return nil
}

func (sn *ServiceNode) handleGetType(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	if _, err := sn.begin(r, types.ActionRead); err != nil {
		return err
	}
	dset, err := sn.fetchDataset(r.Context(), ps.ByName("id"))
	if err != nil {
		return err
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]any{"type": dset.Type})
	return nil
}
