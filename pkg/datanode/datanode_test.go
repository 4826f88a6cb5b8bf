package datanode

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/strata/pkg/array"
	"github.com/stratumhq/strata/pkg/auth"
	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/config"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/objstore"
	"github.com/stratumhq/strata/pkg/types"
)

// newTestDataNode builds a data node backed by the memory store, registered
// as the only shard of a one-DN cluster behind a fake head node.
func newTestDataNode(t *testing.T) *DataNode {
	t.Helper()
	config.Reset()
	t.Cleanup(config.Reset)

	var registered cluster.RegisterRequest
	head := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/register":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&registered))
			cluster.WriteJSON(w, http.StatusOK, cluster.RegisterResponse{
				NodeNumber:   0,
				ClusterState: types.ClusterStateReady,
			})
		case "/nodestate":
			cluster.WriteJSON(w, http.StatusOK, cluster.StateResponse{
				ClusterState: types.ClusterStateReady,
				Nodes: []types.NodeInfo{{
					ID: registered.ID, Host: registered.Host, Port: registered.Port,
					NodeType: types.NodeTypeData, NodeNumber: 0,
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(head.Close)
	u, err := url.Parse(head.URL)
	require.NoError(t, err)
	config.Set("head_host", u.Hostname())
	config.Set("head_port", u.Port())

	dn := New(objstore.NewMemory())
	require.NoError(t, dn.node.Sync(context.Background()))
	require.True(t, dn.node.Ready())
	return dn
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestObjectLifecycle(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()

	id := ident.NewObjectID(ident.PrefixGroup)
	rec := doReq(t, router, "POST", "/groups", createObjectRequest{
		Group: &types.Group{ID: id, Root: id, Domain: "/home/tester/data.h5"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[types.Group](t, rec)
	assert.Greater(t, created.Created, 0.0)

	rec = doReq(t, router, "GET", "/groups/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[types.Group](t, rec)
	assert.Equal(t, id, got.ID)

	// duplicate create is a conflict
	rec = doReq(t, router, "POST", "/groups", createObjectRequest{
		Group: &types.Group{ID: id, Root: id, Domain: "/home/tester/data.h5"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doReq(t, router, "DELETE", "/groups/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// tombstoned, not refetched from the store
	rec = doReq(t, router, "GET", "/groups/"+id, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestCreateWithLink(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()

	rootID := ident.NewObjectID(ident.PrefixGroup)
	rec := doReq(t, router, "POST", "/groups", createObjectRequest{
		Group: &types.Group{ID: rootID, Root: rootID, Domain: "/home/tester/data.h5"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	childID := ident.NewObjectID(ident.PrefixGroup)
	rec = doReq(t, router, "POST", "/groups", createObjectRequest{
		Group: &types.Group{ID: childID, Root: rootID, Domain: "/home/tester/data.h5"},
		Link:  &linkSpec{ID: rootID, Name: "child"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doReq(t, router, "GET", "/groups/"+rootID+"/links/child", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	link := decodeBody[types.Link](t, rec)
	assert.Equal(t, types.LinkClassHard, link.Class)
	assert.Equal(t, childID, link.ID)

	// a second object under the same link name must not be created
	otherID := ident.NewObjectID(ident.PrefixGroup)
	rec = doReq(t, router, "POST", "/groups", createObjectRequest{
		Group: &types.Group{ID: otherID, Root: rootID, Domain: "/home/tester/data.h5"},
		Link:  &linkSpec{ID: rootID, Name: "child"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = doReq(t, router, "GET", "/groups/"+otherID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLinks(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()

	id := ident.NewObjectID(ident.PrefixGroup)
	rec := doReq(t, router, "POST", "/groups", createObjectRequest{
		Group: &types.Group{ID: id, Root: id, Domain: "/home/tester/data.h5"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doReq(t, router, "PUT", "/groups/"+id+"/links/notes",
		types.Link{Class: types.LinkClassSoft, H5Path: "/g1/notes"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// soft link without a path is rejected
	rec = doReq(t, router, "PUT", "/groups/"+id+"/links/bad",
		types.Link{Class: types.LinkClassSoft})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, router, "GET", "/groups/"+id+"/links", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decodeBody[map[string]map[string]types.Link](t, rec)
	assert.Len(t, listing["links"], 1)

	rec = doReq(t, router, "DELETE", "/groups/"+id+"/links/notes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, router, "GET", "/groups/"+id+"/links/notes", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAttributes(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()

	id := ident.NewObjectID(ident.PrefixGroup)
	rec := doReq(t, router, "POST", "/groups", createObjectRequest{
		Group: &types.Group{ID: id, Root: id, Domain: "/home/tester/data.h5"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	attr := types.Attribute{
		Type:  types.DataType{Class: types.TypeClassInteger, Base: "H5T_STD_I32LE"},
		Shape: types.Shape{Class: types.ShapeClassScalar},
		Value: json.RawMessage(`42`),
	}
	rec = doReq(t, router, "PUT", "/groups/"+id+"/attributes/answer", attr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doReq(t, router, "GET", "/groups/"+id+"/attributes/answer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[types.Attribute](t, rec)
	assert.Equal(t, json.RawMessage(`42`), got.Value)
	assert.Greater(t, got.Created, 0.0)

	rec = doReq(t, router, "GET", "/groups/"+id+"/attributes", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, router, "DELETE", "/groups/"+id+"/attributes/answer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, router, "GET", "/groups/"+id+"/attributes/answer", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDomainLifecycle(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()
	path := "/domains?domain=" + url.QueryEscape("/home/tester/data.h5")

	rec := doReq(t, router, "GET", path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, router, "PUT", path, types.Domain{
		Owner: "tester",
		ACLs:  auth.DefaultACLs("tester"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doReq(t, router, "PUT", path, types.Domain{
		Owner: "tester",
		ACLs:  auth.DefaultACLs("tester"),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doReq(t, router, "GET", path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decodeBody[types.Domain](t, rec)
	assert.Equal(t, "tester", d.Owner)

	rec = doReq(t, router, "PUT", "/acls/alice?domain="+url.QueryEscape("/home/tester/data.h5"),
		types.Permission{Read: true})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doReq(t, router, "GET", path, nil)
	d = decodeBody[types.Domain](t, rec)
	assert.True(t, d.ACLs["alice"].Read)

	rec = doReq(t, router, "DELETE", path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, router, "GET", path, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func i32Desc(dims []int64) dsetDescriptor {
	return dsetDescriptor{
		Type:   types.DataType{Class: types.TypeClassInteger, Base: "H5T_STD_I32LE"},
		Layout: types.Layout{Class: "H5D_CHUNKED", Dims: dims},
	}
}

func chunkPath(t *testing.T, chunkID string, desc dsetDescriptor, params string) string {
	t.Helper()
	data, err := json.Marshal(desc)
	require.NoError(t, err)
	path := "/chunks/" + chunkID + "?dset=" + url.QueryEscape(string(data))
	if params != "" {
		path += "&" + params
	}
	return path
}

func i32Bytes(vals ...int32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out
}

func TestChunkReadWrite(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()

	desc := i32Desc([]int64{4, 4})
	dsetID := ident.NewObjectID(ident.PrefixDataset)
	chunkID := ident.ChunkID(dsetID, []int64{0, 0})

	rec := doReq(t, router, "GET", chunkPath(t, chunkID, desc, "select=[0:2,0:2]"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, router, "PUT", chunkPath(t, chunkID, desc, "select=[0:2,0:2]"),
		i32Bytes(1, 2, 3, 4))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doReq(t, router, "GET", chunkPath(t, chunkID, desc, "select=[0:2,0:2]"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, i32Bytes(1, 2, 3, 4), rec.Body.Bytes())

	// untouched cells read back as zero
	rec = doReq(t, router, "GET", chunkPath(t, chunkID, desc, "select=[2:3,0:2]"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, i32Bytes(0, 0), rec.Body.Bytes())

	rec = doReq(t, router, "GET", chunkPath(t, chunkID, desc, ""), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Body.Bytes(), 64)
}

func TestChunkFillValue(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()

	desc := i32Desc([]int64{2, 2})
	desc.CreationProperties.FillValue = json.RawMessage(`7`)
	dsetID := ident.NewObjectID(ident.PrefixDataset)
	chunkID := ident.ChunkID(dsetID, []int64{0, 0})

	rec := doReq(t, router, "PUT", chunkPath(t, chunkID, desc, "select=[0:1,0:1]"),
		i32Bytes(9))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doReq(t, router, "GET", chunkPath(t, chunkID, desc, ""), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, i32Bytes(9, 7, 7, 7), rec.Body.Bytes())
}

func TestChunkPoints(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()

	desc := i32Desc([]int64{4})
	dsetID := ident.NewObjectID(ident.PrefixDataset)
	chunkID := ident.ChunkID(dsetID, []int64{0})

	// write value 11 at index 1 and 33 at index 3
	var body []byte
	for _, p := range []struct {
		coord uint64
		val   int32
	}{{1, 11}, {3, 33}} {
		coord := make([]byte, 8)
		binary.LittleEndian.PutUint64(coord, p.coord)
		body = append(body, coord...)
		body = append(body, i32Bytes(p.val)...)
	}
	rec := doReq(t, router, "POST", chunkPath(t, chunkID, desc, "action=put"), body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	coords := make([]byte, 16)
	binary.LittleEndian.PutUint64(coords[0:], 3)
	binary.LittleEndian.PutUint64(coords[8:], 1)
	rec = doReq(t, router, "POST", chunkPath(t, chunkID, desc, ""), coords)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, i32Bytes(33, 11), rec.Body.Bytes())
}

func TestChunkQuery(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()

	desc := dsetDescriptor{
		Type: types.DataType{
			Class: types.TypeClassCompound,
			Fields: []types.Field{
				{Name: "symbol", Type: types.DataType{Class: types.TypeClassString, Length: 4}},
				{Name: "price", Type: types.DataType{Class: types.TypeClassInteger, Base: "H5T_STD_I32LE"}},
			},
		},
		Layout: types.Layout{Class: "H5D_CHUNKED", Dims: []int64{4}},
	}
	dsetID := ident.NewObjectID(ident.PrefixDataset)
	chunkID := ident.ChunkID(dsetID, []int64{0})

	record := func(symbol string, price int32) []byte {
		out := make([]byte, 4)
		copy(out, symbol)
		return append(out, i32Bytes(price)...)
	}
	var body []byte
	for _, r := range [][]byte{
		record("AAPL", 100), record("IBM", 5), record("MSFT", 40), record("GE", 8),
	} {
		body = append(body, r...)
	}
	rec := doReq(t, router, "PUT", chunkPath(t, chunkID, desc, ""), body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doReq(t, router, "GET",
		chunkPath(t, chunkID, desc, "query="+url.QueryEscape("price > 10")), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[queryResult](t, rec)
	assert.Equal(t, []int64{0, 2}, result.Index)
	require.Len(t, result.Value, 2)
	assert.JSONEq(t, `["AAPL", 100]`, string(result.Value[0]))

	rec = doReq(t, router, "GET",
		chunkPath(t, chunkID, desc, "query="+url.QueryEscape("price > 10")+"&Limit=1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result = decodeBody[queryResult](t, rec)
	assert.Equal(t, []int64{0}, result.Index)
}

func TestResize(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()

	id := ident.NewObjectID(ident.PrefixDataset)
	rec := doReq(t, router, "POST", "/datasets", createObjectRequest{
		Dataset: &types.Dataset{
			ID:     id,
			Root:   ident.NewObjectID(ident.PrefixGroup),
			Domain: "/home/tester/data.h5",
			Type:   types.DataType{Class: types.TypeClassInteger, Base: "H5T_STD_I32LE"},
			Shape:  types.Shape{Class: types.ShapeClassSimple, Dims: []int64{4}, MaxDims: []int64{8}},
			Layout: types.Layout{Class: "H5D_CHUNKED", Dims: []int64{4}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doReq(t, router, "PUT", "/datasets/"+id+"/shape", map[string][]int64{"shape": {6}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doReq(t, router, "GET", "/datasets/"+id, nil)
	d := decodeBody[types.Dataset](t, rec)
	assert.Equal(t, []int64{6}, d.Shape.Dims)

	// shrink and growth past maxdims are rejected
	rec = doReq(t, router, "PUT", "/datasets/"+id+"/shape", map[string][]int64{"shape": {2}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, router, "PUT", "/datasets/"+id+"/shape", map[string][]int64{"shape": {10}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// a dataset created without maxdims has a fixed shape
	fixed := ident.NewObjectID(ident.PrefixDataset)
	rec = doReq(t, router, "POST", "/datasets", createObjectRequest{
		Dataset: &types.Dataset{
			ID:     fixed,
			Root:   ident.NewObjectID(ident.PrefixGroup),
			Domain: "/home/tester/data.h5",
			Type:   types.DataType{Class: types.TypeClassInteger, Base: "H5T_STD_I32LE"},
			Shape:  types.Shape{Class: types.ShapeClassSimple, Dims: []int64{4}},
			Layout: types.Layout{Class: "H5D_CHUNKED", Dims: []int64{4}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = doReq(t, router, "PUT", "/datasets/"+fixed+"/shape", map[string][]int64{"shape": {6}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConcurrentChunkAccess(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()

	desc := i32Desc([]int64{8})
	dsetID := ident.NewObjectID(ident.PrefixDataset)
	chunkID := ident.ChunkID(dsetID, []int64{0})

	// seed the chunk so every writer shares the same cached array
	rec := doReq(t, router, "PUT", chunkPath(t, chunkID, desc, "select=[0:1]"), i32Bytes(0))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	writePaths := make([]string, 8)
	for i := range writePaths {
		writePaths[i] = chunkPath(t, chunkID, desc, fmt.Sprintf("select=[%d:%d]", i, i+1))
	}
	readPath := chunkPath(t, chunkID, desc, "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("PUT", writePaths[i], bytes.NewReader(i32Bytes(int32(i))))
			router.ServeHTTP(httptest.NewRecorder(), req)
		}()
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("GET", readPath, nil)
			router.ServeHTTP(httptest.NewRecorder(), req)
		}()
	}
	// the flush path snapshots the payload while writers are active
	wg.Add(1)
	go func() {
		defer wg.Done()
		dn.syncOnce(context.Background())
	}()
	wg.Wait()

	rec = doReq(t, router, "GET", readPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, i32Bytes(0, 1, 2, 3, 4, 5, 6, 7), rec.Body.Bytes())
}

func TestSyncerFlushesDirtyEntries(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()
	ctx := context.Background()

	id := ident.NewObjectID(ident.PrefixGroup)
	rec := doReq(t, router, "POST", "/groups", createObjectRequest{
		Group: &types.Group{ID: id, Root: id, Domain: "/home/tester/data.h5"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, dn.metaCache.IsDirty(id))

	failed := dn.syncOnce(ctx)
	assert.Zero(t, failed)
	assert.False(t, dn.metaCache.IsDirty(id))

	var g types.Group
	require.NoError(t, objstore.GetJSON(ctx, dn.store, ident.StoreKey(id), &g))
	assert.Equal(t, id, g.ID)

	// the flush also maintains the domain's collection listing
	listing, err := dn.store.Get(ctx, ident.IndexKey("/home/tester/data.h5", ident.CollectionGroups))
	require.NoError(t, err)
	assert.Contains(t, string(listing), id)

	rec = doReq(t, router, "DELETE", "/groups/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing, err = dn.store.Get(ctx, ident.IndexKey("/home/tester/data.h5", ident.CollectionGroups))
	require.NoError(t, err)
	assert.NotContains(t, string(listing), id)
}

func TestSyncerCompressesChunks(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()
	ctx := context.Background()

	desc := i32Desc([]int64{4})
	desc.CreationProperties.Filters = []types.Filter{{Class: types.FilterClassDeflate, Level: 5}}
	dsetID := ident.NewObjectID(ident.PrefixDataset)
	chunkID := ident.ChunkID(dsetID, []int64{0})

	rec := doReq(t, router, "PUT", chunkPath(t, chunkID, desc, ""), i32Bytes(1, 2, 3, 4))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	failed := dn.syncOnce(ctx)
	assert.Zero(t, failed)
	assert.False(t, dn.chunkCache.IsDirty(chunkID))

	stored, err := dn.store.Get(ctx, ident.StoreKey(chunkID))
	require.NoError(t, err)
	raw, err := array.Inflate(stored, 16)
	require.NoError(t, err)
	assert.Equal(t, i32Bytes(1, 2, 3, 4), raw)

	// a cold read decompresses through the same descriptor
	dn.chunkCache.Remove(chunkID)
	rec = doReq(t, router, "GET", chunkPath(t, chunkID, desc, "select=[1:3]"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, i32Bytes(2, 3), rec.Body.Bytes())
}

func TestSyncerRecordsChunkStats(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()
	ctx := context.Background()

	dsetID := ident.NewObjectID(ident.PrefixDataset)
	rec := doReq(t, router, "POST", "/datasets", createObjectRequest{
		Dataset: &types.Dataset{
			ID:     dsetID,
			Root:   ident.NewObjectID(ident.PrefixGroup),
			Domain: "/home/tester/data.h5",
			Type:   types.DataType{Class: types.TypeClassInteger, Base: "H5T_STD_I32LE"},
			Shape:  types.Shape{Class: types.ShapeClassSimple, Dims: []int64{4}},
			Layout: types.Layout{Class: "H5D_CHUNKED", Dims: []int64{4}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	chunkID := ident.ChunkID(dsetID, []int64{0})
	rec = doReq(t, router, "PUT", chunkPath(t, chunkID, i32Desc([]int64{4}), ""), i32Bytes(1, 2, 3, 4))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Zero(t, dn.syncOnce(ctx))

	rec = doReq(t, router, "GET", "/datasets/"+dsetID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decodeBody[types.Dataset](t, rec)
	assert.Equal(t, int64(1), d.ChunkCount)
	assert.Equal(t, int64(16), d.TotalSize)

	// the stats land in the same sweep's collection listing
	listing, err := dn.store.Get(ctx, ident.IndexKey("/home/tester/data.h5", ident.CollectionDatasets))
	require.NoError(t, err)
	var line string
	for _, l := range strings.Split(string(listing), "\n") {
		if strings.HasPrefix(l, dsetID) {
			line = l
		}
	}
	fields := strings.Fields(line)
	require.Len(t, fields, 6)
	assert.Equal(t, "1", fields[4])
	assert.Equal(t, "16", fields[5])

	// re-flushing the same chunk does not double-count
	rec = doReq(t, router, "PUT", chunkPath(t, chunkID, i32Desc([]int64{4}), ""), i32Bytes(5, 6, 7, 8))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Zero(t, dn.syncOnce(ctx))
	rec = doReq(t, router, "GET", "/datasets/"+dsetID, nil)
	d = decodeBody[types.Dataset](t, rec)
	assert.Equal(t, int64(1), d.ChunkCount)
	assert.Equal(t, int64(16), d.TotalSize)
}

func TestSyncerNotifiesCollaborator(t *testing.T) {
	dn := newTestDataNode(t)
	router := dn.Router()

	var mu sync.Mutex
	var notified []string
	an := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string][]string
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			mu.Lock()
			notified = append(notified, body["ids"]...)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(an.Close)
	config.Set("an_url", an.URL)

	id := ident.NewObjectID(ident.PrefixGroup)
	rec := doReq(t, router, "POST", "/groups", createObjectRequest{
		Group: &types.Group{ID: id, Root: id, Domain: "/home/tester/data.h5"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	desc := i32Desc([]int64{4})
	chunkID := ident.ChunkID(ident.NewObjectID(ident.PrefixDataset), []int64{0})
	rec = doReq(t, router, "PUT", chunkPath(t, chunkID, desc, ""), i32Bytes(1, 2, 3, 4))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Zero(t, dn.syncOnce(context.Background()))

	// flushed metadata objects and chunks are both reported
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, notified, id)
	assert.Contains(t, notified, chunkID)
}

func TestMisroutedRequest(t *testing.T) {
	dn := newTestDataNode(t)
	// pretend the cluster has many shards so some ids land elsewhere
	dn.node = cluster.NewNode(types.NodeTypeData, 5101)
	router := dn.Router()

	rec := doReq(t, router, "GET", "/groups/"+ident.NewObjectID(ident.PrefixGroup), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
