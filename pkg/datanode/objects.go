package datanode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/config"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/log"
	"github.com/stratumhq/strata/pkg/types"
)

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// loadMeta returns the decoded metadata object for id, reading through the
// cache. Tombstoned ids return 410. Concurrent misses for the same id are
// coalesced through the pending-reads map.
func (dn *DataNode) loadMeta(ctx context.Context, id string) (any, error) {
	if dn.metaCache.IsDeleted(id) {
		return nil, cluster.Errorf(http.StatusGone, "%s has been deleted", id)
	}
	if v, ok := dn.metaCache.Get(id); ok {
		return v, nil
	}

	started, done := dn.beginRead(id)
	if !started {
		// another fetch was in flight; it may have populated the cache
		if dn.metaCache.IsDeleted(id) {
			return nil, cluster.Errorf(http.StatusGone, "%s has been deleted", id)
		}
		if v, ok := dn.metaCache.Get(id); ok {
			return v, nil
		}
	} else {
		defer done()
	}

	data, err := dn.store.Get(ctx, ident.StoreKey(id))
	if err != nil {
		return nil, err
	}
	obj, err := decodeMeta(id, data)
	if err != nil {
		return nil, err
	}
	dn.metaCache.Add(id, obj, int64(len(data)))
	dn.noteDeflate(obj)
	return obj, nil
}

func decodeMeta(id string, data []byte) (any, error) {
	coll, err := ident.Collection(id)
	if err != nil {
		return nil, cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	var obj any
	switch coll {
	case ident.CollectionGroups:
		obj = &types.Group{}
	case ident.CollectionDatasets:
		obj = &types.Dataset{}
	case ident.CollectionDatatypes:
		obj = &types.Datatype{}
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("corrupt object %s: %w", id, err)
	}
	return obj, nil
}

// storeMeta installs obj in the cache and marks it dirty for the syncer.
func (dn *DataNode) storeMeta(id string, obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", id, err)
	}
	dn.metaCache.Add(id, obj, int64(len(data)))
	dn.metaCache.SetDirty(id)
	dn.noteDeflate(obj)
	return nil
}

// noteDeflate records a dataset's deflate level so the syncer can compress
// its chunks without refetching the dataset.
func (dn *DataNode) noteDeflate(obj any) {
	dset, ok := obj.(*types.Dataset)
	if !ok {
		return
	}
	level := dset.DeflateLevel()
	dn.mu.Lock()
	defer dn.mu.Unlock()
	if level >= 0 {
		dn.deflateMap[dset.ID] = level
	}
}

// createObjectRequest is the body of POST /groups|datasets|datatypes. The
// service node builds the object; the data node assigns timestamps and,
// when a link spec is present, atomically links it into the parent group.
type createObjectRequest struct {
	Group    *types.Group    `json:"group,omitempty"`
	Dataset  *types.Dataset  `json:"dataset,omitempty"`
	Datatype *types.Datatype `json:"datatype,omitempty"`
	Link     *linkSpec       `json:"link,omitempty"`
}

type linkSpec struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (dn *DataNode) handleCreateObject(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	var req createObjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return cluster.Errorf(http.StatusBadRequest, "invalid create body: %v", err)
	}

	var id string
	var obj any
	ts := now()
	switch {
	case req.Group != nil:
		g := req.Group
		g.Created, g.LastModified = ts, ts
		if g.Links == nil {
			g.Links = map[string]types.Link{}
		}
		if g.Attributes == nil {
			g.Attributes = map[string]types.Attribute{}
		}
		id, obj = g.ID, g
	case req.Dataset != nil:
		d := req.Dataset
		d.Created, d.LastModified = ts, ts
		if d.Attributes == nil {
			d.Attributes = map[string]types.Attribute{}
		}
		id, obj = d.ID, d
	case req.Datatype != nil:
		t := req.Datatype
		t.Created, t.LastModified = ts, ts
		if t.Attributes == nil {
			t.Attributes = map[string]types.Attribute{}
		}
		id, obj = t.ID, t
	default:
		return cluster.Errorf(http.StatusBadRequest, "create body names no object")
	}

	if err := ident.Validate(id); err != nil {
		return cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	if err := dn.checkOwnership(id); err != nil {
		return err
	}
	if _, ok := dn.metaCache.Get(id); ok {
		return cluster.Errorf(http.StatusConflict, "%s already exists", id)
	}

	// link into the parent first so a 409 duplicate aborts the create
	// before any state is installed
	if req.Link != nil {
		coll, _ := ident.Collection(id)
		link := types.Link{Class: types.LinkClassHard, ID: id, Collection: coll, Created: ts}
		if err := dn.addLink(r.Context(), req.Link.ID, req.Link.Name, link); err != nil {
			return err
		}
	}

	if err := dn.storeMeta(id, obj); err != nil {
		return err
	}
	log.WithObjectID(id).Debug().Msg("object created")
	cluster.WriteJSON(w, http.StatusCreated, obj)
	return nil
}

func (dn *DataNode) handleGetObject(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	id := ps.ByName("id")
	if err := ident.Validate(id); err != nil {
		return cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	if err := dn.checkOwnership(id); err != nil {
		return err
	}
	obj, err := dn.loadMeta(r.Context(), id)
	if err != nil {
		return err
	}
	cluster.WriteJSON(w, http.StatusOK, obj)
	return nil
}

func (dn *DataNode) handleDeleteObject(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	id := ps.ByName("id")
	if err := ident.Validate(id); err != nil {
		return cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	if err := dn.checkOwnership(id); err != nil {
		return err
	}
	obj, err := dn.loadMeta(r.Context(), id)
	if err != nil {
		return err
	}

	dn.metaCache.MarkDeleted(id)
	dn.mu.Lock()
	delete(dn.deflateMap, id)
	dn.mu.Unlock()
	if err := dn.store.Delete(r.Context(), ident.StoreKey(id)); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	dn.removeFromIndex(r.Context(), obj)
	dn.notifyGC(r.Context(), http.MethodDelete, []string{id})
	log.WithObjectID(id).Debug().Msg("object deleted")

	cluster.WriteJSON(w, http.StatusOK, map[string]string{"id": id})
	return nil
}

// notifyGC sends a best-effort object notification to the async GC
// collaborator, if one is configured. Failures are logged and ignored.
func (dn *DataNode) notifyGC(ctx context.Context, method string, ids []string) {
	if len(ids) == 0 {
		return
	}
	anURL := dn.gcURL()
	if anURL == "" {
		return
	}
	body := map[string][]string{"ids": ids}
	var err error
	if method == http.MethodDelete {
		data, _ := json.Marshal(body)
		_, err = dn.node.Client().Do(ctx, http.MethodDelete, anURL+"/objects", "application/json", data)
	} else {
		err = dn.node.Client().PutJSON(ctx, anURL+"/objects", body, nil)
	}
	if err != nil {
		log.WithComponent("datanode").Debug().Err(err).Msg("gc notify failed")
	}
}

// gcURL returns the async GC base URL, or "" when none is configured.
func (dn *DataNode) gcURL() string {
	return config.Get("an_url")
}
