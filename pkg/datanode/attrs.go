package datanode

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/types"
)

// attributed is satisfied by every object kind that carries attributes.
type attributed interface {
	attrs() map[string]types.Attribute
	touch(ts float64)
}

type groupAttrs struct{ *types.Group }

func (g groupAttrs) attrs() map[string]types.Attribute { return g.Attributes }
func (g groupAttrs) touch(ts float64)                  { g.LastModified = ts }

type datasetAttrs struct{ *types.Dataset }

func (d datasetAttrs) attrs() map[string]types.Attribute { return d.Attributes }
func (d datasetAttrs) touch(ts float64)                  { d.LastModified = ts }

type datatypeAttrs struct{ *types.Datatype }

func (t datatypeAttrs) attrs() map[string]types.Attribute { return t.Attributes }
func (t datatypeAttrs) touch(ts float64)                  { t.LastModified = ts }

// loadAttributed loads the object at :id and adapts it for attribute access.
// The raw object is returned alongside so mutations can be re-stored.
func (dn *DataNode) loadAttributed(r *http.Request, ps httprouter.Params) (string, any, attributed, error) {
	id := ps.ByName("id")
	if err := ident.Validate(id); err != nil {
		return "", nil, nil, cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	if err := dn.checkOwnership(id); err != nil {
		return "", nil, nil, err
	}
	obj, err := dn.loadMeta(r.Context(), id)
	if err != nil {
		return "", nil, nil, err
	}
	switch o := obj.(type) {
	case *types.Group:
		return id, obj, groupAttrs{o}, nil
	case *types.Dataset:
		return id, obj, datasetAttrs{o}, nil
	case *types.Datatype:
		return id, obj, datatypeAttrs{o}, nil
	}
	return "", nil, nil, cluster.Errorf(http.StatusBadRequest, "%s has no attributes", id)
}

func (dn *DataNode) handleListAttributes(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	_, _, obj, err := dn.loadAttributed(r, ps)
	if err != nil {
		return err
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]any{"attributes": obj.attrs()})
	return nil
}

func (dn *DataNode) handleGetAttribute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	_, _, obj, err := dn.loadAttributed(r, ps)
	if err != nil {
		return err
	}
	attr, ok := obj.attrs()[ps.ByName("name")]
	if !ok {
		return cluster.Errorf(http.StatusNotFound, "attribute %s not found", ps.ByName("name"))
	}
	cluster.WriteJSON(w, http.StatusOK, attr)
	return nil
}

func (dn *DataNode) handlePutAttribute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	var attr types.Attribute
	if err := json.NewDecoder(r.Body).Decode(&attr); err != nil {
		return cluster.Errorf(http.StatusBadRequest, "invalid attribute body: %v", err)
	}
	id, raw, obj, err := dn.loadAttributed(r, ps)
	if err != nil {
		return err
	}
	ts := now()
	attr.Created = ts
	obj.attrs()[ps.ByName("name")] = attr
	obj.touch(ts)
	if err := dn.storeMeta(id, raw); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (dn *DataNode) handleDeleteAttribute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	id, raw, obj, err := dn.loadAttributed(r, ps)
	if err != nil {
		return err
	}
	name := ps.ByName("name")
	if _, ok := obj.attrs()[name]; !ok {
		return cluster.Errorf(http.StatusNotFound, "attribute %s not found", name)
	}
	delete(obj.attrs(), name)
	obj.touch(now())
	if err := dn.storeMeta(id, raw); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}
