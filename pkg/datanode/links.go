package datanode

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/types"
)

// addLink inserts a link into the parent group, forwarding to the owning
// data node when the parent lives on another shard. Duplicate titles are a
// 409 either way.
func (dn *DataNode) addLink(ctx context.Context, parentID, title string, link types.Link) error {
	count := dn.node.DataNodeCount()
	if count == 0 {
		return cluster.Errorf(http.StatusServiceUnavailable, "cluster not ready")
	}
	if ident.Partition(parentID, count) == dn.node.NodeNumber() {
		return dn.putLinkLocal(ctx, parentID, title, link)
	}
	target, err := dn.node.DataNodeFor(parentID)
	if err != nil {
		return err
	}
	return dn.node.Client().PutJSON(ctx, target+"/groups/"+parentID+"/links/"+title, link, nil)
}

func (dn *DataNode) putLinkLocal(ctx context.Context, parentID, title string, link types.Link) error {
	obj, err := dn.loadMeta(ctx, parentID)
	if err != nil {
		return err
	}
	group, ok := obj.(*types.Group)
	if !ok {
		return cluster.Errorf(http.StatusBadRequest, "%s is not a group", parentID)
	}
	if _, exists := group.Links[title]; exists {
		return cluster.Errorf(http.StatusConflict, "link %s already exists", title)
	}
	if link.Created == 0 {
		link.Created = now()
	}
	group.Links[title] = link
	group.LastModified = now()
	return dn.storeMeta(parentID, group)
}

func (dn *DataNode) loadGroup(r *http.Request, ps httprouter.Params) (*types.Group, error) {
	id := ps.ByName("id")
	if err := ident.Validate(id); err != nil {
		return nil, cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	if err := dn.checkOwnership(id); err != nil {
		return nil, err
	}
	obj, err := dn.loadMeta(r.Context(), id)
	if err != nil {
		return nil, err
	}
	group, ok := obj.(*types.Group)
	if !ok {
		return nil, cluster.Errorf(http.StatusBadRequest, "%s is not a group", id)
	}
	return group, nil
}

func (dn *DataNode) handleListLinks(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	group, err := dn.loadGroup(r, ps)
	if err != nil {
		return err
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]any{"links": group.Links})
	return nil
}

func (dn *DataNode) handleGetLink(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	group, err := dn.loadGroup(r, ps)
	if err != nil {
		return err
	}
	link, ok := group.Links[ps.ByName("title")]
	if !ok {
		return cluster.Errorf(http.StatusNotFound, "link %s not found", ps.ByName("title"))
	}
	cluster.WriteJSON(w, http.StatusOK, link)
	return nil
}

func (dn *DataNode) handlePutLink(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	var link types.Link
	if err := json.NewDecoder(r.Body).Decode(&link); err != nil {
		return cluster.Errorf(http.StatusBadRequest, "invalid link body: %v", err)
	}
	switch link.Class {
	case types.LinkClassHard:
		if err := ident.Validate(link.ID); err != nil {
			return cluster.Errorf(http.StatusBadRequest, "hard link needs a valid id")
		}
	case types.LinkClassSoft, types.LinkClassExternal:
		if link.H5Path == "" {
			return cluster.Errorf(http.StatusBadRequest, "%s link needs h5path", link.Class)
		}
	default:
		return cluster.Errorf(http.StatusBadRequest, "unknown link class: %s", link.Class)
	}

	id := ps.ByName("id")
	if err := ident.Validate(id); err != nil {
		return cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	if err := dn.checkOwnership(id); err != nil {
		return err
	}
	if err := dn.putLinkLocal(r.Context(), id, ps.ByName("title"), link); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (dn *DataNode) handleDeleteLink(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	group, err := dn.loadGroup(r, ps)
	if err != nil {
		return err
	}
	title := ps.ByName("title")
	if _, ok := group.Links[title]; !ok {
		return cluster.Errorf(http.StatusNotFound, "link %s not found", title)
	}
	delete(group.Links, title)
	group.LastModified = now()
	if err := dn.storeMeta(group.ID, group); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}
