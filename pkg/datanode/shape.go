package datanode

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/types"
)

// handleResize extends a dataset's shape. Dimensions only grow, and only
// within maxdims; a maxdim of zero means unlimited.
func (dn *DataNode) handleResize(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	id := ps.ByName("id")
	if err := ident.Validate(id); err != nil {
		return cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	if err := dn.checkOwnership(id); err != nil {
		return err
	}

	var req struct {
		Shape []int64 `json:"shape"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return cluster.Errorf(http.StatusBadRequest, "invalid shape body: %v", err)
	}

	obj, err := dn.loadMeta(r.Context(), id)
	if err != nil {
		return err
	}
	dset, ok := obj.(*types.Dataset)
	if !ok {
		return cluster.Errorf(http.StatusBadRequest, "%s is not a dataset", id)
	}
	if dset.Shape.Class != types.ShapeClassSimple || len(dset.Shape.MaxDims) == 0 {
		return cluster.Errorf(http.StatusBadRequest, "%s is not resizable", id)
	}
	if len(req.Shape) != len(dset.Shape.Dims) {
		return cluster.Errorf(http.StatusBadRequest, "shape rank %d does not match dataset rank %d",
			len(req.Shape), len(dset.Shape.Dims))
	}
	for i, d := range req.Shape {
		if d < dset.Shape.Dims[i] {
			return cluster.Errorf(http.StatusBadRequest, "dimension %d cannot shrink", i)
		}
		if i < len(dset.Shape.MaxDims) {
			if max := dset.Shape.MaxDims[i]; max > 0 && d > max {
				return cluster.Errorf(http.StatusBadRequest, "dimension %d exceeds maxdims", i)
			}
		}
	}

	dset.Shape.Dims = req.Shape
	dset.LastModified = now()
	if err := dn.storeMeta(id, dset); err != nil {
		return err
	}
	cluster.WriteJSON(w, http.StatusCreated, map[string]any{"shape": dset.Shape})
	return nil
}
