// Package headnode implements the cluster rendezvous: workers register here,
// get assigned a slot number, and poll back for the cluster view. The head
// node health-checks every registered worker and frees the slot of any that
// stops answering.
package headnode

import (
	"net/http"
	"sync"

	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/log"
	"github.com/stratumhq/strata/pkg/metrics"
	"github.com/stratumhq/strata/pkg/types"
)

// maxMissedChecks is how many consecutive failed health checks a worker may
// accumulate before its slot is reclaimed.
const maxMissedChecks = 3

type slot struct {
	info     types.NodeInfo
	active   bool
	failures int
}

// Registry tracks the fixed slot table for each worker role.
type Registry struct {
	mu    sync.Mutex
	slots map[types.NodeType][]*slot
}

// NewRegistry allocates empty slot tables of the configured sizes.
func NewRegistry(targetSN, targetDN int) *Registry {
	r := &Registry{slots: map[types.NodeType][]*slot{}}
	r.slots[types.NodeTypeService] = make([]*slot, targetSN)
	r.slots[types.NodeTypeData] = make([]*slot, targetDN)
	for _, table := range r.slots {
		for i := range table {
			table[i] = &slot{}
		}
	}
	return r
}

// Register assigns the worker a slot. A re-register from a node that already
// holds a slot keeps it; otherwise the first free slot of the role is used.
func (r *Registry) Register(req cluster.RegisterRequest) (cluster.RegisterResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.slots[req.NodeType]
	if !ok {
		return cluster.RegisterResponse{}, cluster.Errorf(http.StatusBadRequest, "unknown node type: %s", req.NodeType)
	}

	assigned := -1
	for i, s := range table {
		if s.active && s.info.ID == req.ID {
			assigned = i
			break
		}
	}
	if assigned < 0 {
		for i, s := range table {
			if !s.active {
				assigned = i
				break
			}
		}
	}
	if assigned < 0 {
		return cluster.RegisterResponse{}, cluster.Errorf(http.StatusServiceUnavailable,
			"all %s slots are taken", req.NodeType)
	}

	table[assigned] = &slot{
		info: types.NodeInfo{
			ID:         req.ID,
			Host:       req.Host,
			Port:       req.Port,
			NodeType:   req.NodeType,
			NodeNumber: assigned,
		},
		active: true,
	}
	r.updateGauges()
	log.WithNodeID(req.ID).Info().
		Str("node_type", string(req.NodeType)).
		Int("node_number", assigned).
		Msg("node registered")
	return cluster.RegisterResponse{
		NodeNumber:   assigned,
		ClusterState: r.clusterState(),
	}, nil
}

// State returns the cluster view for /nodestate.
func (r *Registry) State() cluster.StateResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp := cluster.StateResponse{ClusterState: r.clusterState()}
	for _, nodeType := range []types.NodeType{types.NodeTypeService, types.NodeTypeData} {
		for _, s := range r.slots[nodeType] {
			if s.active {
				resp.Nodes = append(resp.Nodes, s.info)
			}
		}
	}
	return resp
}

func (r *Registry) clusterState() types.ClusterState {
	for _, table := range r.slots {
		for _, s := range table {
			if !s.active {
				return types.ClusterStateInitializing
			}
		}
	}
	return types.ClusterStateReady
}

// ActiveNodes returns the info of every live worker.
func (r *Registry) ActiveNodes() []types.NodeInfo {
	return r.State().Nodes
}

// ReportFailure records a failed health check, reclaiming the slot after
// maxMissedChecks consecutive misses. Returns true if the slot was freed.
func (r *Registry) ReportFailure(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, table := range r.slots {
		for _, s := range table {
			if s.active && s.info.ID == id {
				s.failures++
				if s.failures >= maxMissedChecks {
					log.WithNodeID(id).Warn().
						Int("node_number", s.info.NodeNumber).
						Msg("node unresponsive, freeing slot")
					s.active = false
					s.failures = 0
					r.updateGauges()
					return true
				}
				return false
			}
		}
	}
	return false
}

// ReportSuccess clears the failure count after a good health check.
func (r *Registry) ReportSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, table := range r.slots {
		for _, s := range table {
			if s.active && s.info.ID == id {
				s.failures = 0
				return
			}
		}
	}
}

func (r *Registry) updateGauges() {
	for nodeType, table := range r.slots {
		active := 0
		for _, s := range table {
			if s.active {
				active++
			}
		}
		metrics.ClusterNodes.WithLabelValues(string(nodeType)).Set(float64(active))
	}
}
