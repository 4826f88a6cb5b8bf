package headnode

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/config"
	"github.com/stratumhq/strata/pkg/log"
	"github.com/stratumhq/strata/pkg/metrics"
	"github.com/stratumhq/strata/pkg/objstore"
	"github.com/stratumhq/strata/pkg/types"
)

// headKey is the well-known store key advertising the head node URL, so
// external tooling can find the cluster from the bucket alone.
const headKey = "headnode"

// Head runs the rendezvous service.
type Head struct {
	id       string
	registry *Registry
	store    objstore.Client
	client   *cluster.Client
	start    time.Time
}

// New builds a head node over the given store.
func New(store objstore.Client) *Head {
	return &Head{
		id:       string(types.NodeTypeHead) + "-" + uuid.NewString(),
		registry: NewRegistry(config.GetInt("target_sn_count"), config.GetInt("target_dn_count")),
		store:    store,
		client:   cluster.NewClient(config.GetDuration("timeout")),
		start:    time.Now(),
	}
}

// Registry exposes the slot table, mainly for tests.
func (h *Head) Registry() *Registry {
	return h.registry
}

// Router returns the head node's HTTP API.
func (h *Head) Router() http.Handler {
	router := httprouter.New()
	router.POST("/register", h.handleRegister)
	router.GET("/nodestate", h.handleNodeState)
	router.GET("/info", h.handleInfo)
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())
	return router
}

func (h *Head) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cluster.WriteError(w, cluster.Errorf(http.StatusBadRequest, "invalid register body: %v", err))
		return
	}
	if req.ID == "" || req.Port == 0 {
		cluster.WriteError(w, cluster.Errorf(http.StatusBadRequest, "register needs id and port"))
		return
	}
	if req.Host == "" {
		req.Host, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	resp, err := h.registry.Register(req)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func (h *Head) handleNodeState(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cluster.WriteJSON(w, http.StatusOK, h.registry.State())
}

func (h *Head) handleInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	state := types.NodeStateWaiting
	if h.registry.State().ClusterState == types.ClusterStateReady {
		state = types.NodeStateReady
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.InfoResponse{
		ID:        h.id,
		NodeType:  types.NodeTypeHead,
		State:     state,
		Version:   cluster.Version,
		StartTime: h.start,
		UpTime:    time.Since(h.start).Seconds(),
	})
}

// Run advertises the head URL in the store and health-checks workers every
// head_sleep_time until ctx is cancelled.
func (h *Head) Run(ctx context.Context) error {
	headURL := fmt.Sprintf("http://%s:%s", config.Get("head_host"), config.Get("head_port"))
	if _, err := objstore.PutJSON(ctx, h.store, headKey, map[string]string{"head_url": headURL}); err != nil {
		return fmt.Errorf("failed to advertise head url: %w", err)
	}

	interval := config.GetDuration("head_sleep_time")
	logger := log.WithComponent("headnode")
	logger.Info().Str("head_url", headURL).Msg("head node running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
			h.checkNodes(ctx)
		}
	}
}

// checkNodes probes each worker's /info endpoint and reports the outcome to
// the registry.
func (h *Head) checkNodes(ctx context.Context) {
	for _, node := range h.registry.ActiveNodes() {
		url := fmt.Sprintf("http://%s:%d/info", node.Host, node.Port)
		var info cluster.InfoResponse
		err := h.client.GetJSON(ctx, url, &info)
		if err == nil && info.ID != node.ID {
			err = fmt.Errorf("node at %s reports id %s, expected %s", url, info.ID, node.ID)
		}
		if err != nil {
			h.registry.ReportFailure(node.ID)
			continue
		}
		h.registry.ReportSuccess(node.ID)
	}
}
