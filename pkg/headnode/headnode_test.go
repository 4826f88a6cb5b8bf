package headnode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/config"
	"github.com/stratumhq/strata/pkg/objstore"
	"github.com/stratumhq/strata/pkg/types"
)

func TestRegisterAssignsSlots(t *testing.T) {
	r := NewRegistry(1, 2)

	resp, err := r.Register(cluster.RegisterRequest{ID: "dn-a", Host: "h", Port: 1, NodeType: types.NodeTypeData})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.NodeNumber)
	assert.Equal(t, types.ClusterStateInitializing, resp.ClusterState)

	resp, err = r.Register(cluster.RegisterRequest{ID: "dn-b", Host: "h", Port: 2, NodeType: types.NodeTypeData})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.NodeNumber)

	// re-register keeps the slot
	resp, err = r.Register(cluster.RegisterRequest{ID: "dn-a", Host: "h", Port: 1, NodeType: types.NodeTypeData})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.NodeNumber)

	resp, err = r.Register(cluster.RegisterRequest{ID: "sn-a", Host: "h", Port: 3, NodeType: types.NodeTypeService})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.NodeNumber)
	assert.Equal(t, types.ClusterStateReady, resp.ClusterState)

	// table is full
	_, err = r.Register(cluster.RegisterRequest{ID: "dn-c", Host: "h", Port: 4, NodeType: types.NodeTypeData})
	assert.Equal(t, http.StatusServiceUnavailable, cluster.CodeOf(err))

	_, err = r.Register(cluster.RegisterRequest{ID: "x-a", Host: "h", Port: 5, NodeType: types.NodeType("mystery")})
	assert.Equal(t, http.StatusBadRequest, cluster.CodeOf(err))
}

func TestFailureSweep(t *testing.T) {
	r := NewRegistry(0, 1)
	_, err := r.Register(cluster.RegisterRequest{ID: "dn-a", Host: "h", Port: 1, NodeType: types.NodeTypeData})
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStateReady, r.State().ClusterState)

	assert.False(t, r.ReportFailure("dn-a"))
	r.ReportSuccess("dn-a") // a good check resets the count
	assert.False(t, r.ReportFailure("dn-a"))
	assert.False(t, r.ReportFailure("dn-a"))
	assert.True(t, r.ReportFailure("dn-a"))

	state := r.State()
	assert.Equal(t, types.ClusterStateInitializing, state.ClusterState)
	assert.Empty(t, state.Nodes)

	// the freed slot goes to the next registrant
	resp, err := r.Register(cluster.RegisterRequest{ID: "dn-b", Host: "h", Port: 2, NodeType: types.NodeTypeData})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.NodeNumber)
}

func TestRegisterEndpoint(t *testing.T) {
	config.Reset()
	defer config.Reset()
	config.Set("target_sn_count", "1")
	config.Set("target_dn_count", "1")

	h := New(objstore.NewMemory())
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	body := `{"id": "dn-a", "host": "worker1", "port": 5101, "node_type": "dn"}`
	resp, err := http.Post(srv.URL+"/register", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reg cluster.RegisterResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	assert.Equal(t, 0, reg.NodeNumber)

	stateResp, err := http.Get(srv.URL + "/nodestate")
	require.NoError(t, err)
	defer stateResp.Body.Close()
	var state cluster.StateResponse
	require.NoError(t, json.NewDecoder(stateResp.Body).Decode(&state))
	require.Len(t, state.Nodes, 1)
	assert.Equal(t, "worker1", state.Nodes[0].Host)

	// missing id is rejected
	resp, err = http.Post(srv.URL+"/register", "application/json", strings.NewReader(`{"port": 1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunAdvertisesHeadURL(t *testing.T) {
	config.Reset()
	defer config.Reset()
	config.Set("head_host", "headhost")
	config.Set("head_port", "5100")

	store := objstore.NewMemory()
	h := New(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // run a single iteration
	require.NoError(t, h.Run(ctx))

	var ad map[string]string
	require.NoError(t, objstore.GetJSON(context.Background(), store, "headnode", &ad))
	assert.Equal(t, "http://headhost:5100", ad["head_url"])
}
