package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/strata/pkg/auth"
	"github.com/stratumhq/strata/pkg/cache"
	"github.com/stratumhq/strata/pkg/config"
	"github.com/stratumhq/strata/pkg/objstore"
	"github.com/stratumhq/strata/pkg/types"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, 200, CodeOf(nil))
	assert.Equal(t, 410, CodeOf(Errorf(410, "gone")))
	assert.Equal(t, 410, CodeOf(fmt.Errorf("wrapped: %w", Errorf(410, "gone"))))
	assert.Equal(t, 404, CodeOf(fmt.Errorf("key: %w", objstore.ErrNotFound)))
	assert.Equal(t, 401, CodeOf(fmt.Errorf("denied: %w", auth.ErrUnauthorized)))
	assert.Equal(t, 503, CodeOf(fmt.Errorf("busy: %w", cache.ErrFull)))
	assert.Equal(t, 500, CodeOf(errors.New("anything else")))
}

func TestClientStatusPropagation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, Errorf(http.StatusConflict, "already exists"))
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	err := c.GetJSON(context.Background(), srv.URL, &struct{}{})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, CodeOf(err))
	assert.Contains(t, err.Error(), "already exists")
}

func TestClientJSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		WriteJSON(w, http.StatusOK, map[string]string{"echo": in["msg"]})
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	var out map[string]string
	err := c.PostJSON(context.Background(), srv.URL, map[string]string{"msg": "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["echo"])
}

func pointHead(t *testing.T, headURL string) {
	t.Helper()
	u, err := url.Parse(headURL)
	require.NoError(t, err)
	config.Set("head_host", u.Hostname())
	config.Set("head_port", u.Port())
}

func TestNodeLifecycle(t *testing.T) {
	config.Reset()
	defer config.Reset()

	var registered RegisterRequest
	head := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/register":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&registered))
			WriteJSON(w, http.StatusOK, RegisterResponse{
				NodeNumber:   1,
				ClusterState: types.ClusterStateInitializing,
			})
		case "/nodestate":
			WriteJSON(w, http.StatusOK, StateResponse{
				ClusterState: types.ClusterStateReady,
				Nodes: []types.NodeInfo{
					{ID: "dn-other", Host: "localhost", Port: 9999, NodeType: types.NodeTypeData, NodeNumber: 0},
					{ID: registered.ID, Host: registered.Host, Port: registered.Port, NodeType: types.NodeTypeData, NodeNumber: 1},
					{ID: "sn-one", Host: "localhost", Port: 9998, NodeType: types.NodeTypeService, NodeNumber: 0},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer head.Close()
	pointHead(t, head.URL)

	n := NewNode(types.NodeTypeData, 5101)
	require.NoError(t, n.tick(context.Background()))

	assert.Equal(t, types.NodeStateReady, n.State())
	assert.Equal(t, 1, n.NodeNumber())
	assert.Equal(t, 2, n.DataNodeCount())

	dn0, err := n.DataNodeURL(0)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999", dn0)

	_, err = n.DataNodeURL(5)
	assert.Equal(t, 503, CodeOf(err))

	// the owner of any id must be one of the two registered data nodes
	dn1, err := n.DataNodeURL(1)
	require.NoError(t, err)
	target, err := n.DataNodeFor("g-12345678-1234-1234-1234-123456789abc")
	require.NoError(t, err)
	assert.Contains(t, []string{dn0, dn1}, target)
}

func TestNodeSlotRevoked(t *testing.T) {
	config.Reset()
	defer config.Reset()

	head := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/register":
			WriteJSON(w, http.StatusOK, RegisterResponse{NodeNumber: 0})
		case "/nodestate":
			// the slot belongs to someone else now
			WriteJSON(w, http.StatusOK, StateResponse{
				ClusterState: types.ClusterStateReady,
				Nodes: []types.NodeInfo{
					{ID: "dn-usurper", Host: "localhost", Port: 9999, NodeType: types.NodeTypeData, NodeNumber: 0},
				},
			})
		}
	}))
	defer head.Close()
	pointHead(t, head.URL)

	n := NewNode(types.NodeTypeData, 5101)
	err := n.tick(context.Background())
	assert.Error(t, err)
	assert.Equal(t, types.NodeStateInitializing, n.State())
}

func TestInfoHandler(t *testing.T) {
	config.Reset()
	defer config.Reset()

	n := NewNode(types.NodeTypeService, 5102)
	h := InfoHandler(n, time.Now().Add(-time.Minute))

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/info", nil), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info InfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, types.NodeTypeService, info.NodeType)
	assert.Equal(t, types.NodeStateInitializing, info.State)
	assert.Equal(t, Version, info.Version)
	assert.Greater(t, info.UpTime, 59.0)
}
