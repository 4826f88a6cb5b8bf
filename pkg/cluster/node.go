// Package cluster provides the pieces shared by every node role: the error
// taxonomy, node-to-node HTTP plumbing, the registration and health protocol
// spoken with the head node, and common server scaffolding.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratumhq/strata/pkg/config"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/log"
	"github.com/stratumhq/strata/pkg/types"
)

// RegisterRequest is sent to the head node by a starting worker.
type RegisterRequest struct {
	ID       string         `json:"id"`
	Host     string         `json:"host"`
	Port     int            `json:"port"`
	NodeType types.NodeType `json:"node_type"`
}

// RegisterResponse returns the worker's slot assignment.
type RegisterResponse struct {
	NodeNumber   int                `json:"node_number"`
	ClusterState types.ClusterState `json:"cluster_state"`
}

// StateResponse is the head node's cluster view.
type StateResponse struct {
	ClusterState types.ClusterState `json:"cluster_state"`
	Nodes        []types.NodeInfo   `json:"nodes"`
}

// Node tracks a worker's identity, lifecycle state, and its view of the
// cluster's peer tables. Run keeps the view current by polling the head node.
type Node struct {
	mu    sync.RWMutex
	info  types.NodeInfo
	state types.NodeState

	headURL string
	snURLs  map[int]string
	dnURLs  map[int]string

	client *Client
}

// NewNode builds a node of the given role listening on port.
func NewNode(nodeType types.NodeType, port int) *Node {
	return &Node{
		info: types.NodeInfo{
			ID:         string(nodeType) + "-" + uuid.NewString(),
			Host:       config.Get("head_host"),
			Port:       port,
			NodeType:   nodeType,
			NodeNumber: -1,
		},
		state:   types.NodeStateInitializing,
		headURL: fmt.Sprintf("http://%s:%s", config.Get("head_host"), config.Get("head_port")),
		snURLs:  map[int]string{},
		dnURLs:  map[int]string{},
		client:  NewClient(config.GetDuration("timeout")),
	}
}

// Info returns the node's identity record.
func (n *Node) Info() types.NodeInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info
}

// State returns the current lifecycle state.
func (n *Node) State() types.NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Ready reports whether the node is serving.
func (n *Node) Ready() bool {
	return n.State() == types.NodeStateReady
}

// NodeNumber returns the slot assigned by the head node, or -1 before
// registration.
func (n *Node) NodeNumber() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info.NodeNumber
}

// DataNodeCount returns the number of registered data nodes.
func (n *Node) DataNodeCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.dnURLs)
}

// DataNodeURL returns the base URL of data node slot i.
func (n *Node) DataNodeURL(i int) (string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	url, ok := n.dnURLs[i]
	if !ok {
		return "", Errorf(503, "data node %d is not available", i)
	}
	return url, nil
}

// DataNodeFor returns the base URL of the data node owning id.
func (n *Node) DataNodeFor(id string) (string, error) {
	n.mu.RLock()
	count := len(n.dnURLs)
	n.mu.RUnlock()
	if count == 0 {
		return "", Errorf(503, "no data nodes available")
	}
	return n.DataNodeURL(ident.Partition(id, count))
}

// Client returns the node-to-node HTTP client.
func (n *Node) Client() *Client {
	return n.client
}

// HeadURL returns the head node base URL.
func (n *Node) HeadURL() string {
	return n.headURL
}

// Run drives the registration and health loop until ctx is cancelled. The
// node registers, then polls the head node's state every node_sleep_time,
// re-registering whenever its slot has been given away.
func (n *Node) Run(ctx context.Context) {
	logger := log.WithNodeID(n.info.ID)
	interval := config.GetDuration("node_sleep_time")
	for {
		if err := n.tick(ctx); err != nil {
			logger.Warn().Err(err).Msg("health check failed")
			n.setState(types.NodeStateInitializing)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Sync performs one register-and-refresh cycle immediately, outside the Run
// loop. Useful at startup and in tests.
func (n *Node) Sync(ctx context.Context) error {
	return n.tick(ctx)
}

func (n *Node) tick(ctx context.Context) error {
	if n.State() == types.NodeStateInitializing {
		if err := n.register(ctx); err != nil {
			return err
		}
	}
	return n.refresh(ctx)
}

func (n *Node) register(ctx context.Context) error {
	n.mu.RLock()
	req := RegisterRequest{
		ID:       n.info.ID,
		Host:     n.info.Host,
		Port:     n.info.Port,
		NodeType: n.info.NodeType,
	}
	n.mu.RUnlock()

	var resp RegisterResponse
	if err := n.client.PostJSON(ctx, n.headURL+"/register", req, &resp); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	n.mu.Lock()
	n.info.NodeNumber = resp.NodeNumber
	n.state = types.NodeStateWaiting
	n.mu.Unlock()
	log.WithNodeID(req.ID).Info().
		Int("node_number", resp.NodeNumber).
		Str("node_type", string(req.NodeType)).
		Msg("registered with head node")
	return nil
}

// refresh pulls the cluster view and rebuilds the peer URL tables. Finding
// another node in our slot means the head node declared us dead, so we drop
// back to INITIALIZING and re-register on the next tick.
func (n *Node) refresh(ctx context.Context) error {
	var resp StateResponse
	if err := n.client.GetJSON(ctx, n.headURL+"/nodestate", &resp); err != nil {
		return fmt.Errorf("failed to fetch cluster state: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	snURLs := map[int]string{}
	dnURLs := map[int]string{}
	slotOK := false
	for _, node := range resp.Nodes {
		url := fmt.Sprintf("http://%s:%d", node.Host, node.Port)
		switch node.NodeType {
		case types.NodeTypeService:
			snURLs[node.NodeNumber] = url
		case types.NodeTypeData:
			dnURLs[node.NodeNumber] = url
		}
		if node.ID == n.info.ID && node.NodeNumber == n.info.NodeNumber {
			slotOK = true
		}
	}
	if !slotOK {
		n.state = types.NodeStateInitializing
		return fmt.Errorf("slot %d no longer assigned to this node", n.info.NodeNumber)
	}
	n.snURLs = snURLs
	n.dnURLs = dnURLs
	if resp.ClusterState == types.ClusterStateReady {
		n.state = types.NodeStateReady
	} else {
		n.state = types.NodeStateWaiting
	}
	return nil
}

func (n *Node) setState(s types.NodeState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}
