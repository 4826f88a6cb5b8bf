// Package datanode implements the worker that owns a shard of the id space:
// authoritative caches for metadata objects and chunks, the low-level REST
// API over objects, domains, links, attributes, and chunks, and the
// background syncer that persists dirty entries to the object store.
package datanode

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/stratumhq/strata/pkg/cache"
	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/config"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/metrics"
	"github.com/stratumhq/strata/pkg/objstore"
	"github.com/stratumhq/strata/pkg/types"
)

// pendingWait caps how long a request waits on another in-flight store
// operation for the same key before proceeding on its own.
const pendingWait = 2 * time.Second

// DataNode is one shard owner.
type DataNode struct {
	node  *cluster.Node
	store objstore.Client

	metaCache  *cache.Cache
	chunkCache *cache.Cache

	mu           sync.Mutex
	deflateMap   map[string]int         // dataset id -> deflate level
	chunkLocks   map[string]*sync.Mutex // chunk id -> payload lock
	chunkSizes   map[string]int64       // chunk id -> stored bytes at last flush
	pendingReads map[string]chan struct{}
	activeTasks  int

	start time.Time
}

// New builds a data node over the given store.
func New(store objstore.Client) *DataNode {
	return &DataNode{
		node:         cluster.NewNode(types.NodeTypeData, config.GetInt("dn_port")),
		store:        store,
		metaCache:    cache.New(config.GetInt64("metadata_mem_cache")),
		chunkCache:   cache.New(config.GetInt64("chunk_mem_cache")),
		deflateMap:   map[string]int{},
		chunkLocks:   map[string]*sync.Mutex{},
		chunkSizes:   map[string]int64{},
		pendingReads: map[string]chan struct{}{},
		start:        time.Now(),
	}
}

// Node exposes the cluster state, mainly for tests.
func (dn *DataNode) Node() *cluster.Node {
	return dn.node
}

// Run drives the health loop and the background syncer until ctx is
// cancelled.
func (dn *DataNode) Run(ctx context.Context) {
	go dn.runSyncer(ctx)
	dn.node.Run(ctx)
}

// Router returns the DN's internal REST API.
func (dn *DataNode) Router() http.Handler {
	router := httprouter.New()
	router.GET("/info", cluster.InfoHandler(dn.node, dn.start))
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())

	router.GET("/domains", dn.guard(dn.handleGetDomain))
	router.PUT("/domains", dn.guard(dn.handlePutDomain))
	router.DELETE("/domains", dn.guard(dn.handleDeleteDomain))
	router.PUT("/acls/:user", dn.guard(dn.handlePutACL))

	for _, coll := range []string{"groups", "datasets", "datatypes"} {
		router.POST("/"+coll, dn.guard(dn.handleCreateObject))
		router.GET("/"+coll+"/:id", dn.guard(dn.handleGetObject))
		router.DELETE("/"+coll+"/:id", dn.guard(dn.handleDeleteObject))
		router.GET("/"+coll+"/:id/attributes", dn.guard(dn.handleListAttributes))
		router.GET("/"+coll+"/:id/attributes/:name", dn.guard(dn.handleGetAttribute))
		router.PUT("/"+coll+"/:id/attributes/:name", dn.guard(dn.handlePutAttribute))
		router.DELETE("/"+coll+"/:id/attributes/:name", dn.guard(dn.handleDeleteAttribute))
	}
	router.GET("/groups/:id/links", dn.guard(dn.handleListLinks))
	router.GET("/groups/:id/links/:title", dn.guard(dn.handleGetLink))
	router.PUT("/groups/:id/links/:title", dn.guard(dn.handlePutLink))
	router.DELETE("/groups/:id/links/:title", dn.guard(dn.handleDeleteLink))
	router.PUT("/datasets/:id/shape", dn.guard(dn.handleResize))

	router.GET("/chunks/:id", dn.guard(dn.handleGetChunk))
	router.PUT("/chunks/:id", dn.guard(dn.handlePutChunk))
	router.POST("/chunks/:id", dn.guard(dn.handlePostChunk))
	router.DELETE("/chunks/:id", dn.guard(dn.handleDeleteChunk))
	return router
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error

// guard applies the active-task ceiling and converts handler errors to
// responses.
func (dn *DataNode) guard(h handlerFunc) httprouter.Handle {
	maxTasks := config.GetInt("max_task_count")
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		dn.mu.Lock()
		if dn.activeTasks >= maxTasks {
			dn.mu.Unlock()
			cluster.WriteError(w, cluster.Errorf(http.StatusServiceUnavailable, "too many active requests"))
			return
		}
		dn.activeTasks++
		dn.mu.Unlock()
		defer func() {
			dn.mu.Lock()
			dn.activeTasks--
			dn.mu.Unlock()
		}()

		if err := h(w, r, ps); err != nil {
			cluster.WriteError(w, err)
		}
	}
}

// checkOwnership rejects ids this shard does not own. Requires the cluster
// view to be populated.
func (dn *DataNode) checkOwnership(id string) error {
	count := dn.node.DataNodeCount()
	if count == 0 {
		return cluster.Errorf(http.StatusServiceUnavailable, "cluster not ready")
	}
	if ident.Partition(id, count) != dn.node.NodeNumber() {
		return cluster.Errorf(http.StatusBadRequest, "%s is not owned by this node", id)
	}
	return nil
}

// lockChunk serializes access to one chunk's payload. Handlers hold the lock
// while copying element data in or out; the syncer holds it while snapshotting
// the payload for a flush. The returned func releases the lock.
func (dn *DataNode) lockChunk(chunkID string) func() {
	dn.mu.Lock()
	l, ok := dn.chunkLocks[chunkID]
	if !ok {
		l = &sync.Mutex{}
		dn.chunkLocks[chunkID] = l
	}
	dn.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// beginRead joins or starts the in-flight read for key. The returned done
// function must be called (with started=true) when the read finishes. When
// another read is already in flight, beginRead waits up to pendingWait for
// it, then reports started=false so the caller re-checks the cache.
func (dn *DataNode) beginRead(key string) (started bool, done func()) {
	dn.mu.Lock()
	ch, inFlight := dn.pendingReads[key]
	if !inFlight {
		ch = make(chan struct{})
		dn.pendingReads[key] = ch
		dn.mu.Unlock()
		return true, func() {
			dn.mu.Lock()
			delete(dn.pendingReads, key)
			dn.mu.Unlock()
			close(ch)
		}
	}
	dn.mu.Unlock()
	select {
	case <-ch:
	case <-time.After(pendingWait):
	}
	return false, func() {}
}
