// Package servicenode implements the public REST API: it parses and
// authenticates each request, enforces domain ACLs, routes object operations
// to the owning data node, runs the hyperslab engine for dataset values, and
// serves collection listings from the per-domain index files.
package servicenode

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/stratumhq/strata/pkg/auth"
	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/config"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/metrics"
	"github.com/stratumhq/strata/pkg/objstore"
	"github.com/stratumhq/strata/pkg/types"
)

// ServiceNode is one public API worker.
type ServiceNode struct {
	node  *cluster.Node
	store objstore.Client
	users *auth.Registry
	start time.Time

	mu          sync.Mutex
	activeTasks int
}

// New builds a service node over the given store.
func New(store objstore.Client) (*ServiceNode, error) {
	users, err := auth.FromConfig()
	if err != nil {
		return nil, err
	}
	return &ServiceNode{
		node:  cluster.NewNode(types.NodeTypeService, config.GetInt("sn_port")),
		store: store,
		users: users,
		start: time.Now(),
	}, nil
}

// Node exposes the cluster state, mainly for tests.
func (sn *ServiceNode) Node() *cluster.Node {
	return sn.node
}

// Run drives the health loop until ctx is cancelled.
func (sn *ServiceNode) Run(ctx context.Context) {
	sn.node.Run(ctx)
}

// Router returns the public REST API.
func (sn *ServiceNode) Router() http.Handler {
	router := httprouter.New()
	router.GET("/info", cluster.InfoHandler(sn.node, sn.start))
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())
	router.GET("/about", sn.handle(sn.handleAbout))

	router.GET("/", sn.handle(sn.handleGetDomain))
	router.PUT("/", sn.handle(sn.handlePutDomain))
	router.DELETE("/", sn.handle(sn.handleDeleteDomain))
	router.GET("/domains", sn.handle(sn.handleListDomains))

	router.GET("/acls", sn.handle(sn.handleGetACLs))
	router.GET("/acls/:user", sn.handle(sn.handleGetACL))
	router.PUT("/acls/:user", sn.handle(sn.handlePutACL))

	for _, coll := range []string{"groups", "datasets", "datatypes"} {
		router.GET("/"+coll, sn.handle(sn.handleListCollection))
		router.POST("/"+coll, sn.handle(sn.handleCreateObject))
		router.GET("/"+coll+"/:id", sn.handle(sn.handleGetObject))
		router.DELETE("/"+coll+"/:id", sn.handle(sn.handleDeleteObject))
		router.GET("/"+coll+"/:id/attributes", sn.handle(sn.forward(types.ActionRead)))
		router.GET("/"+coll+"/:id/attributes/:name", sn.handle(sn.forward(types.ActionRead)))
		router.PUT("/"+coll+"/:id/attributes/:name", sn.handle(sn.forward(types.ActionCreate)))
		router.DELETE("/"+coll+"/:id/attributes/:name", sn.handle(sn.forward(types.ActionDelete)))
	}
	router.GET("/groups/:id/links", sn.handle(sn.forward(types.ActionRead)))
	router.GET("/groups/:id/links/:title", sn.handle(sn.forward(types.ActionRead)))
	router.PUT("/groups/:id/links/:title", sn.handle(sn.forward(types.ActionCreate)))
	router.DELETE("/groups/:id/links/:title", sn.handle(sn.forward(types.ActionDelete)))

	router.GET("/datasets/:id/shape", sn.handle(sn.handleGetShape))
	router.PUT("/datasets/:id/shape", sn.handle(sn.forward(types.ActionUpdate)))
	router.GET("/datasets/:id/type", sn.handle(sn.handleGetType))
	router.GET("/datasets/:id/value", sn.handle(sn.handleGetValue))
	router.PUT("/datasets/:id/value", sn.handle(sn.handlePutValue))
	router.POST("/datasets/:id/value", sn.handle(sn.handlePostValue))
	return router
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error

// handle applies the active-task ceiling and converts handler errors to
// responses.
func (sn *ServiceNode) handle(h handlerFunc) httprouter.Handle {
	maxTasks := config.GetInt("max_task_count")
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sn.mu.Lock()
		if sn.activeTasks >= maxTasks {
			sn.mu.Unlock()
			cluster.WriteError(w, cluster.Errorf(http.StatusServiceUnavailable, "too many active requests"))
			return
		}
		sn.activeTasks++
		sn.mu.Unlock()
		defer func() {
			sn.mu.Lock()
			sn.activeTasks--
			sn.mu.Unlock()
		}()

		if err := h(w, r, ps); err != nil {
			cluster.WriteError(w, err)
		}
	}
}

// request carries the resolved pipeline state: the domain path, the
// authenticated principal, and the domain record.
type request struct {
	domain string
	user   string
	dom    *types.Domain
}

// begin runs the common request pipeline: readiness, authentication, domain
// resolution, and the ACL check for the given action.
func (sn *ServiceNode) begin(r *http.Request, action types.Action) (*request, error) {
	if !sn.node.Ready() {
		return nil, cluster.Errorf(http.StatusServiceUnavailable, "node is not ready")
	}
	user, err := sn.users.Authenticate(r)
	if err != nil {
		return nil, err
	}
	domain, err := domainFromRequest(r)
	if err != nil {
		return nil, err
	}
	dom, err := sn.fetchDomain(r.Context(), domain)
	if err != nil {
		return nil, err
	}
	if !auth.Allowed(dom, user, action) {
		return nil, cluster.Errorf(http.StatusForbidden, "%s may not %s %s", user, action, domain)
	}
	return &request{domain: domain, user: user, dom: dom}, nil
}

// domainFromRequest resolves the target domain from the domain query
// parameter, the host query parameter, or the Host header. A DNS-style name
// like data.tester.home is reversed into the path form /home/tester/data.
func domainFromRequest(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("domain")
	if raw == "" {
		raw = r.URL.Query().Get("host")
	}
	if raw == "" {
		raw = r.Host
		if i := strings.IndexByte(raw, ':'); i >= 0 {
			raw = raw[:i]
		}
	}
	if !strings.HasPrefix(raw, "/") && strings.Contains(raw, ".") {
		parts := strings.Split(raw, ".")
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
		raw = "/" + strings.Join(parts, "/")
	}
	return validDomain(raw)
}

func validDomain(domain string) (string, error) {
	if len(domain) < 2 || !strings.HasPrefix(domain, "/") ||
		strings.HasSuffix(domain, "/") || strings.Contains(domain, "..") {
		return "", cluster.Errorf(http.StatusBadRequest, "invalid domain: %q", domain)
	}
	return domain, nil
}

// fetchDomain resolves the domain record through the data node owning the
// domain key.
func (sn *ServiceNode) fetchDomain(ctx context.Context, domain string) (*types.Domain, error) {
	target, err := sn.node.DataNodeFor(ident.DomainKey(domain))
	if err != nil {
		return nil, err
	}
	dom := &types.Domain{}
	if err := sn.node.Client().GetJSON(ctx, target+"/domains?domain="+url.QueryEscape(domain), dom); err != nil {
		return nil, err
	}
	return dom, nil
}

// objectURL returns the owning data node's URL for an object id.
func (sn *ServiceNode) objectURL(id string) (string, error) {
	coll, err := ident.Collection(id)
	if err != nil {
		return "", cluster.Errorf(http.StatusBadRequest, "%v", err)
	}
	target, err := sn.node.DataNodeFor(id)
	if err != nil {
		return "", err
	}
	return target + "/" + coll + "/" + id, nil
}

// forward relays the request to the data node owning the :id object, after
// the pipeline check for action. Used for the link, attribute, and shape
// endpoints whose bodies pass through unchanged.
func (sn *ServiceNode) forward(action types.Action) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
		if _, err := sn.begin(r, action); err != nil {
			return err
		}
		id := ps.ByName("id")
		if err := ident.Validate(id); err != nil {
			return cluster.Errorf(http.StatusBadRequest, "%v", err)
		}
		base, err := sn.objectURL(id)
		if err != nil {
			return err
		}
		rest := strings.TrimPrefix(r.URL.Path, "/"+pathCollection(r.URL.Path)+"/"+id)
		body, err := readBody(r)
		if err != nil {
			return err
		}
		data, err := sn.node.Client().Do(r.Context(), r.Method, base+rest, r.Header.Get("Content-Type"), body)
		if err != nil {
			return err
		}
		return writeProxied(w, r.Method, data)
	}
}

// pathCollection returns the leading collection segment of a request path.
func pathCollection(path string) string {
	seg := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	return seg
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, cluster.Errorf(http.StatusBadRequest, "failed to read body: %v", err)
	}
	return data, nil
}

// writeProxied relays a data node response body, preserving the created
// status for mutating methods.
func writeProxied(w http.ResponseWriter, method string, data []byte) error {
	w.Header().Set("Content-Type", "application/json")
	if method == http.MethodPut || method == http.MethodPost {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, err := w.Write(data)
	return err
}

func (sn *ServiceNode) handleAbout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	cluster.WriteJSON(w, http.StatusOK, map[string]any{
		"name":       "strata",
		"version":    cluster.Version,
		"state":      sn.node.State(),
		"start_time": sn.start,
	})
	return nil
}
