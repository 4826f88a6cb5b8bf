package servicenode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/stratumhq/strata/pkg/auth"
	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/objstore"
	"github.com/stratumhq/strata/pkg/types"
)

// domainResponse is the public form of a domain record.
type domainResponse struct {
	Root         string  `json:"root,omitempty"`
	Owner        string  `json:"owner"`
	Class        string  `json:"class"`
	Created      float64 `json:"created"`
	LastModified float64 `json:"lastModified"`

	// verbose=1 aggregates from the collection index files
	NumGroups      *int64 `json:"num_groups,omitempty"`
	NumDatasets    *int64 `json:"num_datasets,omitempty"`
	NumDatatypes   *int64 `json:"num_datatypes,omitempty"`
	NumChunks      *int64 `json:"num_chunks,omitempty"`
	AllocatedBytes *int64 `json:"allocated_bytes,omitempty"`
}

func domainClass(d *types.Domain) string {
	if d.IsFolder() {
		return "folder"
	}
	return "domain"
}

func (sn *ServiceNode) handleGetDomain(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	req, err := sn.begin(r, types.ActionRead)
	if err != nil {
		return err
	}
	resp := domainResponse{
		Root:         req.dom.Root,
		Owner:        req.dom.Owner,
		Class:        domainClass(req.dom),
		Created:      req.dom.Created,
		LastModified: req.dom.LastModified,
	}
	if r.URL.Query().Get("verbose") == "1" {
		if err := sn.aggregateDomainInfo(r.Context(), req.domain, &resp); err != nil {
			return err
		}
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
	return nil
}

// aggregateDomainInfo fills the verbose counters by scanning the domain's
// collection index files.
func (sn *ServiceNode) aggregateDomainInfo(ctx context.Context, domain string, resp *domainResponse) error {
	var chunks, allocated int64
	for _, coll := range []string{ident.CollectionGroups, ident.CollectionDatasets, ident.CollectionDatatypes} {
		entries, err := sn.readIndex(ctx, domain, coll)
		if err != nil {
			return err
		}
		count := int64(len(entries))
		for _, e := range entries {
			allocated += e.size
			chunks += e.chunkCount
			allocated += e.totalSize
		}
		switch coll {
		case ident.CollectionGroups:
			resp.NumGroups = &count
		case ident.CollectionDatasets:
			resp.NumDatasets = &count
		case ident.CollectionDatatypes:
			resp.NumDatatypes = &count
		}
	}
	resp.NumChunks = &chunks
	resp.AllocatedBytes = &allocated
	return nil
}

// putDomainRequest is the body of PUT /.
type putDomainRequest struct {
	Folder bool `json:"folder,omitempty"`
}

func (sn *ServiceNode) handlePutDomain(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	if !sn.node.Ready() {
		return cluster.Errorf(http.StatusServiceUnavailable, "node is not ready")
	}
	user, err := sn.users.Authenticate(r)
	if err != nil {
		return err
	}
	if user == auth.DefaultUser {
		return cluster.Errorf(http.StatusUnauthorized, "domain creation requires credentials")
	}
	domain, err := domainFromRequest(r)
	if err != nil {
		return err
	}

	var body putDomainRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return cluster.Errorf(http.StatusBadRequest, "invalid body: %v", err)
		}
	}

	// every non-top-level domain needs an existing parent the user may
	// create under
	acls := auth.DefaultACLs(user)
	if parent := path.Dir(domain); parent != "/" {
		pdom, err := sn.fetchDomain(r.Context(), parent)
		if cluster.CodeOf(err) == http.StatusNotFound {
			return cluster.Errorf(http.StatusNotFound, "parent domain %s does not exist", parent)
		}
		if err != nil {
			return err
		}
		if !auth.Allowed(pdom, user, types.ActionCreate) {
			return cluster.Errorf(http.StatusForbidden, "%s may not create under %s", user, parent)
		}
		// the child starts from the parent's acl table; the creator keeps
		// full rights on their own domain regardless of the parent's entry
		for u, perm := range pdom.ACLs {
			if u == user {
				continue
			}
			acls[u] = perm
		}
	}

	dom := types.Domain{Owner: user, ACLs: acls}
	if !body.Folder {
		rootID := ident.NewObjectID(ident.PrefixGroup)
		target, err := sn.node.DataNodeFor(rootID)
		if err != nil {
			return err
		}
		group := types.Group{ID: rootID, Root: rootID, Domain: domain}
		if err := sn.node.Client().PostJSON(r.Context(), target+"/groups",
			map[string]any{"group": group}, nil); err != nil {
			return err
		}
		dom.Root = rootID
	}

	target, err := sn.node.DataNodeFor(ident.DomainKey(domain))
	if err != nil {
		return err
	}
	created := &types.Domain{}
	if err := sn.node.Client().PutJSON(r.Context(),
		target+"/domains?domain="+url.QueryEscape(domain), dom, created); err != nil {
		return err
	}
	cluster.WriteJSON(w, http.StatusCreated, domainResponse{
		Root:         created.Root,
		Owner:        created.Owner,
		Class:        domainClass(created),
		Created:      created.Created,
		LastModified: created.LastModified,
	})
	return nil
}

func (sn *ServiceNode) handleDeleteDomain(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	req, err := sn.begin(r, types.ActionDelete)
	if err != nil {
		return err
	}
	if strings.Count(req.domain, "/") == 1 {
		return cluster.Errorf(http.StatusForbidden, "top level domains cannot be deleted")
	}
	target, err := sn.node.DataNodeFor(ident.DomainKey(req.domain))
	if err != nil {
		return err
	}
	if err := sn.node.Client().Delete(r.Context(),
		target+"/domains?domain="+url.QueryEscape(req.domain)); err != nil {
		return err
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]string{"domain": req.domain})
	return nil
}

// domainEntry is one row of a GET /domains listing.
type domainEntry struct {
	Name  string `json:"name"`
	Class string `json:"class"`
}

func (sn *ServiceNode) handleListDomains(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	if !sn.node.Ready() {
		return cluster.Errorf(http.StatusServiceUnavailable, "node is not ready")
	}
	if _, err := sn.users.Authenticate(r); err != nil {
		return err
	}

	raw := r.URL.Query().Get("domain")
	if raw == "" {
		raw = r.URL.Query().Get("host")
	}
	raw = strings.TrimSuffix(raw, "/")

	var names []string
	var err error
	if raw == "" {
		names, err = sn.topLevelDomains(r.Context())
	} else {
		var domain string
		if domain, err = validDomain(raw); err != nil {
			return err
		}
		names, err = sn.childDomains(r.Context(), domain)
	}
	if err != nil {
		return err
	}

	names = applyWindow(names, r.URL.Query().Get("Marker"), r.URL.Query().Get("Limit"))

	entries := make([]domainEntry, 0, len(names))
	for _, name := range names {
		d := &types.Domain{}
		if err := objstore.GetJSON(r.Context(), sn.store, ident.DomainKey(name), d); err != nil {
			if objstore.IsNotFound(err) {
				continue
			}
			return err
		}
		entries = append(entries, domainEntry{Name: name, Class: domainClass(d)})
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]any{"domains": entries})
	return nil
}

func (sn *ServiceNode) topLevelDomains(ctx context.Context) ([]string, error) {
	data, err := sn.store.Get(ctx, ident.TopLevelDomainsKey)
	if objstore.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			names = append(names, line)
		}
	}
	return names, scanner.Err()
}

// childDomains lists the direct children of domain by scanning the store for
// .domain.json keys one level down.
func (sn *ServiceNode) childDomains(ctx context.Context, domain string) ([]string, error) {
	prefix := strings.TrimPrefix(domain, "/") + "/"
	infos, err := sn.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, info := range infos {
		child, ok := strings.CutSuffix(strings.TrimPrefix(info.Key, prefix), "/.domain.json")
		if !ok || child == "" || strings.Contains(child, "/") {
			continue
		}
		names = append(names, domain+"/"+child)
	}
	sort.Strings(names)
	return names, nil
}

// applyWindow filters a sorted name list by the Marker/Limit paging params.
func applyWindow(names []string, marker, limit string) []string {
	if marker != "" {
		i := sort.SearchStrings(names, marker)
		if i < len(names) && names[i] == marker {
			i++
		}
		names = names[i:]
	}
	if limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n >= 0 && n < len(names) {
			names = names[:n]
		}
	}
	return names
}

// aclEntry is one row of GET /acls.
type aclEntry struct {
	UserName string `json:"userName"`
	types.Permission
}

func (sn *ServiceNode) handleGetACLs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	req, err := sn.begin(r, types.ActionReadACL)
	if err != nil {
		return err
	}
	users := make([]string, 0, len(req.dom.ACLs))
	for user := range req.dom.ACLs {
		users = append(users, user)
	}
	sort.Strings(users)
	entries := make([]aclEntry, 0, len(users))
	for _, user := range users {
		entries = append(entries, aclEntry{UserName: user, Permission: req.dom.ACLs[user]})
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]any{"acls": entries})
	return nil
}

func (sn *ServiceNode) handleGetACL(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	req, err := sn.begin(r, types.ActionReadACL)
	if err != nil {
		return err
	}
	user := ps.ByName("user")
	perm, ok := req.dom.ACLs[user]
	if !ok {
		return cluster.Errorf(http.StatusNotFound, "no acl for %s", user)
	}
	cluster.WriteJSON(w, http.StatusOK, aclEntry{UserName: user, Permission: perm})
	return nil
}

func (sn *ServiceNode) handlePutACL(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	req, err := sn.begin(r, types.ActionUpdateACL)
	if err != nil {
		return err
	}
	var perm types.Permission
	if err := json.NewDecoder(r.Body).Decode(&perm); err != nil {
		return cluster.Errorf(http.StatusBadRequest, "invalid acl body: %v", err)
	}
	target, err := sn.node.DataNodeFor(ident.DomainKey(req.domain))
	if err != nil {
		return err
	}
	if err := sn.node.Client().PutJSON(r.Context(),
		target+"/acls/"+url.PathEscape(ps.ByName("user"))+"?domain="+url.QueryEscape(req.domain),
		perm, nil); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}
