package datanode

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/log"
	"github.com/stratumhq/strata/pkg/objstore"
	"github.com/stratumhq/strata/pkg/types"
)

// domainParam extracts and validates the domain query parameter, and checks
// that this shard owns the domain key.
func (dn *DataNode) domainParam(r *http.Request) (string, error) {
	domain := r.URL.Query().Get("domain")
	if err := validateDomainPath(domain); err != nil {
		return "", err
	}
	count := dn.node.DataNodeCount()
	if count == 0 {
		return "", cluster.Errorf(http.StatusServiceUnavailable, "cluster not ready")
	}
	if ident.Partition(ident.DomainKey(domain), count) != dn.node.NodeNumber() {
		return "", cluster.Errorf(http.StatusBadRequest, "domain %s is not owned by this node", domain)
	}
	return domain, nil
}

func validateDomainPath(domain string) error {
	if !strings.HasPrefix(domain, "/") || strings.HasSuffix(domain, "/") ||
		strings.Contains(domain, "..") || len(domain) < 2 {
		return cluster.Errorf(http.StatusBadRequest, "invalid domain path: %q", domain)
	}
	return nil
}

// loadDomain reads a domain record through the metadata cache, keyed by the
// domain path.
func (dn *DataNode) loadDomain(r *http.Request, domain string) (*types.Domain, error) {
	if dn.metaCache.IsDeleted(domain) {
		return nil, cluster.Errorf(http.StatusGone, "domain %s has been deleted", domain)
	}
	if v, ok := dn.metaCache.Get(domain); ok {
		return v.(*types.Domain), nil
	}

	started, done := dn.beginRead(domain)
	if !started {
		if dn.metaCache.IsDeleted(domain) {
			return nil, cluster.Errorf(http.StatusGone, "domain %s has been deleted", domain)
		}
		if v, ok := dn.metaCache.Get(domain); ok {
			return v.(*types.Domain), nil
		}
	} else {
		defer done()
	}

	data, err := dn.store.Get(r.Context(), ident.DomainKey(domain))
	if err != nil {
		return nil, err
	}
	d := &types.Domain{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, cluster.Errorf(http.StatusInternalServerError, "corrupt domain record %s", domain)
	}
	dn.metaCache.Add(domain, d, int64(len(data)))
	return d, nil
}

func (dn *DataNode) handleGetDomain(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	domain, err := dn.domainParam(r)
	if err != nil {
		return err
	}
	d, err := dn.loadDomain(r, domain)
	if err != nil {
		return err
	}
	cluster.WriteJSON(w, http.StatusOK, d)
	return nil
}

func (dn *DataNode) handlePutDomain(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	domain, err := dn.domainParam(r)
	if err != nil {
		return err
	}
	var d types.Domain
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		return cluster.Errorf(http.StatusBadRequest, "invalid domain body: %v", err)
	}
	if d.Owner == "" {
		return cluster.Errorf(http.StatusBadRequest, "domain needs an owner")
	}
	if len(d.ACLs) == 0 {
		return cluster.Errorf(http.StatusBadRequest, "domain needs acls")
	}

	if _, ok := dn.metaCache.Get(domain); ok {
		return cluster.Errorf(http.StatusConflict, "domain %s already exists", domain)
	}
	if _, err := dn.store.Info(r.Context(), ident.DomainKey(domain)); err == nil {
		return cluster.Errorf(http.StatusConflict, "domain %s already exists", domain)
	} else if !objstore.IsNotFound(err) {
		return err
	}

	ts := now()
	d.Created, d.LastModified = ts, ts
	if err := dn.storeDomain(domain, &d); err != nil {
		return err
	}
	dn.recordTopLevel(r, domain)
	cluster.WriteJSON(w, http.StatusCreated, &d)
	return nil
}

func (dn *DataNode) storeDomain(domain string, d *types.Domain) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	dn.metaCache.Add(domain, d, int64(len(data)))
	dn.metaCache.SetDirty(domain)
	return nil
}

func (dn *DataNode) handleDeleteDomain(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	domain, err := dn.domainParam(r)
	if err != nil {
		return err
	}
	if _, err := dn.loadDomain(r, domain); err != nil {
		return err
	}
	dn.metaCache.MarkDeleted(domain)
	if err := dn.store.Delete(r.Context(), ident.DomainKey(domain)); err != nil {
		return err
	}
	dn.dropTopLevel(r, domain)
	dn.notifyGC(r.Context(), http.MethodDelete, []string{domain})
	cluster.WriteJSON(w, http.StatusOK, map[string]string{"domain": domain})
	return nil
}

func (dn *DataNode) handlePutACL(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	domain, err := dn.domainParam(r)
	if err != nil {
		return err
	}
	user := ps.ByName("user")
	var perm types.Permission
	if err := json.NewDecoder(r.Body).Decode(&perm); err != nil {
		return cluster.Errorf(http.StatusBadRequest, "invalid acl body: %v", err)
	}
	d, err := dn.loadDomain(r, domain)
	if err != nil {
		return err
	}
	if d.ACLs == nil {
		d.ACLs = map[string]types.Permission{}
	}
	d.ACLs[user] = perm
	d.LastModified = now()
	if err := dn.storeDomain(domain, d); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

// recordTopLevel appends a new top-level domain to topleveldomains.txt.
func (dn *DataNode) recordTopLevel(r *http.Request, domain string) {
	if strings.Count(domain, "/") != 1 {
		return
	}
	dn.updateTopLevel(r, domain, true)
}

func (dn *DataNode) dropTopLevel(r *http.Request, domain string) {
	if strings.Count(domain, "/") != 1 {
		return
	}
	dn.updateTopLevel(r, domain, false)
}

func (dn *DataNode) updateTopLevel(r *http.Request, domain string, add bool) {
	ctx := r.Context()
	data, err := dn.store.Get(ctx, ident.TopLevelDomainsKey)
	if err != nil && !objstore.IsNotFound(err) {
		log.WithDomain(domain).Warn().Err(err).Msg("top-level domain listing read failed")
		return
	}
	lines := map[string]bool{}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines[line] = true
		}
	}
	if add {
		lines[domain] = true
	} else {
		delete(lines, domain)
	}
	out := make([]string, 0, len(lines))
	for line := range lines {
		out = append(out, line)
	}
	sort.Strings(out)
	if _, err := dn.store.Put(ctx, ident.TopLevelDomainsKey, []byte(strings.Join(out, "\n")+"\n")); err != nil {
		log.WithDomain(domain).Warn().Err(err).Msg("top-level domain listing update failed")
	}
}
