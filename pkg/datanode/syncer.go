package datanode

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/stratumhq/strata/pkg/array"
	"github.com/stratumhq/strata/pkg/config"
	"github.com/stratumhq/strata/pkg/ident"
	"github.com/stratumhq/strata/pkg/log"
	"github.com/stratumhq/strata/pkg/metrics"
	"github.com/stratumhq/strata/pkg/objstore"
	"github.com/stratumhq/strata/pkg/types"
)

// runSyncer flushes dirty cache entries to the object store on a fixed
// interval. A sweep with failures is retried with backoff instead of waiting
// a full interval; failed entries stay dirty and are picked up again.
func (dn *DataNode) runSyncer(ctx context.Context) {
	interval := config.GetDuration("s3_sync_interval")
	b := &backoff.Backoff{Min: time.Second, Max: interval, Jitter: true}
	for {
		wait := interval
		if failed := dn.syncOnce(ctx); failed > 0 {
			wait = b.Duration()
		} else {
			b.Reset()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Flush synchronously writes out everything dirty. Called on shutdown so a
// clean exit loses no writes.
func (dn *DataNode) Flush(ctx context.Context) int {
	return dn.syncOnce(ctx)
}

// syncOnce flushes one snapshot of the dirty sets and returns the number of
// entries that failed.
func (dn *DataNode) syncOnce(ctx context.Context) int {
	logger := log.WithComponent("syncer")
	failed := 0
	var synced []string

	for id, stamp := range dn.chunkCache.DirtySnapshot() {
		if err := dn.flushChunk(ctx, id); err != nil {
			logger.Warn().Err(err).Str("id", id).Msg("chunk flush failed")
			metrics.SyncRetries.Inc()
			failed++
			continue
		}
		dn.chunkCache.ClearDirty(id, stamp)
		metrics.SyncedObjects.Inc()
		synced = append(synced, id)
	}

	for id, stamp := range dn.metaCache.DirtySnapshot() {
		if err := dn.flushMeta(ctx, id); err != nil {
			logger.Warn().Err(err).Str("id", id).Msg("metadata flush failed")
			metrics.SyncRetries.Inc()
			failed++
			continue
		}
		dn.metaCache.ClearDirty(id, stamp)
		metrics.SyncedObjects.Inc()
		if !strings.HasPrefix(id, "/") {
			synced = append(synced, id)
		}
	}

	dn.notifyGC(ctx, http.MethodPut, synced)

	metrics.CacheBytes.WithLabelValues("meta").Set(float64(dn.metaCache.MemUsed()))
	metrics.CacheBytes.WithLabelValues("chunk").Set(float64(dn.chunkCache.MemUsed()))
	metrics.CacheDirty.WithLabelValues("meta").Set(float64(len(dn.metaCache.DirtySnapshot())))
	metrics.CacheDirty.WithLabelValues("chunk").Set(float64(len(dn.chunkCache.DirtySnapshot())))
	return failed
}

func (dn *DataNode) flushChunk(ctx context.Context, id string) error {
	v, ok := dn.chunkCache.Get(id)
	if !ok {
		return nil
	}

	// snapshot the payload under the chunk lock so concurrent writers do not
	// mutate it while Deflate and Put run
	unlock := dn.lockChunk(id)
	data := append([]byte(nil), v.(*array.Array).Data...)
	unlock()

	dsetID, err := ident.DatasetID(id)
	if err != nil {
		return err
	}
	dn.mu.Lock()
	level, compress := dn.deflateMap[dsetID]
	dn.mu.Unlock()
	if compress {
		if data, err = array.Deflate(data, level); err != nil {
			return err
		}
	}
	info, err := dn.store.Put(ctx, ident.StoreKey(id), data)
	if err != nil {
		return err
	}
	dn.noteChunkStored(dsetID, id, info.Size)
	return nil
}

// noteChunkStored folds one flushed chunk into the owning dataset's chunk
// statistics. Stats only advance when the dataset's metadata is resident on
// this node; a full recount across shards is the async GC's job.
func (dn *DataNode) noteChunkStored(dsetID, chunkID string, size int64) {
	dn.mu.Lock()
	prev, seen := dn.chunkSizes[chunkID]
	dn.chunkSizes[chunkID] = size
	dn.mu.Unlock()

	v, ok := dn.metaCache.Get(dsetID)
	if !ok {
		return
	}
	dset, ok := v.(*types.Dataset)
	if !ok {
		return
	}
	if !seen {
		dset.ChunkCount++
	}
	dset.TotalSize += size - prev
	dn.metaCache.SetDirty(dsetID)
}

// flushMeta writes one metadata entry. Ids starting with "/" are domain
// records keyed by path; everything else is an object keyed by its hashed id.
func (dn *DataNode) flushMeta(ctx context.Context, id string) error {
	v, ok := dn.metaCache.Get(id)
	if !ok {
		return nil
	}
	if strings.HasPrefix(id, "/") {
		_, err := objstore.PutJSON(ctx, dn.store, ident.DomainKey(id), v)
		return err
	}
	info, err := objstore.PutJSON(ctx, dn.store, ident.StoreKey(id), v)
	if err != nil {
		return err
	}
	return dn.updateIndex(ctx, v, info)
}

// objectRef pulls the listing-relevant fields out of a metadata object.
func objectRef(obj any) (id, domain string, lastModified float64, dset *types.Dataset) {
	switch o := obj.(type) {
	case *types.Group:
		return o.ID, o.Domain, o.LastModified, nil
	case *types.Dataset:
		return o.ID, o.Domain, o.LastModified, o
	case *types.Datatype:
		return o.ID, o.Domain, o.LastModified, nil
	}
	return "", "", 0, nil
}

// updateIndex records the flushed object in its domain's collection listing
// file, so service nodes can enumerate a collection without touching every
// object blob.
func (dn *DataNode) updateIndex(ctx context.Context, obj any, info objstore.ObjectInfo) error {
	id, domain, lastModified, dset := objectRef(obj)
	if id == "" || domain == "" {
		return nil
	}
	coll, err := ident.Collection(id)
	if err != nil {
		return err
	}
	fields := []string{
		info.ETag,
		strconv.FormatFloat(lastModified, 'f', -1, 64),
		strconv.FormatInt(info.Size, 10),
	}
	if dset != nil {
		fields = append(fields,
			strconv.FormatInt(dset.ChunkCount, 10),
			strconv.FormatInt(dset.TotalSize, 10))
	}
	return dn.editIndex(ctx, ident.IndexKey(domain, coll), func(lines map[string]string) {
		lines[id] = strings.Join(fields, " ")
	})
}

// removeFromIndex drops a deleted object's listing line.
func (dn *DataNode) removeFromIndex(ctx context.Context, obj any) {
	id, domain, _, _ := objectRef(obj)
	if id == "" || domain == "" {
		return
	}
	coll, err := ident.Collection(id)
	if err != nil {
		return
	}
	err = dn.editIndex(ctx, ident.IndexKey(domain, coll), func(lines map[string]string) {
		delete(lines, id)
	})
	if err != nil {
		log.WithComponent("syncer").Warn().Err(err).Str("id", id).Msg("index update failed")
	}
}

// editIndex applies fn to the id-keyed lines of a listing file and rewrites
// it sorted by id. One line per object: the id followed by its fields.
func (dn *DataNode) editIndex(ctx context.Context, key string, fn func(lines map[string]string)) error {
	data, err := dn.store.Get(ctx, key)
	if err != nil && !objstore.IsNotFound(err) {
		return err
	}
	lines := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		id, rest, _ := strings.Cut(line, " ")
		lines[id] = rest
	}
	fn(lines)

	ids := make([]string, 0, len(lines))
	for id := range lines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(id)
		if lines[id] != "" {
			sb.WriteByte(' ')
			sb.WriteString(lines[id])
		}
		sb.WriteByte('\n')
	}
	_, err = dn.store.Put(ctx, key, []byte(sb.String()))
	return err
}
