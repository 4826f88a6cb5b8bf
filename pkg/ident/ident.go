// Package ident generates and validates object identifiers and maps them to
// store keys and data-node partitions.
package ident

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Object id prefixes.
const (
	PrefixGroup    = "g"
	PrefixDataset  = "d"
	PrefixDatatype = "t"
	PrefixChunk    = "c"
)

// Collection names, as used in link records and listing keys.
const (
	CollectionGroups    = "groups"
	CollectionDatasets  = "datasets"
	CollectionDatatypes = "datatypes"
)

// NewObjectID returns a fresh id for the given prefix, e.g. "g-<uuid>".
func NewObjectID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// ChunkID builds the chunk id for a dataset and a chunk index vector.
func ChunkID(dsetID string, index []int64) string {
	var b strings.Builder
	b.WriteString(PrefixChunk)
	b.WriteString(strings.TrimPrefix(dsetID, PrefixDataset))
	for _, i := range index {
		b.WriteByte('_')
		b.WriteString(strconv.FormatInt(i, 10))
	}
	return b.String()
}

// Hash returns the first five hex digits of the md5 of id. The hash prefixes
// store keys so that keys distribute evenly, and it drives partitioning.
func Hash(id string) string {
	sum := md5.Sum([]byte(id))
	return hex.EncodeToString(sum[:])[:5]
}

// Partition maps an id to one of n data nodes.
func Partition(id string, n int) int {
	v, _ := strconv.ParseInt(Hash(id), 16, 64)
	return int(v % int64(n))
}

// StoreKey returns the store key for an object or chunk id.
func StoreKey(id string) string {
	return Hash(id) + "-" + id
}

// DomainKey returns the store key for a domain path, e.g.
// "/home/alice/data.h5" becomes "home/alice/data.h5/.domain.json".
func DomainKey(domain string) string {
	return strings.TrimPrefix(domain, "/") + "/.domain.json"
}

// IndexKey returns the store key of a domain's per-collection index file,
// e.g. "home/alice/data.h5/.groups.txt".
func IndexKey(domain, collection string) string {
	return strings.TrimPrefix(domain, "/") + "/." + collection + ".txt"
}

// TopLevelDomainsKey is the bucket-root key listing top level domains.
const TopLevelDomainsKey = "topleveldomains.txt"

// Collection returns the collection name for an object id, or an error for
// chunk ids and malformed input.
func Collection(id string) (string, error) {
	switch {
	case strings.HasPrefix(id, PrefixGroup+"-"):
		return CollectionGroups, nil
	case strings.HasPrefix(id, PrefixDataset+"-"):
		return CollectionDatasets, nil
	case strings.HasPrefix(id, PrefixDatatype+"-"):
		return CollectionDatatypes, nil
	default:
		return "", fmt.Errorf("no collection for id: %s", id)
	}
}

// IsChunkID reports whether id names a chunk.
func IsChunkID(id string) bool {
	return strings.HasPrefix(id, PrefixChunk+"-")
}

// DatasetID returns the owning dataset id for a chunk id.
func DatasetID(chunkID string) (string, error) {
	if !IsChunkID(chunkID) {
		return "", fmt.Errorf("not a chunk id: %s", chunkID)
	}
	body := strings.TrimPrefix(chunkID, PrefixChunk+"-")
	i := strings.IndexByte(body, '_')
	if i < 0 {
		return "", fmt.Errorf("malformed chunk id: %s", chunkID)
	}
	return PrefixDataset + "-" + body[:i], nil
}

// ChunkIndex returns the chunk index vector encoded in a chunk id.
func ChunkIndex(chunkID string) ([]int64, error) {
	if !IsChunkID(chunkID) {
		return nil, fmt.Errorf("not a chunk id: %s", chunkID)
	}
	parts := strings.Split(chunkID, "_")
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed chunk id: %s", chunkID)
	}
	index := make([]int64, 0, len(parts)-1)
	for _, p := range parts[1:] {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("malformed chunk id: %s", chunkID)
		}
		index = append(index, v)
	}
	return index, nil
}

// Validate checks that id is a well-formed object or chunk id.
func Validate(id string) error {
	if len(id) < 2 || id[1] != '-' {
		return fmt.Errorf("malformed id: %s", id)
	}
	switch id[:1] {
	case PrefixGroup, PrefixDataset, PrefixDatatype:
		if _, err := uuid.Parse(id[2:]); err != nil {
			return fmt.Errorf("malformed id: %s", id)
		}
		return nil
	case PrefixChunk:
		body := id[2:]
		i := strings.IndexByte(body, '_')
		if i < 0 {
			return fmt.Errorf("malformed chunk id: %s", id)
		}
		if _, err := uuid.Parse(body[:i]); err != nil {
			return fmt.Errorf("malformed chunk id: %s", id)
		}
		_, err := ChunkIndex(id)
		return err
	default:
		return fmt.Errorf("unknown id prefix: %s", id)
	}
}
