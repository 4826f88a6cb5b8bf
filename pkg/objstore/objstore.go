// Package objstore abstracts the blob store that holds all persistent state:
// metadata objects, chunks, domain records, and listing files. Drivers exist
// for S3-compatible gateways, a local bbolt file, and an in-memory map used
// by tests.
package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("object not found")

// IsNotFound reports whether err indicates a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Client is the operations every driver provides.
type Client interface {
	// Get returns the full content of key.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetRange returns length bytes of key starting at offset.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
	// Put stores data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) (ObjectInfo, error)
	// Info returns metadata for key without fetching the content.
	Info(ctx context.Context, key string) (ObjectInfo, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns info for every key with the given prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Close releases driver resources.
	Close() error
}

// GetJSON fetches key and unmarshals it into v.
func GetJSON(ctx context.Context, c Client, key string, v any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, c Client, key string, v any) (ObjectInfo, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return c.Put(ctx, key, data)
}
