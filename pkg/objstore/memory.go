package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryClient is a map-backed Client used in tests.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string][]byte
	infos   map[string]ObjectInfo
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryClient {
	return &MemoryClient{
		objects: map[string][]byte{},
		infos:   map[string]ObjectInfo{},
	}
}

func (c *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (c *MemoryClient) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	data, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+length > int64(len(data)) {
		return nil, fmt.Errorf("range [%d,%d) out of bounds for %s", offset, offset+length, key)
	}
	return data[offset : offset+length], nil
}

func (c *MemoryClient) Put(ctx context.Context, key string, data []byte) (ObjectInfo, error) {
	sum := md5.Sum(data)
	info := ObjectInfo{
		Key:          key,
		ETag:         hex.EncodeToString(sum[:]),
		Size:         int64(len(data)),
		LastModified: time.Now().UTC(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key] = append([]byte(nil), data...)
	c.infos[key] = info
	return info, nil
}

func (c *MemoryClient) Info(ctx context.Context, key string) (ObjectInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.infos[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return info, nil
}

func (c *MemoryClient) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, key)
	delete(c.infos, key)
	return nil
}

func (c *MemoryClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var infos []ObjectInfo
	for key, info := range c.infos {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (c *MemoryClient) Close() error {
	return nil
}
