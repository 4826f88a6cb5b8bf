package objstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketObjects = []byte("objects")
	bucketMeta    = []byte("meta")
)

// BoltClient implements Client on a local bbolt file. Intended for single
// node deployments and development.
type BoltClient struct {
	db *bolt.DB
}

// NewBolt opens (or creates) the store file at path.
func NewBolt(path string) (*BoltClient, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store file: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketObjects, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init store buckets: %w", err)
	}
	return &BoltClient{db: db}, nil
}

func (c *BoltClient) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (c *BoltClient) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	data, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+length > int64(len(data)) {
		return nil, fmt.Errorf("range [%d,%d) out of bounds for %s", offset, offset+length, key)
	}
	return data[offset : offset+length], nil
}

func (c *BoltClient) Put(ctx context.Context, key string, data []byte) (ObjectInfo, error) {
	sum := md5.Sum(data)
	info := ObjectInfo{
		Key:          key,
		ETag:         hex.EncodeToString(sum[:]),
		Size:         int64(len(data)),
		LastModified: time.Now().UTC(),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return ObjectInfo{}, err
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketObjects).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte(key), meta)
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to store %s: %w", key, err)
	}
	return info, nil
}

func (c *BoltClient) Info(ctx context.Context, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(v, &info)
	})
	return info, err
}

func (c *BoltClient) Delete(ctx context.Context, key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketObjects).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete([]byte(key))
	})
}

func (c *BoltClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketMeta).Cursor()
		p := []byte(prefix)
		for k, v := cur.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = cur.Next() {
			var info ObjectInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return fmt.Errorf("corrupt meta for %s: %w", k, err)
			}
			infos = append(infos, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (c *BoltClient) Close() error {
	return c.db.Close()
}
