package objstore

import (
	"context"

	"github.com/stratumhq/strata/pkg/metrics"
)

// instrumented wraps a Client and counts every operation by outcome.
type instrumented struct {
	c Client
}

// WithMetrics returns a client that records each store operation in the
// StoreRequests counter. Open wraps every driver it returns.
func WithMetrics(c Client) Client {
	return &instrumented{c: c}
}

func observe(op string, err error) {
	result := "ok"
	switch {
	case IsNotFound(err):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	metrics.StoreRequests.WithLabelValues(op, result).Inc()
}

func (m *instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := m.c.Get(ctx, key)
	observe("get", err)
	return data, err
}

func (m *instrumented) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	data, err := m.c.GetRange(ctx, key, offset, length)
	observe("get_range", err)
	return data, err
}

func (m *instrumented) Put(ctx context.Context, key string, data []byte) (ObjectInfo, error) {
	info, err := m.c.Put(ctx, key, data)
	observe("put", err)
	return info, err
}

func (m *instrumented) Info(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := m.c.Info(ctx, key)
	observe("info", err)
	return info, err
}

func (m *instrumented) Delete(ctx context.Context, key string) error {
	err := m.c.Delete(ctx, key)
	observe("delete", err)
	return err
}

func (m *instrumented) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	infos, err := m.c.List(ctx, prefix)
	observe("list", err)
	return infos, err
}

func (m *instrumented) Close() error {
	return m.c.Close()
}
