package objstore

import (
	"fmt"
	"path/filepath"

	"github.com/stratumhq/strata/pkg/config"
)

// Open returns the instrumented store client selected by the store_driver
// config key.
func Open() (Client, error) {
	driver := config.Get("store_driver")
	var c Client
	var err error
	switch driver {
	case "s3":
		c, err = NewS3(S3Options{
			Bucket:         config.Get("bucket_name"),
			Endpoint:       config.Get("aws_s3_gateway"),
			Region:         config.Get("aws_region"),
			AccessKey:      config.Get("aws_access_key_id"),
			SecretKey:      config.Get("aws_secret_access_key"),
			MaxConnections: config.GetInt64("max_tcp_connections"),
		})
	case "bolt":
		c, err = NewBolt(filepath.Join(config.Get("data_dir"), "strata.db"))
	case "memory":
		c = NewMemory()
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	return WithMetrics(c), nil
}
