package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// defaults holds the built-in value for every recognized key. Resolution
// order for Get is: explicit override (command line or config file), then
// the KEY environment variable, then the default.
var defaults = map[string]string{
	"bucket_name":            "strata-data",
	"aws_s3_gateway":         "https://s3.amazonaws.com",
	"aws_region":             "us-east-1",
	"aws_access_key_id":      "",
	"aws_secret_access_key":  "",
	"store_driver":           "s3", // s3 | bolt | memory
	"data_dir":               "/var/lib/strata",
	"head_host":              "localhost",
	"head_port":              "5100",
	"dn_port":                "5101",
	"sn_port":                "5102",
	"an_port":                "5103",
	"an_url":                 "", // async GC endpoint, empty disables notifications
	"target_sn_count":        "4",
	"target_dn_count":        "4",
	"max_tcp_connections":    "16",
	"head_sleep_time":        "10",
	"node_sleep_time":        "10",
	"async_sleep_time":       "10",
	"s3_sync_interval":       "30",
	"max_chunks_per_request": "1000",
	"min_chunk_size":         "8192",
	"max_chunk_size":         "4194304",
	"metadata_mem_cache":     "134217728", // 128 MB
	"chunk_mem_cache":        "134217728", // 128 MB
	"max_chunk_wait_time":    "10",
	"timeout":                "30",
	"allow_noauth":           "true",
	"max_task_count":         "100",
	"log_level":              "info",
	"log_json":               "false",
	"password_file":          "",
}

var (
	mu        sync.RWMutex
	overrides = map[string]string{}
)

// Set records an explicit override for key, taking precedence over the
// environment and the built-in default.
func Set(key, value string) {
	mu.Lock()
	defer mu.Unlock()
	overrides[key] = value
}

// Reset drops all overrides. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	overrides = map[string]string{}
}

// ParseArgs consumes --key=value arguments, recording each recognized key as
// an override. Unrecognized keys are reported as an error so typos fail fast.
func ParseArgs(args []string) error {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(arg, "--"), "=", 2)
		if len(kv) != 2 {
			continue
		}
		if _, ok := defaults[kv[0]]; !ok {
			return fmt.Errorf("unknown config key: %s", kv[0])
		}
		Set(kv[0], kv[1])
	}
	return nil
}

// LoadFile overlays overrides from a YAML file of flat key: value pairs.
// Command-line overrides set afterwards still win.
func LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	for k, v := range values {
		if _, ok := defaults[k]; !ok {
			return fmt.Errorf("unknown config key in %s: %s", path, k)
		}
		Set(k, v)
	}
	return nil
}

// Get returns the resolved string value for key. Unknown keys resolve to "".
func Get(key string) string {
	mu.RLock()
	if v, ok := overrides[key]; ok {
		mu.RUnlock()
		return v
	}
	mu.RUnlock()
	if v, ok := os.LookupEnv(strings.ToUpper(key)); ok {
		return v
	}
	return defaults[key]
}

// GetInt returns the value for key as an int, or the parsed default when the
// resolved value is malformed.
func GetInt(key string) int {
	v, err := strconv.Atoi(Get(key))
	if err != nil {
		v, _ = strconv.Atoi(defaults[key])
	}
	return v
}

// GetInt64 returns the value for key as an int64.
func GetInt64(key string) int64 {
	v, err := strconv.ParseInt(Get(key), 10, 64)
	if err != nil {
		v, _ = strconv.ParseInt(defaults[key], 10, 64)
	}
	return v
}

// GetBool returns the value for key as a bool.
func GetBool(key string) bool {
	v, err := strconv.ParseBool(Get(key))
	if err != nil {
		v, _ = strconv.ParseBool(defaults[key])
	}
	return v
}

// GetDuration interprets the value for key as a number of seconds.
func GetDuration(key string) time.Duration {
	return time.Duration(GetInt(key)) * time.Second
}
