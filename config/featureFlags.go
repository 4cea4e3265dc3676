package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ConflictMaxRetries bounds the automatic resolve-and-retry loop of offline updates.
//
// Set via env:
// - POS_CONFLICT_MAX_RETRIES=1 (default 1, 0 disables automatic retry)
func ConflictMaxRetries() int {
	v := strings.TrimSpace(os.Getenv("POS_CONFLICT_MAX_RETRIES"))
	if v == "" {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 1
	}
	return n
}

// ConflictStrategy is the resolution strategy used by offline updates.
//
// Set via env:
// - POS_CONFLICT_STRATEGY=latest|local|remote|manual (default latest)
func ConflictStrategy() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("POS_CONFLICT_STRATEGY")))
	if v == "" {
		return "latest"
	}
	return v
}

// SyncedSaleRetention is how long a synced sale is kept on the device.
// Zero keeps synced sales forever.
//
// Set via env:
// - POS_SYNCED_SALE_RETENTION_HOURS=72
func SyncedSaleRetention() time.Duration {
	v := strings.TrimSpace(os.Getenv("POS_SYNCED_SALE_RETENTION_HOURS"))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Hour
}

type SyncRetryConfig struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func GetSyncRetryConfig() SyncRetryConfig {
	cfg := SyncRetryConfig{
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  10 * time.Minute,
	}
	if n := intFromEnv("POS_SYNC_BASE_BACKOFF_SECONDS", 0); n > 0 {
		cfg.BaseBackoff = time.Duration(n) * time.Second
	}
	if n := intFromEnv("POS_SYNC_MAX_BACKOFF_SECONDS", 0); n > 0 {
		cfg.MaxBackoff = time.Duration(n) * time.Second
	}
	return cfg
}

type DeviceRegistration struct {
	DeviceId string
	StoreId  string
}

// DeviceKeys maps registered device keys to the device (and optionally the store)
// they belong to.
//
// Set via env:
// - POS_DEVICE_KEYS="key1:device-a:store-1,key2:device-b"
func DeviceKeys() map[string]DeviceRegistration {
	out := map[string]DeviceRegistration{}
	for _, part := range strings.Split(os.Getenv("POS_DEVICE_KEYS"), ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) < 2 || len(fields) > 3 {
			continue
		}
		key := strings.TrimSpace(fields[0])
		reg := DeviceRegistration{DeviceId: strings.TrimSpace(fields[1])}
		if len(fields) == 3 {
			reg.StoreId = strings.TrimSpace(fields[2])
		}
		if key == "" || reg.DeviceId == "" {
			continue
		}
		out[key] = reg
	}
	return out
}
