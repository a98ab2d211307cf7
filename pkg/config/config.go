// Package config loads the engine's configuration, read once at startup
// (spec §6, §9: "global singletons... never mutate configuration after
// init"). The teacher has no config loader of its own; this follows
// cuemby-warren's cmd/warren convention of a plain struct populated from a
// JSON file on disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds every recognized configuration key from spec §6.
type Config struct {
	WorkerThreadsNum  int `json:"worker_threads_num"`
	VNFThreadsNum     int `json:"vnf_threads_num"`
	WaitingQueueSize  int `json:"waiting_queue_size"`

	// TransactionOutOfOrderTimeNS is parsed and stored but never used to
	// reorder arrivals — see spec §9 open question (a). Kept as a typed
	// field so a future reordering window has somewhere to live.
	TransactionOutOfOrderTimeNS int64 `json:"transaction_out_of_order_time_ns"`

	RingBufferSize        int  `json:"ringbuffer_size"`
	RingBufferFullToPanic bool `json:"ringbuffer_full_to_panic"`

	// TransactionPoolingSize sized a per-worker Txn object pool in the
	// original implementation (ultimately left commented out there).
	// tpgflow repurposes it as the construct goroutine's arrival channel
	// capacity: both bound how many not-yet-constructed transactions the
	// engine holds in flight at once, so the knob keeps the same role
	// under Go's channel-based backpressure instead of an object pool.
	TransactionPoolingSize int `json:"transaction_pooling_size"`
	MaxStateRecords        int `json:"max_state_records"`
	MaxEventBatch          int `json:"max_event_batch"`

	Verbose        bool   `json:"verbose"`
	MonitorEnabled bool   `json:"monitor_enabled"`
	LogDir         string `json:"log_dir"`
}

// Default returns the configuration used when no file is supplied, or to
// fill in fields a partial file omits.
func Default() Config {
	return Config{
		WorkerThreadsNum:            4,
		VNFThreadsNum:               1,
		WaitingQueueSize:            4096,
		TransactionOutOfOrderTimeNS: 0,
		RingBufferSize:              64,
		RingBufferFullToPanic:       false,
		TransactionPoolingSize:      1024,
		MaxStateRecords:             1,
		MaxEventBatch:               32,
		Verbose:                     false,
		MonitorEnabled:              true,
		LogDir:                      ".",
	}
}

// Load reads and parses the config JSON at path. Missing fields keep their
// Default() value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.WorkerThreadsNum <= 0 {
		return Config{}, fmt.Errorf("config: worker_threads_num must be positive")
	}
	if cfg.RingBufferSize <= 0 {
		return Config{}, fmt.Errorf("config: ringbuffer_size must be positive")
	}
	if cfg.MaxStateRecords <= 0 {
		cfg.MaxStateRecords = 1
	}
	if cfg.MaxEventBatch <= 0 {
		cfg.MaxEventBatch = 1
	}
	return cfg, nil
}

// OutOfOrderWindow returns TransactionOutOfOrderTimeNS as a time.Duration,
// for the (currently unused) reorder window.
func (c Config) OutOfOrderWindow() time.Duration {
	return time.Duration(c.TransactionOutOfOrderTimeNS)
}
