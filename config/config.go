// Package config reads the server configuration from the environment and an
// optional YAML cluster file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultListenAddr        = ":3000"
	DefaultSchedulerInterval = 3 * time.Second
	DefaultDispatchTimeout   = 10 * time.Second
	DefaultCPUDiscount       = 0.2
	DefaultMemoryOverheadMB  = 256
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultJobNamespace      = "jobdag"
	DefaultJobImage          = "jobdag/runner:latest"
	DefaultLeaseTTL          = 15 * time.Second
)

// Config is the runtime configuration of the jobdag server.
type Config struct {
	DatabaseURL       string
	ListenAddr        string
	SchedulerInterval time.Duration
	DispatchTimeout   time.Duration
	CPUDiscount       float64
	MemoryOverheadMB  int64
	LogLevel          string
	LogFormat         string
	JobNamespace      string
	JobImage          string
	WorkDir           string
	ClustersFile      string
	ReplicaID         string
	LeaseTTL          time.Duration

	// Clusters is read from ClustersFile when set.
	Clusters []Cluster
}

// Load builds a Config from the environment. The error names the variable
// that could not be parsed.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		ListenAddr:        DefaultListenAddr,
		SchedulerInterval: DefaultSchedulerInterval,
		DispatchTimeout:   DefaultDispatchTimeout,
		CPUDiscount:       DefaultCPUDiscount,
		MemoryOverheadMB:  DefaultMemoryOverheadMB,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
		JobNamespace:      DefaultJobNamespace,
		JobImage:          DefaultJobImage,
		WorkDir:           filepath.Join(os.TempDir(), "jobdag"),
		LeaseTTL:          DefaultLeaseTTL,
	}

	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.JobNamespace, "JOB_NAMESPACE")
	setString(&cfg.JobImage, "JOB_IMAGE")
	setString(&cfg.WorkDir, "WORK_DIR")
	setString(&cfg.ClustersFile, "CLUSTERS_FILE")

	cfg.ReplicaID = strings.TrimSpace(os.Getenv("REPLICA_ID"))
	if cfg.ReplicaID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("jobdag: REPLICA_ID not set and hostname unavailable: %w", err)
		}
		cfg.ReplicaID = host
	}

	if err := setDuration(&cfg.SchedulerInterval, "SCHEDULER_INTERVAL"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.DispatchTimeout, "DISPATCH_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.LeaseTTL, "LEASE_TTL"); err != nil {
		return nil, err
	}
	if value := strings.TrimSpace(os.Getenv("CPU_DISCOUNT")); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("jobdag: invalid CPU_DISCOUNT %q", value)
		}
		cfg.CPUDiscount = parsed
	}
	if value := strings.TrimSpace(os.Getenv("MEMORY_OVERHEAD_MB")); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("jobdag: invalid MEMORY_OVERHEAD_MB %q", value)
		}
		cfg.MemoryOverheadMB = parsed
	}

	if cfg.ClustersFile != "" {
		clusters, err := LoadClusters(cfg.ClustersFile)
		if err != nil {
			return nil, err
		}
		cfg.Clusters = clusters
	}
	return cfg, nil
}

func setString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fmt.Errorf("jobdag: invalid %s %q", key, value)
	}
	*dst = parsed
	return nil
}
