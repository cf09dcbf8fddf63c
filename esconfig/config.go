// Package esconfig loads event-store runtime configuration from
// environment variables, applying sane defaults and returning descriptive
// errors for invalid overrides.
package esconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPartition is used when ESTORE_PARTITION is unset.
	DefaultPartition = "default"
	// DefaultBackend selects the in-memory reference adapter.
	DefaultBackend = "memory"
	// DefaultAdminAddr is the default administrative HTTP listen address.
	DefaultAdminAddr = ":8420"
	// DefaultGRPCAddr is the default administrative gRPC listen address.
	DefaultGRPCAddr = ":8421"

	// DefaultDispatchSweepInterval controls how often the reference
	// dispatch sweeper polls for undispatched commits.
	DefaultDispatchSweepInterval = 2 * time.Second
	// DefaultSnapshotScanInterval controls how often the reference
	// snapshot scanner polls for lagging streams.
	DefaultSnapshotScanInterval = 30 * time.Second
	// DefaultSnapshotThreshold is the default Unsnapshotted lag that
	// makes a stream a snapshot candidate.
	DefaultSnapshotThreshold int64 = 100

	// DefaultLogLevel controls verbosity for event-store logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "eventstore.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for an event-store node.
type Config struct {
	Partition string
	Backend   string
	DSN       string

	AdminAddr        string
	GRPCAddr         string
	AdminToken       string
	TLSCertPath      string
	TLSKeyPath       string
	GRPCClientCAPath string

	DispatchSweepInterval time.Duration
	SnapshotScanInterval  time.Duration
	SnapshotThreshold     int64

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the event-store configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Partition:             getString("ESTORE_PARTITION", DefaultPartition),
		Backend:               getString("ESTORE_BACKEND", DefaultBackend),
		DSN:                   strings.TrimSpace(os.Getenv("ESTORE_DSN")),
		AdminAddr:             getString("ESTORE_ADMIN_ADDR", DefaultAdminAddr),
		GRPCAddr:              getString("ESTORE_GRPC_ADDR", DefaultGRPCAddr),
		AdminToken:            strings.TrimSpace(os.Getenv("ESTORE_ADMIN_TOKEN")),
		TLSCertPath:           strings.TrimSpace(os.Getenv("ESTORE_TLS_CERT")),
		TLSKeyPath:            strings.TrimSpace(os.Getenv("ESTORE_TLS_KEY")),
		GRPCClientCAPath:      strings.TrimSpace(os.Getenv("ESTORE_GRPC_CLIENT_CA")),
		DispatchSweepInterval: DefaultDispatchSweepInterval,
		SnapshotScanInterval:  DefaultSnapshotScanInterval,
		SnapshotThreshold:     DefaultSnapshotThreshold,
		Logging: LoggingConfig{
			Level:      getString("ESTORE_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("ESTORE_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("ESTORE_DISPATCH_SWEEP_INTERVAL")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("ESTORE_DISPATCH_SWEEP_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.DispatchSweepInterval = d
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ESTORE_SNAPSHOT_SCAN_INTERVAL")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("ESTORE_SNAPSHOT_SCAN_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.SnapshotScanInterval = d
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ESTORE_SNAPSHOT_THRESHOLD")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ESTORE_SNAPSHOT_THRESHOLD must be a positive integer, got %q", raw))
		} else {
			cfg.SnapshotThreshold = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ESTORE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ESTORE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ESTORE_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ESTORE_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ESTORE_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ESTORE_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ESTORE_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ESTORE_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "ESTORE_TLS_CERT and ESTORE_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
