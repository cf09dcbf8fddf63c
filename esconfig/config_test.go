package esconfig

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ESTORE_PARTITION",
		"ESTORE_BACKEND",
		"ESTORE_DSN",
		"ESTORE_ADMIN_ADDR",
		"ESTORE_GRPC_ADDR",
		"ESTORE_ADMIN_TOKEN",
		"ESTORE_TLS_CERT",
		"ESTORE_TLS_KEY",
		"ESTORE_GRPC_CLIENT_CA",
		"ESTORE_DISPATCH_SWEEP_INTERVAL",
		"ESTORE_SNAPSHOT_SCAN_INTERVAL",
		"ESTORE_SNAPSHOT_THRESHOLD",
		"ESTORE_LOG_LEVEL",
		"ESTORE_LOG_PATH",
		"ESTORE_LOG_MAX_SIZE_MB",
		"ESTORE_LOG_MAX_BACKUPS",
		"ESTORE_LOG_MAX_AGE_DAYS",
		"ESTORE_LOG_COMPRESS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Partition != DefaultPartition {
		t.Fatalf("expected default partition %q, got %q", DefaultPartition, cfg.Partition)
	}
	if cfg.Backend != DefaultBackend {
		t.Fatalf("expected default backend %q, got %q", DefaultBackend, cfg.Backend)
	}
	if cfg.AdminAddr != DefaultAdminAddr {
		t.Fatalf("expected default admin addr %q, got %q", DefaultAdminAddr, cfg.AdminAddr)
	}
	if cfg.GRPCAddr != DefaultGRPCAddr {
		t.Fatalf("expected default grpc addr %q, got %q", DefaultGRPCAddr, cfg.GRPCAddr)
	}
	if cfg.AdminToken != "" {
		t.Fatalf("expected empty admin token by default")
	}
	if cfg.TLSCertPath != "" || cfg.TLSKeyPath != "" || cfg.GRPCClientCAPath != "" {
		t.Fatalf("expected empty TLS material by default")
	}
	if cfg.DispatchSweepInterval != DefaultDispatchSweepInterval {
		t.Fatalf("expected default dispatch sweep interval %v, got %v", DefaultDispatchSweepInterval, cfg.DispatchSweepInterval)
	}
	if cfg.SnapshotScanInterval != DefaultSnapshotScanInterval {
		t.Fatalf("expected default snapshot scan interval %v, got %v", DefaultSnapshotScanInterval, cfg.SnapshotScanInterval)
	}
	if cfg.SnapshotThreshold != DefaultSnapshotThreshold {
		t.Fatalf("expected default snapshot threshold %d, got %d", DefaultSnapshotThreshold, cfg.SnapshotThreshold)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.Logging.Level)
	}
	if cfg.Logging.Path != DefaultLogPath {
		t.Fatalf("expected default log path %q, got %q", DefaultLogPath, cfg.Logging.Path)
	}
	if cfg.Logging.MaxSizeMB != DefaultLogMaxSizeMB {
		t.Fatalf("expected default log max size %d, got %d", DefaultLogMaxSizeMB, cfg.Logging.MaxSizeMB)
	}
	if cfg.Logging.MaxBackups != DefaultLogMaxBackups {
		t.Fatalf("expected default log max backups %d, got %d", DefaultLogMaxBackups, cfg.Logging.MaxBackups)
	}
	if cfg.Logging.MaxAgeDays != DefaultLogMaxAgeDays {
		t.Fatalf("expected default log max age %d, got %d", DefaultLogMaxAgeDays, cfg.Logging.MaxAgeDays)
	}
	if cfg.Logging.Compress != DefaultLogCompress {
		t.Fatalf("expected default log compress %t, got %t", DefaultLogCompress, cfg.Logging.Compress)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ESTORE_PARTITION", "tenant-a")
	t.Setenv("ESTORE_BACKEND", "sqlite")
	t.Setenv("ESTORE_DSN", "/var/run/eventstore/tenant-a.db")
	t.Setenv("ESTORE_ADMIN_ADDR", "127.0.0.1:9420")
	t.Setenv("ESTORE_GRPC_ADDR", "127.0.0.1:9421")
	t.Setenv("ESTORE_ADMIN_TOKEN", "s3cret")
	t.Setenv("ESTORE_TLS_CERT", "/tls/server.pem")
	t.Setenv("ESTORE_TLS_KEY", "/tls/server.key")
	t.Setenv("ESTORE_GRPC_CLIENT_CA", "/tls/ca.pem")
	t.Setenv("ESTORE_DISPATCH_SWEEP_INTERVAL", "5s")
	t.Setenv("ESTORE_SNAPSHOT_SCAN_INTERVAL", "1m")
	t.Setenv("ESTORE_SNAPSHOT_THRESHOLD", "250")
	t.Setenv("ESTORE_LOG_LEVEL", "debug")
	t.Setenv("ESTORE_LOG_PATH", "/var/log/eventstore.log")
	t.Setenv("ESTORE_LOG_MAX_SIZE_MB", "512")
	t.Setenv("ESTORE_LOG_MAX_BACKUPS", "4")
	t.Setenv("ESTORE_LOG_MAX_AGE_DAYS", "2")
	t.Setenv("ESTORE_LOG_COMPRESS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Partition != "tenant-a" {
		t.Fatalf("unexpected partition %q", cfg.Partition)
	}
	if cfg.Backend != "sqlite" {
		t.Fatalf("unexpected backend %q", cfg.Backend)
	}
	if cfg.DSN != "/var/run/eventstore/tenant-a.db" {
		t.Fatalf("unexpected dsn %q", cfg.DSN)
	}
	if cfg.AdminAddr != "127.0.0.1:9420" {
		t.Fatalf("unexpected admin addr %q", cfg.AdminAddr)
	}
	if cfg.GRPCAddr != "127.0.0.1:9421" {
		t.Fatalf("unexpected grpc addr %q", cfg.GRPCAddr)
	}
	if cfg.AdminToken != "s3cret" {
		t.Fatalf("unexpected admin token %q", cfg.AdminToken)
	}
	if cfg.TLSCertPath != "/tls/server.pem" || cfg.TLSKeyPath != "/tls/server.key" {
		t.Fatalf("unexpected tls pair cert=%q key=%q", cfg.TLSCertPath, cfg.TLSKeyPath)
	}
	if cfg.GRPCClientCAPath != "/tls/ca.pem" {
		t.Fatalf("unexpected grpc client ca %q", cfg.GRPCClientCAPath)
	}
	if cfg.DispatchSweepInterval != 5*time.Second {
		t.Fatalf("expected dispatch sweep interval 5s, got %v", cfg.DispatchSweepInterval)
	}
	if cfg.SnapshotScanInterval != time.Minute {
		t.Fatalf("expected snapshot scan interval 1m, got %v", cfg.SnapshotScanInterval)
	}
	if cfg.SnapshotThreshold != 250 {
		t.Fatalf("expected snapshot threshold 250, got %d", cfg.SnapshotThreshold)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Logging.Level)
	}
	if cfg.Logging.Path != "/var/log/eventstore.log" {
		t.Fatalf("unexpected log path %q", cfg.Logging.Path)
	}
	if cfg.Logging.MaxSizeMB != 512 {
		t.Fatalf("expected log max size 512, got %d", cfg.Logging.MaxSizeMB)
	}
	if cfg.Logging.MaxBackups != 4 {
		t.Fatalf("expected log max backups 4, got %d", cfg.Logging.MaxBackups)
	}
	if cfg.Logging.MaxAgeDays != 2 {
		t.Fatalf("expected log max age 2, got %d", cfg.Logging.MaxAgeDays)
	}
	if cfg.Logging.Compress {
		t.Fatalf("expected log compression disabled")
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("ESTORE_DISPATCH_SWEEP_INTERVAL", "not-a-duration")
	t.Setenv("ESTORE_SNAPSHOT_SCAN_INTERVAL", "-5s")
	t.Setenv("ESTORE_SNAPSHOT_THRESHOLD", "-1")
	t.Setenv("ESTORE_LOG_MAX_SIZE_MB", "0")
	t.Setenv("ESTORE_LOG_MAX_BACKUPS", "-2")
	t.Setenv("ESTORE_LOG_MAX_AGE_DAYS", "-3")
	t.Setenv("ESTORE_LOG_COMPRESS", "notabool")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"ESTORE_DISPATCH_SWEEP_INTERVAL",
		"ESTORE_SNAPSHOT_SCAN_INTERVAL",
		"ESTORE_SNAPSHOT_THRESHOLD",
		"ESTORE_LOG_MAX_SIZE_MB",
		"ESTORE_LOG_MAX_BACKUPS",
		"ESTORE_LOG_MAX_AGE_DAYS",
		"ESTORE_LOG_COMPRESS",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadRequiresTLSCertAndKeyTogether(t *testing.T) {
	clearEnv(t)
	t.Setenv("ESTORE_TLS_CERT", "/tls/server.pem")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when only one of cert/key is set")
	}
	if !strings.Contains(err.Error(), "ESTORE_TLS_CERT") {
		t.Fatalf("expected error to mention ESTORE_TLS_CERT, got %q", err.Error())
	}
}

