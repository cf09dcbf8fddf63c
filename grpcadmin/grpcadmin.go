// Package grpcadmin exposes the standard gRPC health-checking protocol
// over mTLS so an orchestrator can probe a running event store node the
// same way it would probe the teacher broker's gRPC surface.
package grpcadmin

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ledgerstream/eventstore/eslog"
)

// TLSConfig carries the paths to the server keypair and the client CA
// bundle used to authenticate callers.
type TLSConfig struct {
	ServerCertPath string
	ServerKeyPath  string
	ClientCAPath   string
}

// certStore holds the currently active server TLS configuration and
// atomically swaps it in place when the underlying cert/key/CA files
// change on disk, so a rotated certificate takes effect without
// restarting the process.
type certStore struct {
	cfg     TLSConfig
	current atomic.Pointer[tls.Config]
}

func newCertStore(cfg TLSConfig) (*certStore, error) {
	store := &certStore{cfg: cfg}
	if err := store.reload(); err != nil {
		return nil, err
	}
	return store, nil
}

func (c *certStore) reload() error {
	cert, err := tls.LoadX509KeyPair(c.cfg.ServerCertPath, c.cfg.ServerKeyPath)
	if err != nil {
		return fmt.Errorf("load server keypair: %w", err)
	}
	caBytes, err := os.ReadFile(c.cfg.ClientCAPath)
	if err != nil {
		return fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return fmt.Errorf("failed to parse client ca bundle")
	}
	c.current.Store(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	})
	return nil
}

func (c *certStore) getConfigForClient(*tls.ClientHelloInfo) (*tls.Config, error) {
	return c.current.Load(), nil
}

// watch reloads the certificate bundle whenever any of its source files
// change on disk, until ctx is cancelled. A reload failure is logged and
// the previously loaded configuration stays in effect.
func (c *certStore) watch(ctx context.Context, logger *eslog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch tls material: %w", err)
	}
	dirs := map[string]struct{}{
		filepath.Dir(c.cfg.ServerCertPath): {},
		filepath.Dir(c.cfg.ServerKeyPath):  {},
		filepath.Dir(c.cfg.ClientCAPath):   {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					logger.Warn("tls material reload failed, keeping previous credentials", eslog.Error(err))
				} else {
					logger.Info("tls material reloaded")
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("tls watcher error", eslog.Error(watchErr))
			}
		}
	}()
	return nil
}

// Server wraps a grpc.Server exposing grpc.health.v1.Health.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	certs      *certStore
	log        *eslog.Logger
}

// New constructs a Server secured with mTLS using cfg. The certificate
// bundle is loaded once up front and then watched on disk for rotation;
// Serve starts the watch and it runs for the life of that call.
func New(cfg TLSConfig, logger *eslog.Logger) (*Server, error) {
	if logger == nil {
		logger = eslog.L()
	}
	certs, err := newCertStore(cfg)
	if err != nil {
		return nil, err
	}
	creds := credentials.NewTLS(&tls.Config{
		ClientAuth:         tls.RequireAndVerifyClientCert,
		MinVersion:         tls.VersionTLS12,
		GetConfigForClient: certs.getConfigForClient,
	})
	grpcServer := grpc.NewServer(grpc.Creds(creds))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	return &Server{grpcServer: grpcServer, health: healthServer, certs: certs, log: logger}, nil
}

// SetServingStatus propagates a backend's health into the gRPC health
// protocol, keyed by partition.
func (s *Server) SetServingStatus(partition string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(partition, status)
}

// Serve blocks accepting connections on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if err := s.certs.watch(ctx, s.log); err != nil {
		return err
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.log.Info("grpc admin server stopping", eslog.String("addr", addr))
		s.grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
