// Package httpapi exposes the administrative HTTP surface for an event
// store node: health checks and per-partition operator endpoints. Routes
// carrying a partition path segment use httprouter, whose named parameters
// are the idiomatic fit for that shape; the teacher's own liveness/metrics
// routes (which take no parameters) used a bare net/http.ServeMux, and that
// style is kept for the parameter-free routes below.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/ledgerstream/eventstore"
	"github.com/ledgerstream/eventstore/eslog"
)

// Admin exposes the operational queries the HTTP surface serves. A facade
// or persistence engine satisfies this directly.
type Admin interface {
	GetUndispatchedCommits(ctx context.Context) (eventstore.CommitIterator, error)
	GetStreamsToSnapshot(ctx context.Context, threshold int64) ([]eventstore.StreamHead, error)
	Purge(ctx context.Context) error
}

// Committer is the write-side surface the commit endpoint delegates to.
// *eventstore.EventStore satisfies this directly, so the admin server can
// offer a plain HTTP append path without every caller linking a client
// library for the wire protocol.
type Committer interface {
	Commit(ctx context.Context, attempt eventstore.CommitAttempt) (eventstore.Commit, error)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *eslog.Logger
	Backends    map[string]Admin
	Committers  map[string]Committer
	AdminToken  string
	Verifier    *TokenVerifier
	RateLimiter RateLimiter
	TimeSource  func() time.Time
	Ready       func() error
}

// HandlerSet bundles the administrative handlers for one event store node.
type HandlerSet struct {
	logger      *eslog.Logger
	backends    map[string]Admin
	committers  map[string]Committer
	adminToken  string
	verifier    *TokenVerifier
	rateLimiter RateLimiter
	now         func() time.Time
	ready       func() error
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = eslog.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		backends:    opts.Backends,
		committers:  opts.Committers,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		verifier:    opts.Verifier,
		rateLimiter: opts.RateLimiter,
		now:         now,
		ready:       opts.Ready,
	}
}

// Router builds the httprouter mux serving every registered route.
func (h *HandlerSet) Router() *httprouter.Router {
	r := httprouter.New()
	r.GET("/healthz", h.healthz)
	r.GET("/readyz", h.readyz)
	r.GET("/v1/partitions/:partition/undispatched", h.withPartition(h.undispatched))
	r.GET("/v1/partitions/:partition/snapshot-candidates", h.withPartition(h.snapshotCandidates))
	r.POST("/v1/partitions/:partition/purge", h.withPartition(h.purge))
	r.POST("/v1/partitions/:partition/streams/:streamId/commits", h.withCommitter(h.appendCommit))
	return r
}

func (h *HandlerSet) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *HandlerSet) readyz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "message": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withPartition wraps a partition-scoped handler with admin token auth,
// rate limiting, and backend resolution, mirroring the teacher's
// authorise-then-rate-limit-then-act handler shape.
func (h *HandlerSet) withPartition(fn func(http.ResponseWriter, *http.Request, Admin, string)) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		partition := ps.ByName("partition")
		reqLog := h.logger.With(
			eslog.String("partition", partition),
			eslog.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" && h.verifier == nil {
			reqLog.Warn("request denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLog.Warn("request denied: unauthorized")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLog.Warn("request denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		backend, ok := h.backends[partition]
		if !ok {
			http.Error(w, "unknown partition", http.StatusNotFound)
			return
		}
		fn(w, r, backend, partition)
	}
}

// withCommitter mirrors withPartition's auth/rate-limit gate but resolves
// a Committer instead of an Admin, for the append-only write endpoint.
func (h *HandlerSet) withCommitter(fn func(http.ResponseWriter, *http.Request, Committer, string, string)) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		partition := ps.ByName("partition")
		streamID := ps.ByName("streamId")
		reqLog := h.logger.With(
			eslog.String("partition", partition),
			eslog.String("stream_id", streamID),
			eslog.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" && h.verifier == nil {
			reqLog.Warn("request denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLog.Warn("request denied: unauthorized")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLog.Warn("request denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		committer, ok := h.committers[partition]
		if !ok {
			http.Error(w, "unknown partition", http.StatusNotFound)
			return
		}
		fn(w, r, committer, partition, streamID)
	}
}

// commitRequest is the wire shape for appending a commit over HTTP.
type commitRequest struct {
	CommitID               string         `json:"commit_id"`
	CommitSequence         int64          `json:"commit_sequence"`
	StreamRevision         int64          `json:"stream_revision"`
	StartingStreamRevision int64          `json:"starting_stream_revision"`
	Headers                map[string]any `json:"headers"`
	Events                 []any          `json:"events"`
}

func (h *HandlerSet) appendCommit(w http.ResponseWriter, r *http.Request, committer Committer, partition, streamID string) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed commit request", http.StatusBadRequest)
		return
	}

	attempt := eventstore.CommitAttempt{
		Partition:              partition,
		StreamID:               streamID,
		CommitID:               req.CommitID,
		CommitSequence:         req.CommitSequence,
		StreamRevision:         req.StreamRevision,
		StartingStreamRevision: req.StartingStreamRevision,
		Headers:                req.Headers,
		Events:                 req.Events,
	}

	commit, err := committer.Commit(r.Context(), attempt)
	if err != nil {
		switch {
		case errors.Is(err, eventstore.ErrConcurrency), errors.Is(err, eventstore.ErrDuplicateCommit):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, "commit failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, commit)
}

func (h *HandlerSet) undispatched(w http.ResponseWriter, r *http.Request, backend Admin, partition string) {
	type row struct {
		StreamID       string `json:"stream_id"`
		CommitID       string `json:"commit_id"`
		CommitSequence int64  `json:"commit_sequence"`
	}
	iter, err := backend.GetUndispatchedCommits(r.Context())
	if err != nil {
		http.Error(w, "list undispatched commits failed", http.StatusInternalServerError)
		return
	}
	defer iter.Close()

	rows := make([]row, 0, 16)
	for {
		commit, ok, err := iter.Next(r.Context())
		if err != nil {
			http.Error(w, "iterate undispatched commits failed", http.StatusInternalServerError)
			return
		}
		if !ok {
			break
		}
		rows = append(rows, row{StreamID: commit.StreamID, CommitID: commit.CommitID, CommitSequence: commit.CommitSequence})
	}
	writeJSON(w, http.StatusOK, map[string]any{"partition": partition, "undispatched": rows})
}

func (h *HandlerSet) snapshotCandidates(w http.ResponseWriter, r *http.Request, backend Admin, partition string) {
	threshold := int64(100)
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			threshold = parsed
		}
	}
	heads, err := backend.GetStreamsToSnapshot(r.Context(), threshold)
	if err != nil {
		http.Error(w, "list snapshot candidates failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"partition": partition, "threshold": threshold, "candidates": heads})
}

func (h *HandlerSet) purge(w http.ResponseWriter, r *http.Request, backend Admin, partition string) {
	if err := backend.Purge(r.Context()); err != nil {
		http.Error(w, "purge failed", http.StatusInternalServerError)
		return
	}
	h.logger.Warn("partition purged via admin API", eslog.String("partition", partition))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "partition": partition})
}

// authorise checks the admin token against Authorization, X-Admin-Token,
// and a token query parameter, in that order, matching the teacher's
// internal/http.HandlerSet.authorise precedence. When a TokenVerifier is
// configured, the token must be a valid signed admin token instead of a
// bare shared secret.
func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	if h.verifier != nil {
		_, err := h.verifier.Verify(token)
		return err == nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
