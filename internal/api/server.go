// Package api serves the REST document lifecycle and mounts the sync and
// playback endpoints on one router.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/observability"
	"github.com/example/workspace-sync/internal/storage"
	"github.com/example/workspace-sync/internal/types"
)

const (
	maxBodyBytes   = 1 << 20
	archiveTimeout = 30 * time.Second
)

// Store is the persistence surface used by the REST handlers.
type Store interface {
	Create(ctx context.Context, ws types.WorkspaceID, owner types.ViewerID, doc document.Doc) (document.Doc, error)
	Get(ctx context.Context, ws types.WorkspaceID) (document.Doc, error)
	Replace(ctx context.Context, ws types.WorkspaceID, expectedVersion int64, doc document.Doc, now time.Time) (document.Doc, error)
	ACL(ctx context.Context, ws types.WorkspaceID) (storage.ACL, error)
	SetACL(ctx context.Context, acl storage.ACL) error
	ListByOwner(ctx context.Context, owner types.ViewerID) ([]storage.WorkspaceSummary, error)
}

// Authenticator resolves the viewer behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (types.ViewerID, error)
}

// Archiver snapshots a workspace to object storage.
type Archiver interface {
	Archive(ctx context.Context, ws types.WorkspaceID) (storage.ArchiveRef, error)
}

// Option configures a Server.
type Option func(*Server)

// WithArchiver archives workspaces after create, copy and replace.
func WithArchiver(a Archiver) Option {
	return func(s *Server) { s.archiver = a }
}

// WithPlayback mounts h at GET /api/workspaces/{id}/state.
func WithPlayback(h http.Handler) Option {
	return func(s *Server) { s.playback = h }
}

// WithSync mounts the sync gateway at /ws/workspaces.
func WithSync(h http.Handler) Option {
	return func(s *Server) { s.sync = h }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) { s.clock = clock }
}

// WithIDGenerator overrides how new workspace ids are minted.
func WithIDGenerator(gen func() types.WorkspaceID) Option {
	return func(s *Server) { s.newID = gen }
}

// Server implements the HTTP surface.
type Server struct {
	store    Store
	auth     Authenticator
	archiver Archiver
	playback http.Handler
	sync     http.Handler
	clock    func() time.Time
	newID    func() types.WorkspaceID
	logger   zerolog.Logger
}

// NewServer wires the REST handlers.
func NewServer(store Store, auth Authenticator, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		store:  store,
		auth:   auth,
		clock:  time.Now,
		newID:  newWorkspaceID,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.accessLog)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	r.Methods(http.MethodGet).Path("/api/health").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/api/workspaces").HandlerFunc(s.listWorkspaces)
	r.Methods(http.MethodPost).Path("/api/workspaces").HandlerFunc(s.createWorkspace)
	r.Methods(http.MethodPost).Path("/api/workspaces/copy").HandlerFunc(s.copyWorkspace)
	r.Methods(http.MethodGet).Path("/api/workspaces/{id}").HandlerFunc(s.getWorkspace)
	r.Methods(http.MethodPut).Path("/api/workspaces/{id}").HandlerFunc(s.replaceWorkspace)
	r.Methods(http.MethodPut).Path("/api/workspaces/{id}/acl").HandlerFunc(s.updateACL)
	if s.playback != nil {
		r.Methods(http.MethodGet).Path("/api/workspaces/{id}/state").Handler(s.playback)
	}
	if s.sync != nil {
		r.Methods(http.MethodGet).Path("/ws/workspaces").Handler(s.sync)
	}
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		ctx, span := tracer.Start(r.Context(), r.Method+" "+route)
		defer span.End()

		m := httpsnoop.CaptureMetrics(next, w, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", m.Code))
		requestLatency.WithLabelValues(route, r.Method, strconv.Itoa(m.Code)).Observe(m.Duration.Seconds())
		logger := observability.LoggerWithTrace(ctx, s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", m.Code).
			Int64("bytes", m.Written).
			Dur("duration", m.Duration).
			Msg("handled")
	})
}

// archive runs best effort: the response never waits on object storage.
func (s *Server) archive(ctx context.Context, ws types.WorkspaceID) {
	if s.archiver == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
		defer cancel()
		if _, err := s.archiver.Archive(ctx, ws); err != nil {
			archiveFailures.Inc()
			s.logger.Warn().Err(err).Str("workspace", string(ws)).Msg("archive after write failed")
		}
	}()
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
