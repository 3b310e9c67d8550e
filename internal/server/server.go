// Package server exposes the public HTTP surface: ActivityPub actors,
// objects, inboxes, and the discovery endpoints remote servers probe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/klppl/skybridge/internal/ap"
	"github.com/klppl/skybridge/internal/config"
	"github.com/klppl/skybridge/internal/convert"
	"github.com/klppl/skybridge/internal/db"
)

const (
	activityJSONType = `application/activity+json`
	version          = "1.0.0"
	followersPerPage = 50
)

// Server is the inbound HTTP server.
type Server struct {
	cfg      *config.Config
	store    *db.Store
	actors   *ap.Actors
	inbox    *ap.Inbox
	env      *convert.Env
	registry *convert.Registry
	router   *chi.Mux
}

func New(cfg *config.Config, store *db.Store, actors *ap.Actors, inbox *ap.Inbox, env *convert.Env, registry *convert.Registry) *Server {
	s := &Server{cfg: cfg, store: store, actors: actors, inbox: inbox, env: env, registry: registry}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled, then drains in-flight
// handlers with a 30 s grace.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "publicUrl", s.cfg.PublicURL)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	// Discovery.
	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/host-meta", s.handleHostMeta)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfo)
	r.Get("/nodeinfo/{version}", s.handleNodeInfoSchema)

	// Actors and their collections.
	r.Get("/users/{did}", s.handleActor)
	r.Get("/users/{did}/followers", s.handleFollowers)
	r.Get("/users/{did}/following", s.handleFollowing)
	r.Get("/users/{did}/outbox", s.handleOutbox)
	r.Get("/users/{did}/inbox", s.handleInboxCollection)
	r.Post("/users/{did}/inbox", s.inbox.Handle)

	// Shared inbox.
	r.Post("/inbox", s.inbox.Handle)

	// Objects. Mounted as a wildcard because percent-encoded at:// URIs
	// contain encoded slashes that must not be routed on.
	r.Get("/posts/*", s.handlePost)

	// Root info page.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "skybridge - a federation sidecar bridging this PDS to the Fediverse.\n\nRunning on %s\n", s.cfg.Hostname)
	})

	return r
}

// ─── ActivityPub handlers ────────────────────────────────────────────────────

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	actor, err := s.actors.ActorForDID(r.Context(), did)
	if err != nil {
		if errors.Is(err, ap.ErrGone) {
			http.NotFound(w, r)
			return
		}
		slog.Debug("actor lookup failed", "did", did, "error", err)
		http.NotFound(w, r)
		return
	}
	apResponse(w, actor)
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	collectionID := s.actors.ActorURI(did) + "/followers"

	if r.URL.Query().Get("page") == "" {
		total, err := s.store.CountFollowers(did)
		if err != nil {
			internalError(w, err)
			return
		}
		apResponse(w, ap.OrderedCollection{
			Context:    ap.DefaultContext,
			ID:         collectionID,
			Type:       "OrderedCollection",
			TotalItems: total,
			First:      collectionID + "?page=true",
		})
		return
	}

	cursor := r.URL.Query().Get("cursor")
	follows, nextCursor, err := s.store.GetFollowersPage(did, cursor, followersPerPage)
	if err != nil {
		internalError(w, err)
		return
	}
	items := make([]string, 0, len(follows))
	for _, f := range follows {
		items = append(items, f.ActorURI)
	}
	page := ap.OrderedCollectionPage{
		Context:      ap.DefaultContext,
		ID:           collectionID + "?page=true&cursor=" + url.QueryEscape(cursor),
		Type:         "OrderedCollectionPage",
		PartOf:       collectionID,
		OrderedItems: items,
	}
	if nextCursor != "" {
		page.Next = collectionID + "?page=true&cursor=" + url.QueryEscape(nextCursor)
	}
	apResponse(w, page)
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	// The sidecar never follows anyone outward.
	s.emptyCollection(w, chi.URLParam(r, "did"), "/following")
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	s.emptyCollection(w, chi.URLParam(r, "did"), "/outbox")
}

func (s *Server) handleInboxCollection(w http.ResponseWriter, r *http.Request) {
	s.emptyCollection(w, chi.URLParam(r, "did"), "/inbox")
}

func (s *Server) emptyCollection(w http.ResponseWriter, did, suffix string) {
	id := s.actors.ActorURI(did) + suffix
	apResponse(w, ap.OrderedCollection{
		Context: ap.DefaultContext,
		ID:      id,
		Type:    "OrderedCollection",
	})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	escaped := strings.TrimPrefix(r.URL.EscapedPath(), "/posts/")
	atURI, err := url.PathUnescape(escaped)
	if err != nil || !strings.HasPrefix(atURI, "at://") {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(atURI, "at://")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		http.NotFound(w, r)
		return
	}
	repo, collection, rkey := parts[0], parts[1], parts[2]

	conv, ok := s.registry.For(collection)
	if !ok {
		http.NotFound(w, r)
		return
	}
	record, err := s.env.PDS.GetRecord(r.Context(), repo, collection, rkey)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	result, err := conv.ToActivityPub(r.Context(), repo, rkey, record.Value, s.env)
	if err != nil {
		internalError(w, err)
		return
	}
	if result == nil || result.Object == nil {
		http.NotFound(w, r)
		return
	}
	apResponse(w, ap.WithContext(result.Object))
}

// ─── Discovery handlers ──────────────────────────────────────────────────────

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	acct := strings.TrimPrefix(resource, "acct:")
	user, host, ok := strings.Cut(acct, "@")
	if !ok {
		http.Error(w, "invalid resource", http.StatusBadRequest)
		return
	}
	if host != s.cfg.Hostname {
		http.NotFound(w, r)
		return
	}

	// Bare usernames map to handles under this host.
	handle := user
	if !strings.Contains(handle, ".") {
		handle = handle + "." + s.cfg.Hostname
	}
	did, err := s.actors.ResolveHandle(r.Context(), handle)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	cacheHeaders(w, 3600)
	json.NewEncoder(w).Encode(s.actors.WebFingerFor(user, did))
}

func (s *Server) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>`, s.cfg.PublicURL)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"links": []map[string]string{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				"href": s.cfg.BaseURL("/nodeinfo/2.1"),
			},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfoSchema(w http.ResponseWriter, r *http.Request) {
	v := chi.URLParam(r, "version")
	if v != "2.0" && v != "2.1" {
		http.Error(w, "unsupported nodeinfo version", http.StatusNotFound)
		return
	}

	total, err := s.env.PDS.CountRepos(r.Context())
	if err != nil {
		slog.Warn("count repos for nodeinfo", "error", err)
	}
	info := ap.NodeInfo{
		Version: "2.1",
		Software: ap.NodeInfoSoftware{
			Name:    "skybridge",
			Version: version,
		},
		Protocols: []string{"activitypub"},
		Usage: ap.NodeInfoUsage{
			Users: ap.NodeInfoUsers{Total: total},
		},
		OpenRegistrations: false,
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}

// ─── Utility functions ───────────────────────────────────────────────────────

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func internalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	jsonResponse(w, map[string]string{"error": "internal_error"}, http.StatusInternalServerError)
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

// loggingMiddleware logs each HTTP request at debug level.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware adds CORS headers for fediverse client compatibility.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
