// Package api exposes instruction queuing and lookup over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kilianp07/fieldcmd/core/datum"
	"github.com/kilianp07/fieldcmd/core/instruction"
	"github.com/kilianp07/fieldcmd/core/logger"
)

const defaultListLimit = 20

// Config configures the HTTP API. An empty Addr disables it.
type Config struct {
	Addr string `json:"addr"`
	// Token, when set, must be sent as "Authorization: Bearer <token>".
	Token string `json:"token"`
}

// Instructions is the instruction surface served by the API.
type Instructions interface {
	Enqueue(ctx context.Context, in instruction.Input) (instruction.Instruction, error)
	Instruction(ctx context.Context, id int64) (instruction.Instruction, error)
	Instructions(ctx context.Context, nodeID int64, limit int) ([]instruction.Instruction, error)
}

// Sessions lists the charge points holding a live session.
type Sessions interface {
	Connected() []string
}

// LatestDatum looks up the last datum reported by a source.
type LatestDatum interface {
	Latest(ctx context.Context, kind datum.Kind, objectID int64, sourceID string) (datum.Datum, error)
}

// Server serves the API.
type Server struct {
	cfg      Config
	instr    Instructions
	sessions Sessions
	latest   LatestDatum
	log      logger.Logger
}

// New creates the API server.
func New(cfg Config, instr Instructions, log logger.Logger) *Server {
	return &Server{cfg: cfg, instr: instr, log: log}
}

// SetSessions reports live sessions on /healthz.
func (s *Server) SetSessions(sessions Sessions) { s.sessions = sessions }

// SetLatestDatum serves the latest datum of a source.
func (s *Server) SetLatestDatum(latest LatestDatum) { s.latest = latest }

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/api/instructions", s.handleEnqueue)
		r.Get("/api/instructions/{id}", s.handleGet)
		r.Get("/api/nodes/{nodeId}/instructions", s.handleList)
		if s.latest != nil {
			r.Get("/api/datum/{kind}/{objectId}/latest", s.handleLatestDatum)
		}
	})
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Infof("API listening on %s", s.cfg.Addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debugw("http request", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

type health struct {
	Status       string   `json:"status"`
	ChargePoints []string `json:"chargePoints,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := health{Status: "ok"}
	if s.sessions != nil {
		h.ChargePoints = s.sessions.Connected()
		sort.Strings(h.ChargePoints)
	}
	writeJSON(w, http.StatusOK, h)
}

type enqueueRequest struct {
	NodeID         int64                  `json:"nodeId"`
	Topic          string                 `json:"topic"`
	Parameters     instruction.Parameters `json:"parameters"`
	ExpirationDate *time.Time             `json:"expirationDate"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.NodeID <= 0 || req.Topic == "" {
		writeError(w, http.StatusBadRequest, "nodeId and topic are required")
		return
	}
	instr, err := s.instr.Enqueue(r.Context(), instruction.Input{
		NodeID:         req.NodeID,
		Topic:          req.Topic,
		Parameters:     req.Parameters,
		ExpirationDate: req.ExpirationDate,
	})
	switch {
	case errors.Is(err, instruction.ErrExpired):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		s.log.Errorf("enqueue instruction for node %d: %v", req.NodeID, err)
		writeError(w, http.StatusInternalServerError, "failed to queue instruction")
	default:
		writeJSON(w, http.StatusCreated, instr)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid instruction id")
		return
	}
	instr, err := s.instr.Instruction(r.Context(), id)
	switch {
	case errors.Is(err, instruction.ErrNotFound):
		writeError(w, http.StatusNotFound, "instruction not found")
	case err != nil:
		s.log.Errorf("get instruction %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load instruction")
	default:
		writeJSON(w, http.StatusOK, instr)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	nodeID, err := strconv.ParseInt(chi.URLParam(r, "nodeId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	list, err := s.instr.Instructions(r.Context(), nodeID, limit)
	if err != nil {
		s.log.Errorf("list instructions of node %d: %v", nodeID, err)
		writeError(w, http.StatusInternalServerError, "failed to list instructions")
		return
	}
	if list == nil {
		list = []instruction.Instruction{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleLatestDatum(w http.ResponseWriter, r *http.Request) {
	kind := datum.Kind(chi.URLParam(r, "kind"))
	if kind != datum.KindNode && kind != datum.KindLocation {
		writeError(w, http.StatusBadRequest, "kind must be node or location")
		return
	}
	objectID, err := strconv.ParseInt(chi.URLParam(r, "objectId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid object id")
		return
	}
	sourceID := r.URL.Query().Get("sourceId")
	if sourceID == "" {
		writeError(w, http.StatusBadRequest, "sourceId is required")
		return
	}
	d, err := s.latest.Latest(r.Context(), kind, objectID, sourceID)
	switch {
	case errors.Is(err, datum.ErrNotFound):
		writeError(w, http.StatusNotFound, "no datum for source")
	case err != nil:
		s.log.Errorf("latest datum %s/%d/%s: %v", kind, objectID, sourceID, err)
		writeError(w, http.StatusInternalServerError, "failed to load datum")
	default:
		writeJSON(w, http.StatusOK, d)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
