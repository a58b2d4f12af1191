package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"convsync/internal/metrics"
	"convsync/internal/models"
	"convsync/internal/service"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server is the HTTP surface the presentation layer talks to. It only
// reads and forwards; every state transition happens inside the engine.
type Server struct {
	router   *mux.Router
	logger   *logrus.Logger
	engine   *service.SyncEngine
	registry *metrics.Registry
	server   *http.Server
	cfg      *models.Config
}

func NewServer(cfg *models.Config, engine *service.SyncEngine, registry *metrics.Registry, logger *logrus.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		engine:   engine,
		registry: registry,
		cfg:      cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/status", s.handleStatus()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/metrics", s.handleMetrics()).Methods(http.MethodGet)

	conversations := s.router.PathPrefix("/api/conversations").Subrouter()
	conversations.HandleFunc("", s.handleListConversations()).Methods(http.MethodGet)
	conversations.HandleFunc("/{id}/activate", s.handleActivate()).Methods(http.MethodPut)
	conversations.HandleFunc("/{id}/pin", s.handleSetPinned()).Methods(http.MethodPut)
	conversations.HandleFunc("/{id}/messages", s.handleListMessages()).Methods(http.MethodGet)
	conversations.HandleFunc("/{id}/messages", s.handleSend()).Methods(http.MethodPost)

	s.router.HandleFunc("/api/messages/{id}/retry", s.handleRetry()).Methods(http.MethodPost)
	s.router.HandleFunc("/api/connection/disconnect", s.handleDisconnect()).Methods(http.MethodPost)
	s.router.HandleFunc("/api/connection/reconnect", s.handleReconnect()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on %s", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.engine.StatusSnapshot(r.Context()))
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.registry.Snapshot())
	}
}

func (s *Server) handleListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.engine.Conversations())
	}
}

// handleActivate focuses a conversation: the poll scheduler retargets
// and the unread counter resets.
func (s *Server) handleActivate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		s.engine.SetActiveConversation(r.Context(), id)
		s.writeJSON(w, http.StatusOK, map[string]string{"active": id})
	}
}

// handleSetPinned toggles a conversation's pin flag.
func (s *Server) handleSetPinned() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		var body struct {
			Pinned bool `json:"pinned"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		s.engine.SetPinned(id, body.Pinned)
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "pinned": body.Pinned})
	}
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		messages := s.engine.Messages(id)
		if messages == nil {
			messages = []models.Message{}
		}
		s.writeJSON(w, http.StatusOK, messages)
	}
}

func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		var content service.OutgoingContent
		if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if content.Body == "" && content.MediaURL == "" {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message body or media required"})
			return
		}

		m := s.engine.Send(r.Context(), id, content)
		s.writeJSON(w, http.StatusAccepted, m)
	}
}

func (s *Server) handleRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.engine.Retry(r.Context(), id); err != nil {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"retrying": id})
	}
}

// handleDisconnect tears down the push channel on user request.
func (s *Server) handleDisconnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.engine.Disconnect()
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "disconnected"})
	}
}

// handleReconnect revives the push channel after a terminal state.
func (s *Server) handleReconnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.engine.Reconnect()
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
