// Package relay is a small reference relay: the remote account and record
// operations over REST plus a websocket event topic per account. It stores
// only what devices send it, which is ciphertext.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/NeverVane/promptledger/internal/config"
	"github.com/NeverVane/promptledger/internal/logger"
	"github.com/NeverVane/promptledger/internal/remote"
)

// Backend is what the relay stores accounts in
type Backend interface {
	remote.Client
	remote.TokenVerifier
}

// Server exposes a Backend over HTTP
type Server struct {
	*mux.Router
	backend Backend
	hub     *Hub
	maxBody int64
	logger  *logger.Logger
}

// NewServer builds the router over backend
func NewServer(backend Backend, cfg *config.RelayConfig) *Server {
	maxBodyKB := 2048
	if cfg != nil && cfg.MaxBodyKB > 0 {
		maxBodyKB = cfg.MaxBodyKB
	}

	s := &Server{
		Router:  mux.NewRouter(),
		backend: backend,
		hub:     NewHub(),
		maxBody: int64(maxBodyKB) * 1024,
		logger:  logger.GetLogger().Relay(),
	}

	s.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)

	api := s.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/buckets", s.createBucket).Methods(http.MethodPost)
	api.HandleFunc("/buckets/{id}", s.getBucket).Methods(http.MethodGet)
	api.HandleFunc("/buckets/{id}", s.deleteBucket).Methods(http.MethodDelete)
	api.HandleFunc("/buckets/{id}/models", s.updateModels).Methods(http.MethodPut)
	api.HandleFunc("/buckets/{id}/prompts", s.listPrompts).Methods(http.MethodGet)
	api.HandleFunc("/buckets/{id}/prompts", s.addPrompt).Methods(http.MethodPost)
	api.HandleFunc("/buckets/{id}/prompts", s.deleteAllPrompts).Methods(http.MethodDelete)
	api.HandleFunc("/buckets/{id}/prompts/batch", s.batchAddPrompts).Methods(http.MethodPost)
	api.HandleFunc("/buckets/{id}/prompts/{pid:[0-9]+}", s.updatePrompt).Methods(http.MethodPut)
	api.HandleFunc("/buckets/{id}/prompts/{pid:[0-9]+}", s.deletePrompt).Methods(http.MethodDelete)
	api.HandleFunc("/buckets/{id}/events", s.subscribe).Methods(http.MethodGet)
	api.HandleFunc("/buckets/{id}/events", s.publish).Methods(http.MethodPost)

	return s
}

// Hub returns the event hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("Relay listening")
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info().Msg("Relay shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createBucket(w http.ResponseWriter, r *http.Request) {
	var req remote.CreateAccountRequest
	if !s.decode(w, r, &req) {
		return
	}

	id, err := s.backend.CreateAccount(r.Context(), req)
	if err != nil {
		s.respondBackendError(w, err)
		return
	}
	s.logger.Info().Str("account", logger.ShortID(id)).Msg("Bucket created")
	respondJSON(w, http.StatusCreated, remote.CreateAccountResponse{ID: id})
}

func (s *Server) getBucket(w http.ResponseWriter, r *http.Request) {
	account, err := s.backend.FetchAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondBackendError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (s *Server) deleteBucket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.backend.DeleteAccount(r.Context(), id, accessToken(r)); err != nil {
		s.respondBackendError(w, err)
		return
	}
	s.hub.CloseTopic(id)
	s.logger.Info().Str("account", logger.ShortID(id)).Msg("Bucket deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateModels(w http.ResponseWriter, r *http.Request) {
	var req remote.ModelsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Models == nil {
		respondError(w, http.StatusBadRequest, "models must be an array")
		return
	}
	if err := s.backend.UpdateModels(r.Context(), mux.Vars(r)["id"], req.Models, accessToken(r)); err != nil {
		s.respondBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPrompts(w http.ResponseWriter, r *http.Request) {
	records, err := s.backend.FetchRecords(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondBackendError(w, err)
		return
	}
	if records == nil {
		records = []remote.RemoteRecord{}
	}
	respondJSON(w, http.StatusOK, remote.RecordsResponse{Prompts: records})
}

func (s *Server) addPrompt(w http.ResponseWriter, r *http.Request) {
	var payload remote.RecordPayload
	if !s.decode(w, r, &payload) {
		return
	}
	id, err := s.backend.AddRecord(r.Context(), mux.Vars(r)["id"], payload, accessToken(r))
	if err != nil {
		s.respondBackendError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, remote.AddRecordResponse{ID: id})
}

func (s *Server) batchAddPrompts(w http.ResponseWriter, r *http.Request) {
	var req remote.BatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.backend.BatchAddRecords(r.Context(), mux.Vars(r)["id"], req.Prompts, accessToken(r)); err != nil {
		s.respondBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updatePrompt(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	recordID, err := strconv.ParseInt(vars["pid"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid prompt id")
		return
	}

	var payload remote.RecordPayload
	if !s.decode(w, r, &payload) {
		return
	}
	if err := s.backend.UpdateRecord(r.Context(), recordID, vars["id"], payload, accessToken(r)); err != nil {
		s.respondBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deletePrompt(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	recordID, err := strconv.ParseInt(vars["pid"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid prompt id")
		return
	}
	if err := s.backend.DeleteRecord(r.Context(), recordID, vars["id"], accessToken(r)); err != nil {
		s.respondBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteAllPrompts(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.DeleteAllRecords(r.Context(), mux.Vars(r)["id"], accessToken(r)); err != nil {
		s.respondBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// subscribe upgrades to a websocket on the account topic. Reading events
// needs only the account id, like reading records.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.backend.FetchAccount(r.Context(), id); err != nil {
		s.respondBackendError(w, err)
		return
	}
	s.hub.serveSubscriber(w, r, id, r.URL.Query().Get("origin"))
}

// publish fans an event out to the account topic. Events make every device
// act, account_deleted included, so publishing needs the access token.
func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var msg remote.EventMessage
	if !s.decode(w, r, &msg) {
		return
	}
	if !remote.ValidEvent(msg.Event) {
		respondError(w, http.StatusBadRequest, "unknown event")
		return
	}
	if err := s.backend.VerifyToken(r.Context(), id, accessToken(r)); err != nil {
		s.respondBackendError(w, err)
		return
	}

	delivered := s.hub.Publish(id, msg)
	s.logger.Debug().
		Str("account", logger.ShortID(id)).
		Str("event", msg.Event).
		Int("delivered", delivered).
		Msg("Event published")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) respondBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, remote.ErrAuthRejected):
		respondError(w, http.StatusUnauthorized, "access token rejected")
	case errors.Is(err, remote.ErrRejected):
		respondError(w, http.StatusBadRequest, "request rejected")
	default:
		s.logger.Error().Err(err).Msg("Relay backend error")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func accessToken(r *http.Request) string {
	return r.Header.Get(remote.AccessTokenHeader)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, remote.ServerErrorResponse{Error: message})
}
