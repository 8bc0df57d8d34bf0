// HTTP surface for the room protocol.
//
// Request/response lifecycle operations live here; everything realtime goes
// over the session channel at /ws.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"listenalong/internal/chat"
	"listenalong/internal/config"
	"listenalong/internal/playback"
	"listenalong/internal/room"
)

// PlaybackService is the coordinator slice the API exposes.
type PlaybackService interface {
	AddSong(ctx context.Context, roomID, userID, sourceURL string) error
	State(ctx context.Context, roomID string) (*playback.State, error)
}

// ChatSender accepts chat messages over the request/response path.
type ChatSender interface {
	Send(ctx context.Context, roomID, authorID, content string) (*chat.Message, error)
}

// Server wires the HTTP handlers.
type Server struct {
	cfg      *config.Config
	registry room.Registry
	playback PlaybackService
	chat     ChatSender
	metrics  *config.Metrics
	logger   *log.Logger
	ws       http.HandlerFunc
	http     *http.Server
}

// New creates the HTTP server.
func New(cfg *config.Config, registry room.Registry, pb PlaybackService, chatSvc ChatSender, wsHandler http.HandlerFunc, metrics *config.Metrics, logger *log.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		playback: pb,
		chat:     chatSvc,
		metrics:  metrics,
		logger:   logger,
		ws:       wsHandler,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /api/rooms/{id}", s.handleGetRoom)
	mux.HandleFunc("POST /api/rooms/{id}/join", s.handleJoinRoom)
	mux.HandleFunc("POST /api/rooms/{id}/leave", s.handleLeaveRoom)
	mux.HandleFunc("POST /api/rooms/{id}/close", s.handleCloseRoom)
	mux.HandleFunc("POST /api/rooms/{id}/songs", s.handleAddSong)
	mux.HandleFunc("POST /api/rooms/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /api/rooms/{id}/playback", s.handlePlaybackState)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.ws)

	s.http = &http.Server{
		Addr:    cfg.Port,
		Handler: s.logRequests(mux),
	}
	return s
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.cfg.Port)
	return s.http.ListenAndServe()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type createRoomRequest struct {
	CreatorID string `json:"creatorId"`
	Name      string `json:"name"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CreatorID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "creatorId and name are required")
		return
	}

	created, err := s.registry.Create(r.Context(), req.CreatorID, req.Name)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type userRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	snap, err := s.registry.Join(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	if err := s.registry.Leave(r.Context(), r.PathValue("id"), req.UserID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseRoom(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	if err := s.registry.Close(r.Context(), r.PathValue("id"), req.UserID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addSongRequest struct {
	UserID   string `json:"userId"`
	VideoURL string `json:"videoUrl"`
}

func (s *Server) handleAddSong(w http.ResponseWriter, r *http.Request) {
	var req addSongRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.VideoURL == "" {
		writeError(w, http.StatusBadRequest, "userId and videoUrl are required")
		return
	}

	err := s.playback.AddSong(r.Context(), r.PathValue("id"), req.UserID, req.VideoURL)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	// Resolution is asynchronous; the outcome arrives as a song-playing
	// or song-error broadcast.
	w.WriteHeader(http.StatusAccepted)
}

type sendMessageRequest struct {
	UserID  string `json:"userId"`
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId and content are required")
		return
	}

	msg, err := s.chat.Send(r.Context(), r.PathValue("id"), req.UserID, req.Content)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handlePlaybackState(w http.ResponseWriter, r *http.Request) {
	state, err := s.playback.State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.metrics.Snapshot()
	writeJSON(w, http.StatusOK, &snapshot)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDomainError maps the error taxonomy onto status codes so callers can
// disambiguate "already playing" from "room gone".
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, room.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, room.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, playback.ErrSongPlaying):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, chat.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
