package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/manpreetbhatti/codecollab/backend/internal/db"
	"github.com/manpreetbhatti/codecollab/backend/internal/model"
	"github.com/manpreetbhatti/codecollab/backend/internal/service"
	"github.com/manpreetbhatti/codecollab/backend/internal/store"
	"github.com/manpreetbhatti/codecollab/backend/internal/ws"
)

const (
	ServiceName    = "CodeCollab API"
	ServiceVersion = "1.0.0"

	maxBodyBytes = 1 << 20
)

// StatsSource reports persisted totals.
type StatsSource interface {
	Stats(ctx context.Context) (db.Stats, error)
}

type API struct {
	sessions *service.SessionService
	users    *service.UserService
	hub      *ws.Hub
	stats    StatsSource
}

func New(sessions *service.SessionService, users *service.UserService, hub *ws.Hub, stats StatsSource) *API {
	return &API{
		sessions: sessions,
		users:    users,
		hub:      hub,
		stats:    stats,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// serviceError maps service and store errors onto HTTP statuses.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		errorResponse(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, service.ErrUsernameTaken):
		errorResponse(w, http.StatusBadRequest, "Username is already taken")
	case errors.Is(err, service.ErrInvalidUsername),
		errors.Is(err, service.ErrInvalidLanguage),
		errors.Is(err, service.ErrCodeTooLong):
		errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSessionFull):
		errorResponse(w, http.StatusConflict, "Session is full")
	default:
		log.Printf("Internal error: %v", err)
		errorResponse(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeJSON reads a single JSON object into dst, rejecting fields dst
// does not declare.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: trailing data")
		return false
	}
	return true
}

func (a *API) RootHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{
		"message": ServiceName,
		"version": ServiceVersion,
	})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_sessions": a.hub.SessionCount(),
		"active_clients":  a.hub.ClientCount(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	if a.stats != nil {
		dbStats, err := a.stats.Stats(r.Context())
		if err == nil {
			stats["total_sessions"] = dbStats.Sessions
			stats["total_users"] = dbStats.Users
		} else {
			log.Printf("Failed to read stats: %v", err)
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Session handlers

type UpdateCodeRequest struct {
	Code   *string `json:"code"`
	UserID string  `json:"userId"`
}

type UpdateLanguageRequest struct {
	Language string `json:"language"`
}

func (a *API) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessions.CreateSession(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, sess)
}

func (a *API) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessions.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, sess)
}

func (a *API) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) UpdateCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req UpdateCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == nil {
		errorResponse(w, http.StatusBadRequest, "code is required")
		return
	}

	if _, err := a.sessions.UpdateCode(r.Context(), chi.URLParam(r, "id"), *req.Code, req.UserID); err != nil {
		serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) UpdateLanguageHandler(w http.ResponseWriter, r *http.Request) {
	var req UpdateLanguageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := a.sessions.UpdateLanguage(r.Context(), chi.URLParam(r, "id"), req.Language); err != nil {
		if errors.Is(err, service.ErrInvalidLanguage) {
			errorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid language: %s", req.Language))
			return
		}
		serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// User handlers

type JoinSessionRequest struct {
	Username string `json:"username"`
}

type JoinSessionResponse struct {
	User    *model.User    `json:"user"`
	Session *model.Session `json:"session"`
}

type LeaveSessionRequest struct {
	UserID string `json:"userId"`
}

type UpdateTypingRequest struct {
	UserID   string `json:"userId"`
	IsTyping *bool  `json:"isTyping"`
}

func (a *API) JoinSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req JoinSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, sess, err := a.users.JoinSession(r.Context(), chi.URLParam(r, "id"), req.Username)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, JoinSessionResponse{User: user, Session: sess})
}

func (a *API) LeaveSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req LeaveSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := a.users.LeaveSession(r.Context(), chi.URLParam(r, "id"), req.UserID); err != nil {
		serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) TypingHandler(w http.ResponseWriter, r *http.Request) {
	var req UpdateTypingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IsTyping == nil {
		errorResponse(w, http.StatusBadRequest, "isTyping is required")
		return
	}

	if _, err := a.users.SetTyping(r.Context(), chi.URLParam(r, "id"), req.UserID, *req.IsTyping); err != nil {
		serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) CheckUsernameHandler(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		errorResponse(w, http.StatusBadRequest, "username is required")
		return
	}

	available, err := a.users.CheckUsernameAvailable(r.Context(), chi.URLParam(r, "id"), username)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"available": available})
}

// WebSocketHandler attaches a live connection to the session in the path.
func (a *API) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	ws.ServeWs(a.hub, w, r, chi.URLParam(r, "id"))
}
