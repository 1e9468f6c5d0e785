package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"podcast-agent/agent_go/pkg/database"
	"podcast-agent/agent_go/pkg/dispatcher"
)

type createSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type statusRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
}

func (api *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		// An empty body is a plain "new session" request.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sessionID, err := api.dispatcher.CreateSession(r.Context(), req.SessionID)
	if err != nil {
		api.logger.WithError(err).Error("session creation failed")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

func (api *API) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}

	result, err := api.dispatcher.DispatchChat(r.Context(), req.SessionID, req.Message)
	if err != nil {
		if errors.Is(err, dispatcher.ErrTransport) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		api.logger.WithError(err).WithField("session_id", req.SessionID).Error("chat dispatch failed")
		writeError(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	if result.Busy {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (api *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case req.OperationID != "":
		op, err := api.poller.Operation(r.Context(), req.OperationID)
		if err != nil {
			api.logger.WithError(err).Error("operation lookup failed")
			writeError(w, http.StatusInternalServerError, "failed to check operation")
			return
		}
		if op == nil {
			writeError(w, http.StatusNotFound, "operation not found or expired")
			return
		}
		writeJSON(w, http.StatusOK, op)

	case req.SessionID != "":
		status, err := api.poller.Poll(r.Context(), req.SessionID)
		if err != nil {
			api.logger.WithError(err).WithField("session_id", req.SessionID).Error("status poll failed")
			writeError(w, http.StatusInternalServerError, "failed to check status")
			return
		}
		writeJSON(w, http.StatusOK, status)

	default:
		writeError(w, http.StatusBadRequest, "session_id or operation_id is required")
	}
}

func (api *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 20)

	sessions, pagination, err := api.dispatcher.ListSessions(r.Context(), page, perPage)
	if err != nil {
		api.logger.WithError(err).Error("session listing failed")
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":   sessions,
		"pagination": pagination,
	})
}

func (api *API) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	messages, state, err := api.dispatcher.SessionHistory(r.Context(), sessionID)
	if errors.Is(err, database.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		api.logger.WithError(err).WithField("session_id", sessionID).Error("history lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":    sessionID,
		"messages":      messages,
		"session_state": state,
	})
}

func (api *API) handleLatestMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	messages, _, err := api.dispatcher.SessionHistory(r.Context(), sessionID)
	if errors.Is(err, database.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		api.logger.WithError(err).WithField("session_id", sessionID).Error("latest message lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"session_id": sessionID,
				"message":    messages[i],
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, "no assistant message yet")
}

func (api *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	result, err := api.dispatcher.DeleteSession(r.Context(), sessionID)
	if errors.Is(err, database.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		api.logger.WithError(err).WithField("session_id", sessionID).Error("session deletion failed")
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
