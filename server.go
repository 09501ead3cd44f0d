package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"querychat/agent"
	"querychat/ratelimit"
	"querychat/realtime"
	"querychat/worker"
	"querychat/workerpool"
)

// TurnRunner is what the server needs from the chat orchestrator.
type TurnRunner interface {
	RunTurn(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error)
}

// Server wires the HTTP surface: conversation CRUD, turn submission, usage
// and pool health endpoints, and the websocket upgrade.
type Server struct {
	orchestrator  TurnRunner
	conversations *ConversationService
	limiter       *ratelimit.Service
	pool          *workerpool.Pool
	hub           *realtime.Hub
	log           func(string)
}

func NewServer(orchestrator TurnRunner, conversations *ConversationService, limiter *ratelimit.Service, pool *workerpool.Pool, hub *realtime.Hub, log func(string)) *Server {
	if log == nil {
		log = func(string) {}
	}
	return &Server{
		orchestrator:  orchestrator,
		conversations: conversations,
		limiter:       limiter,
		pool:          pool,
		hub:           hub,
		log:           log,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Delete("/conversations/{id}", s.handleDeleteConversation)
		r.Post("/conversations/{id}/messages", s.handlePostMessage)
		r.Get("/users/{id}/usage", s.handleUsage)
		r.Get("/pool/health", s.handlePoolHealth)
	})
	r.Get("/ws", s.hub.HandleWS)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type createConversationRequest struct {
	UserID   string              `json:"user_id"`
	Title    string              `json:"title"`
	Datasets []worker.DatasetRef `json:"datasets"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Title == "" {
		req.Title = "New conversation"
	}

	conv, err := s.conversations.CreateConversation(req.UserID, req.Title, req.Datasets)
	if err != nil {
		s.log(fmt.Sprintf("[server] create conversation failed: %v", err))
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user parameter is required")
		return
	}
	convs, err := s.conversations.ListConversations(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.LoadConversation(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.conversations.DeleteConversation(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type postMessageRequest struct {
	UserID   string              `json:"user_id"`
	Content  string              `json:"content"`
	Datasets []worker.DatasetRef `json:"datasets,omitempty"`
}

// handlePostMessage runs one full assistant turn. Tokens stream over the
// websocket while this request is in flight; the response carries the
// finalized message.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "user_id and content are required")
		return
	}

	conv, err := s.conversations.LoadConversation(conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if conv.UserID != req.UserID {
		writeError(w, http.StatusForbidden, "conversation belongs to another user")
		return
	}

	if err := s.conversations.AppendMessage(conversationID, ConversationMessage{
		Role:    "user",
		Content: req.Content,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	datasets := conv.Datasets
	if len(req.Datasets) > 0 {
		datasets = req.Datasets
	}

	result, err := s.orchestrator.RunTurn(r.Context(), &agent.TurnRequest{
		UserID:         req.UserID,
		ConversationID: conversationID,
		Content:        req.Content,
		Datasets:       datasets,
		History:        conv.History(),
	})

	var denied *agent.RateLimitExceededError
	if errors.As(err, &denied) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":             "token limit reached",
			"resets_in_seconds": denied.Status.ResetsInSeconds,
			"usage_percent":     100.0,
		})
		return
	}

	// Partial content from a failed turn is still persisted; the turn error
	// is attached to the stored message.
	if result != nil && (result.Content != "" || len(result.Executions) > 0 || err != nil) {
		msg := ConversationMessage{
			ID:         result.MessageID,
			Role:       "assistant",
			Content:    result.Content,
			Reasoning:  result.Reasoning,
			Executions: result.Executions,
			Followups:  result.Followups,
		}
		if err != nil {
			msg.Error = err.Error()
		}
		if serr := s.conversations.AppendMessage(conversationID, msg); serr != nil {
			s.log(fmt.Sprintf("[server] failed to persist assistant message: %v", serr))
		}
	}

	if err != nil {
		s.log(fmt.Sprintf("[server] turn failed: %v", err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":           "turn failed",
			"detail":          err.Error(),
			"partial_message": result,
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	status, err := s.limiter.CheckLimit(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute usage")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePoolHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.HealthSnapshot())
}
