package api

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/entrepeneur4lyf/convostore/internal/llm"
	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/storage"
	"github.com/gorilla/mux"
)

// handleSendMessage persists a user message, asks the responder for a reply,
// persists the reply and pushes it to the conversation stream.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	ctx := r.Context()

	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, SendResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeJSON(w, http.StatusBadRequest, SendResponse{Error: "content is required"})
		return
	}

	if _, err := s.chats.EnsureConversation(ctx, conversationID); err != nil {
		s.logger.Error("failed to open conversation", "conversation", conversationID, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, SendResponse{Error: "failed to open conversation"})
		return
	}

	history := req.Context
	if history == nil {
		latest, err := s.chats.GetLatestMessages(ctx, conversationID, s.historyWindow)
		if err != nil {
			s.logger.Error("failed to load context", "conversation", conversationID, "err", err)
			s.writeJSON(w, http.StatusInternalServerError, SendResponse{Error: "failed to load context"})
			return
		}
		history = make([]message.RawMessage, len(latest))
		for i, m := range latest {
			history[i] = storage.ToRaw(m)
		}
	}

	user, err := s.userMessage(ctx, conversationID, req, history)
	if err != nil {
		s.logger.Error("failed to save user message", "conversation", conversationID, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, SendResponse{Error: "failed to save message"})
		return
	}
	history = slices.DeleteFunc(history, func(m message.RawMessage) bool { return m.ID == user.ID })

	reply, err := s.responder.Respond(ctx, history, req.Content)
	if err != nil {
		s.logger.Warn("responder failed", "conversation", conversationID, "responder", s.responder.Name(), "err", err)
		s.writeJSON(w, http.StatusBadGateway, SendResponse{
			ServerMessageID: user.ID,
			UserTimestamp:   user.CreatedAt,
			Error:           "assistant unavailable",
		})
		return
	}

	assistant := &storage.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		Role:           message.RoleModel,
		Content:        reply.Content,
		CreatedAt:      s.clock.Next(user.CreatedAt),
		Metadata:       maps.Clone(reply.Metadata),
	}
	if err := s.chats.SaveMessage(ctx, assistant); err != nil {
		s.logger.Error("failed to save reply", "conversation", conversationID, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, SendResponse{Error: "failed to save reply"})
		return
	}

	raw := storage.ToRaw(*assistant)
	s.connections.Broadcast(conversationID, WebSocketMessage{Type: StreamMessage, Message: &raw})

	s.writeJSON(w, http.StatusOK, SendResponse{
		Success:         true,
		Response:        reply.Content,
		ServerMessageID: user.ID,
		UserTimestamp:   user.CreatedAt,
		Reply:           &raw,
		Metadata:        map[string]any{"model": reply.Model},
	})
}

// userMessage returns the user row to answer. A retry naming a row this
// server already saved with the same content reuses it; anything else is
// saved as a new row.
func (s *Server) userMessage(ctx context.Context, conversationID string, req SendRequest, history []message.RawMessage) (*storage.Message, error) {
	if req.MessageID != "" && !message.IsTempID(req.MessageID) {
		existing, err := s.chats.GetMessage(ctx, conversationID, req.MessageID)
		switch {
		case err == nil && existing.Role == message.RoleUser && existing.Content == req.Content:
			s.logger.Debug("reusing saved user message", "conversation", conversationID, "id", existing.ID)
			return existing, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
	}

	user := &storage.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		Role:           message.RoleUser,
		Content:        req.Content,
		CreatedAt:      s.clock.Next(latestTimestamp(history)),
	}
	if err := s.chats.SaveMessage(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// handleHistory serves one page of history; page 1 is the newest window
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]

	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		s.writeJSON(w, http.StatusBadRequest, HistoryResponse{Error: "invalid page"})
		return
	}
	pageSize, err := queryInt(r, "pageSize", defaultPageSize)
	if err != nil || pageSize < 1 {
		s.writeJSON(w, http.StatusBadRequest, HistoryResponse{Error: "invalid pageSize"})
		return
	}
	pageSize = min(pageSize, maxPageSize)

	result, err := s.chats.GetMessagesPage(r.Context(), conversationID, page, pageSize)
	if err != nil {
		s.logger.Error("failed to load history", "conversation", conversationID, "page", page, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, HistoryResponse{Error: "failed to load history"})
		return
	}

	history := make([]message.RawMessage, len(result.Messages))
	for i, m := range result.Messages {
		history[i] = storage.ToRaw(m)
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{
		Success:  true,
		History:  history,
		HasMore:  result.HasMore,
		Page:     page,
		PageSize: pageSize,
	})
}

// handleTranscribe accepts a multipart "audio" upload
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeJSON(w, http.StatusBadRequest, TranscribeResponse{Error: "invalid upload"})
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, TranscribeResponse{Error: "audio file is required"})
		return
	}
	defer file.Close()

	transcript, err := s.transcriber.Transcribe(r.Context(), file, header.Filename)
	switch {
	case errors.Is(err, llm.ErrTranscriptionUnavailable):
		s.writeJSON(w, http.StatusNotImplemented, TranscribeResponse{Error: err.Error()})
	case err != nil:
		s.logger.Warn("transcription failed", "file", header.Filename, "err", err)
		s.writeJSON(w, http.StatusBadGateway, TranscribeResponse{Error: "transcription failed"})
	default:
		s.writeJSON(w, http.StatusOK, TranscribeResponse{Success: true, Transcript: transcript})
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit < 1 {
		limit = 50
	}
	list, err := s.chats.ListConversations(r.Context(), limit, 0)
	if err != nil {
		s.logger.Error("failed to list conversations", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list conversations"})
		return
	}
	if list == nil {
		list = []*storage.ConversationSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": list, "total": len(list)})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func latestTimestamp(history []message.RawMessage) (latest time.Time) {
	for _, m := range history {
		if m.Timestamp.After(latest) {
			latest = m.Timestamp
		}
	}
	return latest
}
