package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yshimada/llmrouter/internal/store"
)

func (s *Server) requireStore(w http.ResponseWriter) *store.Store {
	st := s.router.Store()
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "conversation store is not configured")
	}
	return st
}

// handleConversations lists conversations.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	st := s.requireStore(w)
	if st == nil {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	conversations, err := st.ListConversations(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

// handleConversationByID fetches or deletes one conversation.
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	st := s.requireStore(w)
	if st == nil {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/conversations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		conv, err := st.GetConversation(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		messages, err := st.GetMessages(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conversation": conv,
			"messages":     messages,
		})

	case http.MethodDelete:
		if err := st.DeleteConversation(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or DELETE required")
	}
}

// handleSearch filters conversations by text, topic, status and date.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	st := s.requireStore(w)
	if st == nil {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	q := r.URL.Query()
	filter := store.SearchFilter{
		Query:  q.Get("q"),
		Topic:  q.Get("topic"),
		Status: q.Get("status"),
	}
	if v := q.Get("after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after: invalid RFC 3339 timestamp")
			return
		}
		filter.After = ts
	}
	if v := q.Get("before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before: invalid RFC 3339 timestamp")
			return
		}
		filter.Before = ts
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}

	results, err := st.Search(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleExport streams a JSON archive. POST takes an optional
// {"topic": ...} body; GET takes the same filter as a query parameter.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	st := s.requireStore(w)
	if st == nil {
		return
	}

	topic := r.URL.Query().Get("topic")
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Topic string `json:"topic"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if req.Topic != "" {
			topic = req.Topic
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="conversations.json"`)
	if err := st.ExportJSON(w, topic); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleImport loads a JSON archive from the request body.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	st := s.requireStore(w)
	if st == nil {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	result, err := st.ImportJSON(r.Body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
