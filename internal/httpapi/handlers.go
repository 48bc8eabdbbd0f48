package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/yshimada/llmrouter/internal/executor"
	"github.com/yshimada/llmrouter/internal/llm"
	. "github.com/yshimada/llmrouter/internal/logging"
	"github.com/yshimada/llmrouter/internal/router"
	"github.com/yshimada/llmrouter/internal/triage"
)

// queryRequest is the wire form of one routed query.
type queryRequest struct {
	Input      string       `json:"input"`
	ForceModel string       `json:"force_model"`
	Context    queryContext `json:"context"`
}

type queryContext struct {
	ConversationID string      `json:"conversation_id"`
	Topic          string      `json:"topic"`
	System         string      `json:"system"`
	Images         []llm.Image `json:"images"`
}

type queryResponse struct {
	Success  bool          `json:"success"`
	Model    string        `json:"model"`
	Response string        `json:"response"`
	Metadata queryMetadata `json:"metadata"`
}

type queryMetadata struct {
	ConversationID string                   `json:"conversation_id,omitempty"`
	Decision       triage.Decision          `json:"decision"`
	Attempts       []executor.AttemptRecord `json:"attempts"`
	FellBack       bool                     `json:"fell_back"`
	CostWarning    bool                     `json:"cost_warning"`
	TokensIn       int                      `json:"tokens_in"`
	TokensOut      int                      `json:"tokens_out"`
	Cost           float64                  `json:"cost"`
	SavedCost      float64                  `json:"saved_cost"`
}

// handleQuery runs one routed query.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	result, err := s.router.Route(r.Context(), router.Request{
		Input:          req.Input,
		Images:         req.Context.Images,
		ConversationID: req.Context.ConversationID,
		Topic:          req.Context.Topic,
		ForceModelRef:  req.ForceModel,
		System:         req.Context.System,
	})
	if err != nil {
		s.writeRouteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Success:  true,
		Model:    result.ModelRef,
		Response: result.Text,
		Metadata: queryMetadata{
			ConversationID: result.ConversationID,
			Decision:       result.Decision,
			Attempts:       result.Attempts,
			FellBack:       result.FellBack,
			CostWarning:    result.CostWarning,
			TokensIn:       result.TokensIn,
			TokensOut:      result.TokensOut,
			Cost:           result.Cost,
			SavedCost:      result.SavedCost,
		},
	})
}

// writeRouteError maps routing failures onto HTTP statuses. An
// all-backends failure carries the full attempt log so the caller can
// see what was tried.
func (s *Server) writeRouteError(w http.ResponseWriter, err error) {
	var (
		tooLarge  *triage.ContextTooLargeError
		allFailed *executor.AllBackendsFailedError
	)
	switch {
	case errors.Is(err, router.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, router.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, executor.ErrNoBackends{}):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &allFailed):
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:    allFailed.Error(),
			Attempts: allFailed.Attempts,
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleStats reports routing counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	writeJSON(w, http.StatusOK, s.router.Stats())
}

// handleReload re-reads the config file.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := s.router.ReloadConfig(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// handleScan kicks off a registry refresh in the background and
// returns immediately.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		diff := s.router.Registry().Refresh(ctx)
		L_info("httpapi: background scan finished",
			"added", len(diff.Added), "removed", len(diff.Removed), "updated", len(diff.Updated))
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan started"})
}

// handleDetected lists the registry contents.
func (s *Server) handleDetected(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	reg := s.router.Registry()
	lastScan, valid := reg.LastScanAt()

	resp := map[string]any{
		"models":      reg.ListAll(),
		"cache_valid": valid,
		"last_scan":   nil,
	}
	if !lastScan.IsZero() {
		resp["last_scan"] = lastScan
	}
	writeJSON(w, http.StatusOK, resp)
}
