package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tx/internal/anchor"
	"tx/internal/types"
)

// =============================================================================
// ANCHOR HANDLERS
// =============================================================================

func anchorIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

type createAnchorRequest struct {
	LearningID  int64  `json:"learningId" validate:"required,min=1"`
	AnchorType  string `json:"anchorType" validate:"required,oneof=glob hash symbol line_range"`
	FilePath    string `json:"filePath" validate:"required"`
	AnchorValue string `json:"anchorValue"`
	SymbolName  string `json:"symbolName"`
	LineStart   int    `json:"lineStart"`
	LineEnd     int    `json:"lineEnd"`
	Pinned      bool   `json:"pinned"`
}

func (s *Server) handleCreateAnchor(w http.ResponseWriter, r *http.Request) {
	var req createAnchorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidation(w, "invalid anchor: %v", err)
		return
	}

	a, err := s.svc.Anchors.Create(anchor.CreateParams{
		LearningID:  req.LearningID,
		AnchorType:  types.AnchorType(req.AnchorType),
		FilePath:    req.FilePath,
		AnchorValue: req.AnchorValue,
		SymbolName:  req.SymbolName,
		LineStart:   req.LineStart,
		LineEnd:     req.LineEnd,
		Pinned:      req.Pinned,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// handleGetAnchor re-verifies lazily when the row is past its TTL.
func (s *Server) handleGetAnchor(w http.ResponseWriter, r *http.Request) {
	id, ok := anchorIDParam(r)
	if !ok {
		writeValidation(w, "malformed anchor id")
		return
	}
	a, err := s.svc.Anchors.EnsureFresh(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleVerifyAnchor(w http.ResponseWriter, r *http.Request) {
	id, ok := anchorIDParam(r)
	if !ok {
		writeValidation(w, "malformed anchor id")
		return
	}
	a, err := s.svc.Anchors.Verify(id, types.DetectedManual)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRestoreAnchor(w http.ResponseWriter, r *http.Request) {
	id, ok := anchorIDParam(r)
	if !ok {
		writeValidation(w, "malformed anchor id")
		return
	}
	a, err := s.svc.Anchors.Restore(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type pinRequest struct {
	Pinned bool `json:"pinned"`
}

func (s *Server) handlePinAnchor(w http.ResponseWriter, r *http.Request) {
	id, ok := anchorIDParam(r)
	if !ok {
		writeValidation(w, "malformed anchor id")
		return
	}
	var req pinRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Anchors.SetPinned(id, req.Pinned); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.svc.Anchors.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAnchorHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := anchorIDParam(r)
	if !ok {
		writeValidation(w, "malformed anchor id")
		return
	}
	history, err := s.svc.Anchors.History(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []types.InvalidationEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": history})
}
