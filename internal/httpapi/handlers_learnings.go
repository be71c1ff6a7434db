package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tx/internal/anchor"
	"tx/internal/learning"
	"tx/internal/retrieval"
	"tx/internal/types"
)

// =============================================================================
// LEARNING HANDLERS
// =============================================================================

func learningIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleSearchLearnings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := retrieval.Options{Category: q.Get("category")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeValidation(w, "limit must be a positive integer")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("minScore"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeValidation(w, "minScore must be a number")
			return
		}
		opts.MinScore = &f
	}

	results, err := s.svc.Learnings.Search(r.Context(), q.Get("query"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []types.ScoredLearning{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": results})
}

type createLearningRequest struct {
	Content    string   `json:"content" validate:"required"`
	SourceType string   `json:"sourceType"`
	SourceRef  string   `json:"sourceRef"`
	Keywords   []string `json:"keywords"`
	Category   string   `json:"category"`
	Outcome    *float64 `json:"outcomeScore" validate:"omitempty,min=0,max=1"`
}

func (s *Server) handleCreateLearning(w http.ResponseWriter, r *http.Request) {
	var req createLearningRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidation(w, "invalid learning: %v", err)
		return
	}

	l, err := s.svc.Learnings.Create(r.Context(), learning.CreateParams{
		Content:    req.Content,
		SourceType: types.LearningSource(req.SourceType),
		SourceRef:  req.SourceRef,
		Keywords:   req.Keywords,
		Category:   req.Category,
		Outcome:    req.Outcome,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleGetLearning(w http.ResponseWriter, r *http.Request) {
	id, ok := learningIDParam(r)
	if !ok {
		writeValidation(w, "malformed learning id")
		return
	}
	l, err := s.svc.Learnings.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleDeleteLearning(w http.ResponseWriter, r *http.Request) {
	id, ok := learningIDParam(r)
	if !ok {
		writeValidation(w, "malformed learning id")
		return
	}
	if err := s.svc.Learnings.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "id": id})
}

type helpfulRequest struct {
	Score float64 `json:"score" validate:"min=0,max=1"`
}

func (s *Server) handleLearningHelpful(w http.ResponseWriter, r *http.Request) {
	id, ok := learningIDParam(r)
	if !ok {
		writeValidation(w, "malformed learning id")
		return
	}
	var req helpfulRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidation(w, "score must be in [0,1]")
		return
	}
	if err := s.svc.Learnings.SetOutcome(id, req.Score); err != nil {
		writeError(w, err)
		return
	}
	l, err := s.svc.Learnings.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleTaskContext(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	if !types.ValidTaskID(taskID) {
		writeValidation(w, "malformed task id %q", taskID)
		return
	}
	ctx, err := s.svc.Context.GetContext(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctx)
}

// =============================================================================
// FILE LEARNINGS
// =============================================================================

// handleFileLearnings lists the learnings anchored to a file path.
func (s *Server) handleFileLearnings(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeValidation(w, "path query parameter is required")
		return
	}
	anchors, err := s.svc.Anchors.ForPath(path)
	if err != nil {
		writeError(w, err)
		return
	}

	type fileLearning struct {
		Learning types.Learning `json:"learning"`
		Anchor   types.Anchor   `json:"anchor"`
	}
	items := []fileLearning{}
	seen := map[int64]bool{}
	for _, a := range anchors {
		if seen[a.LearningID] {
			continue
		}
		l, err := s.svc.Learnings.Get(a.LearningID)
		if err != nil {
			continue // anchor outlived its learning
		}
		seen[a.LearningID] = true
		items = append(items, fileLearning{Learning: l, Anchor: a})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "path": path})
}

type createFileLearningRequest struct {
	Content    string   `json:"content" validate:"required"`
	Category   string   `json:"category"`
	Keywords   []string `json:"keywords"`
	FilePath   string   `json:"filePath" validate:"required"`
	AnchorType string   `json:"anchorType" validate:"required,oneof=glob hash symbol line_range"`
	SymbolName string   `json:"symbolName"`
	LineStart  int      `json:"lineStart"`
	LineEnd    int      `json:"lineEnd"`
	Pinned     bool     `json:"pinned"`
}

// handleCreateFileLearning creates a learning and its anchor in one call.
func (s *Server) handleCreateFileLearning(w http.ResponseWriter, r *http.Request) {
	var req createFileLearningRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidation(w, "invalid file learning: %v", err)
		return
	}

	l, err := s.svc.Learnings.Create(r.Context(), learning.CreateParams{
		Content:    req.Content,
		SourceType: types.SourceAgent,
		SourceRef:  req.FilePath,
		Keywords:   req.Keywords,
		Category:   req.Category,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	a, err := s.svc.Anchors.Create(anchor.CreateParams{
		LearningID: l.ID,
		AnchorType: types.AnchorType(req.AnchorType),
		FilePath:   req.FilePath,
		SymbolName: req.SymbolName,
		LineStart:  req.LineStart,
		LineEnd:    req.LineEnd,
		Pinned:     req.Pinned,
	})
	if err != nil {
		// The learning exists without its anchor; surface the anchor error.
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"learning": l, "anchor": a})
}
