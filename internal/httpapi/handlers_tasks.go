package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tx/internal/store"
	"tx/internal/task"
	"tx/internal/types"
)

// =============================================================================
// TASK HANDLERS
// =============================================================================

// taskIDParam extracts and validates the :id path segment.
func taskIDParam(r *http.Request, param string) (string, bool) {
	id := chi.URLParam(r, param)
	return id, types.ValidTaskID(id)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{
		Status:   types.TaskStatus(q.Get("status")),
		ParentID: q.Get("parent"),
		RootOnly: q.Get("rootOnly") == "true",
		Search:   q.Get("search"),
		Cursor:   q.Get("cursor"),
	}
	if f.Status != "" && !types.ValidTaskStatus(f.Status) {
		writeValidation(w, "unknown task status %q", f.Status)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeValidation(w, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	page, err := s.svc.Engine.List(f)
	if err != nil {
		writeError(w, err)
		return
	}
	items := page.Items
	if items == nil {
		items = []types.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":      items,
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
		"total":      page.Total,
	})
}

type createTaskRequest struct {
	Title       string                 `json:"title" validate:"required"`
	Description string                 `json:"description"`
	Status      string                 `json:"status"`
	Score       *int                   `json:"score" validate:"omitempty,min=0,max=1000"`
	ParentID    string                 `json:"parentId"`
	Metadata    map[string]interface{} `json:"metadata"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidation(w, "invalid task: %v", err)
		return
	}
	if req.ParentID != "" && !types.ValidTaskID(req.ParentID) {
		writeValidation(w, "malformed parent id %q", req.ParentID)
		return
	}

	t, err := s.svc.Engine.Create(task.CreateParams{
		Title:       req.Title,
		Description: req.Description,
		Status:      types.TaskStatus(req.Status),
		Score:       req.Score,
		ParentID:    req.ParentID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(r, "id")
	if !ok {
		writeValidation(w, "malformed task id %q", id)
		return
	}
	twd, err := s.svc.Engine.GetWithDeps(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, twd)
}

type updateTaskRequest struct {
	Title             *string                `json:"title"`
	Description       *string                `json:"description"`
	Status            *string                `json:"status"`
	Score             *int                   `json:"score" validate:"omitempty,min=0,max=1000"`
	ParentID          *string                `json:"parentId"`
	Metadata          map[string]interface{} `json:"metadata"`
	ExpectedUpdatedAt *time.Time             `json:"expectedUpdatedAt"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(r, "id")
	if !ok {
		writeValidation(w, "malformed task id %q", id)
		return
	}
	var req updateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidation(w, "invalid update: %v", err)
		return
	}

	params := task.UpdateParams{
		Title:             req.Title,
		Description:       req.Description,
		Score:             req.Score,
		ParentID:          req.ParentID,
		Metadata:          req.Metadata,
		ExpectedUpdatedAt: req.ExpectedUpdatedAt,
	}
	if req.Status != nil {
		status := types.TaskStatus(*req.Status)
		params.Status = &status
	}

	t, err := s.svc.Engine.Update(id, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(r, "id")
	if !ok {
		writeValidation(w, "malformed task id %q", id)
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"
	if err := s.svc.Engine.Remove(id, cascade); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "id": id})
}

func (s *Server) handleDoneTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(r, "id")
	if !ok {
		writeValidation(w, "malformed task id %q", id)
		return
	}
	t, nowReady, err := s.svc.Scheduler.Done(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if nowReady == nil {
		nowReady = []types.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": t, "nowReady": nowReady})
}

func (s *Server) handleReadyTasks(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeValidation(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	excludeClaimed := r.URL.Query().Get("includeClaimed") != "true"

	ready, err := s.svc.Scheduler.GetReady(limit, excludeClaimed)
	if err != nil {
		writeError(w, err)
		return
	}
	if ready == nil {
		ready = []types.TaskWithDeps{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": ready})
}

type blockRequest struct {
	BlockerID string `json:"blockerId" validate:"required"`
}

func (s *Server) handleAddBlocker(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(r, "id")
	if !ok {
		writeValidation(w, "malformed task id %q", id)
		return
	}
	var req blockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !types.ValidTaskID(req.BlockerID) {
		writeValidation(w, "malformed blocker id %q", req.BlockerID)
		return
	}
	if err := s.svc.Engine.AddBlocker(id, req.BlockerID); err != nil {
		writeError(w, err)
		return
	}
	twd, err := s.svc.Engine.GetWithDeps(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, twd)
}

func (s *Server) handleRemoveBlocker(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(r, "id")
	if !ok {
		writeValidation(w, "malformed task id %q", id)
		return
	}
	blockerID, ok := taskIDParam(r, "blockerId")
	if !ok {
		writeValidation(w, "malformed blocker id %q", blockerID)
		return
	}
	if err := s.svc.Engine.RemoveBlocker(id, blockerID); err != nil {
		writeError(w, err)
		return
	}
	twd, err := s.svc.Engine.GetWithDeps(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, twd)
}

func (s *Server) handleTaskTree(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(r, "id")
	if !ok {
		writeValidation(w, "malformed task id %q", id)
		return
	}
	tree, err := s.svc.Engine.GetTree(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

type claimRequest struct {
	WorkerID string `json:"workerId" validate:"required"`
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(r, "id")
	if !ok {
		writeValidation(w, "malformed task id %q", id)
		return
	}
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !types.ValidWorkerID(req.WorkerID) {
		writeValidation(w, "malformed worker id %q", req.WorkerID)
		return
	}
	claim, err := s.svc.Registry.Claim(id, req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

func (s *Server) handleReleaseTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(r, "id")
	if !ok {
		writeValidation(w, "malformed task id %q", id)
		return
	}
	workerID := r.URL.Query().Get("workerId")
	if !types.ValidWorkerID(workerID) {
		writeValidation(w, "malformed worker id %q", workerID)
		return
	}
	if err := s.svc.Registry.Release(id, workerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"released": true})
}
