package handlers

import (
	"net/http"
	"strings"

	"doodler/internal/task"
)

// GenerateSubmit accepts a form payload with an "action" field, creates a
// task and hands it to the engine without waiting for completion. The
// response carries the task id the client will poll with.
func (a *App) GenerateSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil && err != http.ErrNotMultipart {
		http.Error(w, "Error", http.StatusBadRequest)
		return
	}
	action := strings.TrimSpace(r.FormValue("action"))
	if action == "" {
		http.Error(w, "Error", http.StatusBadRequest)
		return
	}

	created := a.Registry.Create()
	a.Engine.Generate(created.ID, action)

	a.json(w, http.StatusOK, map[string]any{
		"id":     created.ID,
		"status": task.StatusInProgress,
	})
}

// GeneratePoll reports the state of one task. While the job runs the
// response is an empty 202 so clients retry after an interval; a finished
// task carries the full image record.
func (a *App) GeneratePoll(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	t, ok := a.Registry.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch t.Status {
	case task.StatusInProgress:
		w.WriteHeader(http.StatusAccepted)
	case task.StatusFailed:
		a.json(w, http.StatusInternalServerError, map[string]any{
			"id":     t.ID,
			"status": t.Status,
			"error":  t.Error,
		})
	default:
		a.json(w, http.StatusOK, t)
	}
}
