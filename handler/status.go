package handler

import (
	"context"
	"net/http"

	"github.com/lipdiffusion/orchestrator/errors"
	"github.com/lipdiffusion/orchestrator/manager"

	"github.com/go-chi/chi/v5"
)

// HandleStatus returns an http.HandlerFunc that reports a task record.
// With ?wait=true the call blocks until the task is terminal.
func HandleStatus(jobManager *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")

		if parseBool(r.URL.Query().Get("wait")) {
			record, err := jobManager.WaitForCompletion(r.Context(), taskID, parseSeconds(r.URL.Query().Get("timeout")))
			if err == context.DeadlineExceeded {
				writeError(w, err, http.StatusGatewayTimeout)
				return
			}
			if err != nil {
				WriteError(w, err)
				return
			}
			WriteJSON(w, record, http.StatusOK)
			return
		}

		record, err := jobManager.GetTask(r.Context(), taskID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if record == nil {
			WriteNotFound(w, &errors.NotFoundError{Msg: "Task not found"})
			return
		}
		WriteJSON(w, record, http.StatusOK)
	}
}
