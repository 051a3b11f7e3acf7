package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/Sumit189/cronhook/common/models"
	"github.com/Sumit189/cronhook/common/repository"
	"github.com/Sumit189/cronhook/common/retry"
)

// Ledger is the slice of the retry machine the callback service drives.
type Ledger interface {
	MarkRunning(ctx context.Context, runID, workerID string) (bool, error)
	Report(ctx context.Context, outcome models.Outcome) (repository.Resolution, error)
}

type RunReader interface {
	GetRun(ctx context.Context, id string) (models.Run, error)
}

// OutcomeController lets an external executor claim runs and report how they went.
type OutcomeController struct {
	ledger Ledger
	runs   RunReader
	log    zerolog.Logger
}

func NewOutcomeController(ledger Ledger, runs RunReader, log zerolog.Logger) *OutcomeController {
	return &OutcomeController{ledger: ledger, runs: runs, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (c *OutcomeController) fail(w http.ResponseWriter, runID string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
	case errors.Is(err, retry.ErrInvalidOutcome):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		c.log.Error().Err(err).Str("run_id", runID).Msg("outcome callback failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (c *OutcomeController) Claim(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	var body struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WorkerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "worker_id required"})
		return
	}
	claimed, err := c.ledger.MarkRunning(ctx, runID, body.WorkerID)
	if err != nil {
		c.fail(w, runID, err)
		return
	}
	if !claimed {
		if _, err := c.runs.GetRun(ctx, runID); err != nil {
			c.fail(w, runID, err)
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{"run_id": runID, "claimed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "claimed": true})
}

// Outcome applies a reported result. Repeats of an applied outcome answer 200 with applied=false.
func (c *OutcomeController) Outcome(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	var outcome models.Outcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if outcome.RunID != "" && outcome.RunID != runID {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "run_id does not match path"})
		return
	}
	outcome.RunID = runID

	res, err := c.ledger.Report(ctx, outcome)
	if err != nil {
		c.fail(w, runID, err)
		return
	}
	resp := map[string]any{"run_id": runID, "applied": !res.Noop}
	if !res.Noop {
		resp["status"] = res.Run.Status
	}
	if res.Retry != nil {
		resp["retry_run_id"] = res.Retry.ID
		resp["retry_dispatch_at"] = res.Retry.DispatchAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
