package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Sumit189/cronhook/api/services"
	"github.com/Sumit189/cronhook/common/models"
	"github.com/Sumit189/cronhook/common/repository"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const (
	tenantHeader = "X-Tenant-ID"
	userHeader   = "X-User-ID"
	defaultLimit = 50
	maxLimit     = 500
)

type ScheduleController struct {
	svc *services.ScheduleService
	log zerolog.Logger
}

func NewScheduleController(svc *services.ScheduleService, log zerolog.Logger) *ScheduleController {
	return &ScheduleController{svc: svc, log: log}
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (c *ScheduleController) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, repository.ErrNotFound):
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, services.ErrConflict):
		WriteJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		c.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func tenantOf(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := r.Header.Get(tenantHeader)
	if tenant == "" {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "missing " + tenantHeader + " header"})
		return "", false
	}
	return tenant, true
}

func limitOf(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (services.ScheduleRequest, bool) {
	var req services.ScheduleRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload: " + err.Error()})
		return req, false
	}
	return req, true
}

func (c *ScheduleController) Create(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	schedule, err := c.svc.Create(ctx, tenant, r.Header.Get(userHeader), req)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.log.Info().Str("schedule_id", schedule.ID).Str("tenant_id", tenant).
		Time("next_run_at", *schedule.NextRunAt).Msg("schedule created")
	WriteJSON(w, http.StatusCreated, schedule)
}

func (c *ScheduleController) List(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	schedules, err := c.svc.List(ctx, tenant, limitOf(r))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if schedules == nil {
		schedules = []models.Schedule{}
	}
	WriteJSON(w, http.StatusOK, schedules)
}

func (c *ScheduleController) Get(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	schedule, err := c.svc.Get(ctx, tenant, mux.Vars(r)["id"])
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, schedule)
}

func (c *ScheduleController) Edit(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	schedule, err := c.svc.Edit(ctx, tenant, mux.Vars(r)["id"], req)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, schedule)
}

func (c *ScheduleController) Pause(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	schedule, err := c.svc.Pause(ctx, tenant, mux.Vars(r)["id"])
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, schedule)
}

func (c *ScheduleController) Resume(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	schedule, err := c.svc.Resume(ctx, tenant, mux.Vars(r)["id"])
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, schedule)
}

func (c *ScheduleController) Delete(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	if err := c.svc.Delete(ctx, tenant, mux.Vars(r)["id"]); err != nil {
		c.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *ScheduleController) Runs(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	runs, err := c.svc.Runs(ctx, tenant, mux.Vars(r)["id"], limitOf(r))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	WriteJSON(w, http.StatusOK, runs)
}

func (c *ScheduleController) DeadLetters(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	runs, err := c.svc.DeadLetters(ctx, tenant, limitOf(r))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	WriteJSON(w, http.StatusOK, runs)
}
