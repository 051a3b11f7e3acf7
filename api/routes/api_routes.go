package routes

import (
	"context"
	"net/http"

	"github.com/Sumit189/cronhook/api/controllers"
	"github.com/gorilla/mux"
)

func ApiRoutes(router *mux.Router, ctrl *controllers.ScheduleController) {
	router.HandleFunc("/schedules", withContext(ctrl.Create)).Methods("POST")
	router.HandleFunc("/schedules", withContext(ctrl.List)).Methods("GET")
	router.HandleFunc("/schedules/{id}", withContext(ctrl.Get)).Methods("GET")
	router.HandleFunc("/schedules/{id}", withContext(ctrl.Edit)).Methods("PUT")
	router.HandleFunc("/schedules/{id}", withContext(ctrl.Delete)).Methods("DELETE")
	router.HandleFunc("/schedules/{id}/pause", withContext(ctrl.Pause)).Methods("POST")
	router.HandleFunc("/schedules/{id}/resume", withContext(ctrl.Resume)).Methods("POST")
	router.HandleFunc("/schedules/{id}/runs", withContext(ctrl.Runs)).Methods("GET")
	router.HandleFunc("/dead-letters", withContext(ctrl.DeadLetters)).Methods("GET")
	router.HandleFunc("/health", HealthHandler).Methods("GET")
	router.NotFoundHandler = http.HandlerFunc(NotFoundHandler)
}

func withContext(h func(ctx context.Context, w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(r.Context(), w, r)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	controllers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	controllers.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "no route for " + r.Method + " " + r.URL.Path})
}
