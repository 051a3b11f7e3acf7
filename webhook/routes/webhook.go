package routes

import (
	"context"
	"net/http"

	"github.com/Sumit189/cronhook/webhook/controllers"
	"github.com/gorilla/mux"
)

func WebhookRoutes(router *mux.Router, ctrl *controllers.OutcomeController) {
	router.HandleFunc("/runs/{id}/claim", withContext(ctrl.Claim)).Methods("POST")
	router.HandleFunc("/runs/{id}/outcome", withContext(ctrl.Outcome)).Methods("POST")
	router.HandleFunc("/health", controllers.Health).Methods("GET")
}

func withContext(h func(ctx context.Context, w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(r.Context(), w, r)
	}
}
