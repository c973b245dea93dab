package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)
	mux.HandleFunc("GET /v1/zones", h.ListZones)

	mux.HandleFunc("POST /v1/emails/schedule", h.Schedule)
	mux.HandleFunc("POST /v1/emails/schedule/csv", h.ScheduleCSV)
	mux.HandleFunc("GET /v1/emails/scheduled", h.ListScheduled)
	mux.HandleFunc("GET /v1/emails/sent", h.ListSent)
	mux.HandleFunc("DELETE /v1/emails/{id}", h.Cancel)

	mux.HandleFunc("GET /v1/jobs/failed", h.ListFailedJobs)

	return mux
}
