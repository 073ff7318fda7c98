package api

import (
	"net/http"
	"time"

	"drilunia/internal/db"
)

type HealthHandler struct {
	database  *db.DB
	startedAt time.Time
}

func NewHealthHandler(database *db.DB) *HealthHandler {
	return &HealthHandler{database: database, startedAt: time.Now()}
}

// Check reports liveness plus a store reachability probe. Load balancers key
// off the status code; the body is for humans.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	}

	if err := h.database.Ping(); err != nil {
		body["status"] = "degraded"
		body["database"] = "unreachable"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}

	body["database"] = "ok"
	writeJSON(w, http.StatusOK, body)
}
