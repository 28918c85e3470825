package handlers

import (
	"net/http"

	"giftext/internal/httpkit"
)

// Stats reports pool and coordinator counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"coordinator": h.coord.Stats(),
	}
	if h.workers != nil {
		body["workers"] = h.workers.Stats()
	}
	httpkit.WriteJSON(w, http.StatusOK, body)
}
