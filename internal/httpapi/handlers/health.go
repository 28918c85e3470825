package handlers

import (
	"context"
	"net/http"
	"time"

	"giftext/internal/httpkit"
)

// Health performs a health check of the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	health := map[string]any{
		"status":    "ok",
		"service":   "giftext",
		"version":   h.version,
		"in_flight": h.coord.InFlight(),
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for _, check := range checks {
			if check["status"] == "error" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

// deepHealthCheck performs detailed health checks on dependencies.
func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	return map[string]map[string]any{
		"postgres": h.checkPostgres(ctx),
		"redis":    h.checkRedis(ctx),
		"workers":  h.checkWorkers(),
	}
}

func (h *Handler) checkPostgres(ctx context.Context) map[string]any {
	if h.db == nil {
		return map[string]any{"status": "disabled"}
	}

	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.db.Ping(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	} else {
		stats := h.db.Stat()
		result["total_conns"] = stats.TotalConns()
		result["idle_conns"] = stats.IdleConns()
		result["acquired_conns"] = stats.AcquiredConns()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkRedis(ctx context.Context) map[string]any {
	if h.rdb == nil {
		return map[string]any{"status": "disabled", "cache": "memory"}
	}

	start := time.Now()
	result := map[string]any{"status": "ok", "cache": "redis"}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.rdb.Ping(checkCtx).Err(); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkWorkers() map[string]any {
	if h.workers == nil {
		return map[string]any{"status": "disabled"}
	}
	st := h.workers.Stats()
	result := map[string]any{
		"status": "ok",
		"live":   st.Live,
		"idle":   st.Idle,
		"max":    st.Max,
	}
	if st.Max > 0 && st.Live >= st.Max && st.Waiting > 0 {
		result["status"] = "saturated"
		result["waiting"] = st.Waiting
	}
	return result
}
