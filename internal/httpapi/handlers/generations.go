package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"giftext/internal/generation"
	"giftext/internal/httpkit"
	"giftext/internal/pkg/errors"
	"giftext/internal/repositories"
)

// ListGenerations returns the latest recorded generations, newest first.
// Query: key (optional, normalized like the image route), limit (1..200,
// default 50).
func (h *Handler) ListGenerations(w http.ResponseWriter, r *http.Request) error {
	if h.generations == nil {
		return errors.Unavailable("generation ledger")
	}

	key := generation.NormalizeKey(r.URL.Query().Get("key"))
	limit := 50
	if s := strings.TrimSpace(r.URL.Query().Get("limit")); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > 200 {
			return errors.ValidationField("limit", "limit must be between 1 and 200")
		}
		limit = v
	}

	items, err := h.generations.List(r.Context(), key, limit)
	if httpkit.IsUndefinedTable(err) {
		return errors.Unavailable("generation ledger")
	}
	if err != nil {
		return errors.Wrap(err, "generations.list", "listing generations failed")
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"generations": items})
	return nil
}

// GetGeneration returns one recorded generation.
func (h *Handler) GetGeneration(w http.ResponseWriter, r *http.Request) error {
	if h.generations == nil {
		return errors.Unavailable("generation ledger")
	}

	id := chi.URLParam(r, "generationId")
	g, err := h.generations.Get(r.Context(), id)
	if errors.Is(err, repositories.ErrGenerationNotFound) {
		return errors.New(errors.CodeNotFound, "generation not found").WithField("generation_id", id)
	}
	if httpkit.IsUndefinedTable(err) {
		return errors.Unavailable("generation ledger")
	}
	if err != nil {
		return errors.Wrap(err, "generations.get", "loading generation failed")
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"generation": g})
	return nil
}
