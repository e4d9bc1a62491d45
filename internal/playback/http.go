package playback

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/storage"
	"github.com/example/workspace-sync/internal/types"
)

// HTTPHandler exposes playback via a RESTful endpoint.
type HTTPHandler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler for GET /api/workspaces/{id}/state.
func NewHTTPHandler(svc *Service, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// ServeHTTP implements http.Handler. The workspace id comes from the {id}
// route variable and the target from the optional at_seq query parameter.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	ws := mux.Vars(r)["id"]
	if ws == "" {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	var atSeq int64
	if raw := r.URL.Query().Get("at_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid_at_seq")
			return
		}
		atSeq = parsed
	}

	resp, err := h.svc.State(r.Context(), types.WorkspaceID(ws), atSeq)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
		return
	case errors.Is(err, ErrNoArchive):
		writeError(w, http.StatusNotFound, "no_archive")
		return
	case errors.Is(err, ErrSeqOutOfRange):
		writeError(w, http.StatusBadRequest, "invalid_at_seq")
		return
	default:
		h.logger.Error().Err(err).Str("workspace", ws).Msg("playback failed")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Debug().Err(err).Msg("encode playback response failed")
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
