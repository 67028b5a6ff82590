package playback

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/types"
	"github.com/example/tree-sync-engine/internal/wire"
)

// HTTPHandler exposes playback via a RESTful endpoint.
type HTTPHandler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler for GET /documents/{id}/state.
func NewHTTPHandler(svc *Service, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

type stateResponse struct {
	Document types.DocumentID `json:"document_id"`
	Seq      uint64           `json:"seq"`
	Tree     json.RawMessage  `json:"tree"`
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "documents" || parts[2] != "state" {
		http.NotFound(w, r)
		return
	}
	docID := parts[1]

	var atSeq uint64
	if raw := r.URL.Query().Get("at_seq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid at_seq", http.StatusBadRequest)
			return
		}
		atSeq = parsed
	}

	resp, err := h.svc.Playback(r.Context(), Request{Document: types.DocumentID(docID), AtSeq: atSeq})
	if err != nil {
		h.logger.Error().Err(err).Str("document", docID).Msg("playback failed")
		status := http.StatusInternalServerError
		if errors.Is(err, ErrFutureSequence) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	content, err := wire.NodesJSON(resp.Nodes)
	if err != nil {
		http.Error(w, "encode tree failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stateResponse{Document: resp.Document, Seq: resp.Seq, Tree: content}); err != nil {
		h.logger.Warn().Err(err).Msg("encode response failed")
	}
}
