package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/callbridge/pkg/core"
	"github.com/vango-go/callbridge/pkg/gateway/mw"
)

// StatusDraining is returned to new media streams while the process shuts down.
const StatusDraining = 529

type errorEnvelope struct {
	Error *core.Error `json:"error"`
}

func writeCoreErrorJSON(w http.ResponseWriter, r *http.Request, coreErr *core.Error, status int) {
	if coreErr.RequestID == "" {
		coreErr.RequestID, _ = mw.RequestIDFrom(r.Context())
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: coreErr})
}

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeCoreErrorJSON(w, r, core.NewNotFoundError("not found"), http.StatusNotFound)
}
