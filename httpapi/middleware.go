package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/akadon/zent-voice/mediatoken"
)

const (
	requestIDHeader   = "x-request-id"
	internalKeyHeader = "x-internal-key"
)

// withRequestID propagates the caller's request id or stamps a fresh one.
func (a *API) withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next(w, r)
	}
}

// protected stacks request-id, CORS and internal-key auth in front of an
// /api handler.
func (a *API) protected(next http.HandlerFunc) http.HandlerFunc {
	return a.withRequestID(func(w http.ResponseWriter, r *http.Request) {
		a.applyCORS(w, r)

		if !mediatoken.InternalKeyEqual(r.Header.Get(internalKeyHeader), a.internalKey) {
			a.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

func (a *API) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if _, ok := a.corsOrigins[origin]; !ok {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, x-internal-key, x-request-id")
}
