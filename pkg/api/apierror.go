package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/store"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates kernel errors to HTTP statuses: taxonomy faults map
// by kind, store sentinels by identity, everything else is a 500.
func WriteError(w http.ResponseWriter, err error) {
	if fault := contracts.AsFault(err); fault != nil {
		WriteJSON(w, statusForKind(fault.Kind), errorBody{Error: fault.Message, Kind: string(fault.Kind)})
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, store.ErrConflict):
		WriteJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		WriteJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func statusForKind(kind contracts.ErrorKind) int {
	switch kind {
	case contracts.ErrInvalidInput, contracts.ErrIdempotency:
		return http.StatusBadRequest
	case contracts.ErrAuth:
		return http.StatusUnauthorized
	case contracts.ErrPolicyDenied:
		return http.StatusForbidden
	case contracts.ErrNotFound:
		return http.StatusNotFound
	case contracts.ErrConflict:
		return http.StatusConflict
	case contracts.ErrRateLimited:
		return http.StatusTooManyRequests
	case contracts.ErrBudgetExceeded:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// WriteBadRequest reports a malformed request.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}
