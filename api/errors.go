package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oakpki/oakpki/ca"
	"github.com/oakpki/oakpki/keystore"
	"github.com/oakpki/oakpki/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ca.ErrNotPending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ca.ErrInvalidSerial):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ca.ErrInvalidReason):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ca.ErrCrypto):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, keystore.ErrKeyStoreNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, keystore.ErrAliasNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, keystore.ErrAliasExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, keystore.ErrNoSigningConfig):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDuplicateSerial):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
