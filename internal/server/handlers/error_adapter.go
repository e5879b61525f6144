package handlers

import (
	"net/http"

	apperrors "github.com/slurmscope/slurmscope/internal/errors"
)

// httpErrorResponder renders handler errors. Swappable so embedders can
// reshape error bodies without forking the handlers.
var httpErrorResponder = defaultHTTPErrorResponder

func defaultHTTPErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

// SetHTTPErrorResponder installs a custom error responder. Passing nil
// restores the default.
func SetHTTPErrorResponder(fn func(w http.ResponseWriter, r *http.Request, err error)) {
	if fn == nil {
		httpErrorResponder = defaultHTTPErrorResponder
		return
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default error responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultHTTPErrorResponder
}

// respondWithError routes err through the installed responder.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
