package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// int64URLParam parses a chi URL parameter as an int64.
func int64URLParam(r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
