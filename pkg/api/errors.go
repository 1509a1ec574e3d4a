package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
	"github.com/wheelhouse-io/wheelhouse/pkg/lifecycle"
	"github.com/wheelhouse-io/wheelhouse/pkg/services"
)

// errorBody is the JSON error envelope for every non-2xx response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorBody{Error: code, Message: message})
}

// respondMapped translates store and domain errors onto HTTP statuses:
// not-found 404, conflicts 409, expiry 410, steering outside EXECUTING
// 409, upstream provider failures 502, resource exhaustion 503.
func respondMapped(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, services.ErrExpired):
		respondError(c, http.StatusGone, "expired", err.Error())
	case errors.Is(err, services.ErrConflict),
		errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrSessionEnded):
		respondError(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, lifecycle.ErrNotExecuting):
		respondError(c, http.StatusConflict, "not_executing", err.Error())
	case isInvalidTransition(err):
		respondError(c, http.StatusConflict, "invalid_state", err.Error())
	case strings.Contains(err.Error(), "request body too large"):
		respondError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
	default:
		respondKind(c, err)
	}
}

func respondKind(c *gin.Context, err error) {
	var kerr *errkind.Error
	if errors.As(err, &kerr) {
		switch kerr.Kind {
		case errkind.Resource:
			respondError(c, http.StatusServiceUnavailable, "resource_exhausted", err.Error())
			return
		case errkind.Transient, errkind.Timeout:
			respondError(c, http.StatusBadGateway, "upstream_failure", err.Error())
			return
		}
	}
	respondError(c, http.StatusInternalServerError, "internal", err.Error())
}

// bindJSON decodes the request body into v, answering 413 for oversized
// bodies and 400 for anything else malformed. Returns false when it has
// already written the error response.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			respondError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		} else {
			respondError(c, http.StatusBadRequest, "bad_request", err.Error())
		}
		return false
	}
	return true
}

func isInvalidTransition(err error) bool {
	var invalid *lifecycle.InvalidTransition
	return errors.As(err, &invalid)
}
