package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfleet/maestro/pkg/executor"
	"github.com/openfleet/maestro/pkg/state"
)

// fail writes a JSON error response with the status implied by err.
func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, executor.ErrNoPendingQuestion):
		return http.StatusConflict
	case errors.Is(err, state.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
