package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
)

// errorBody is the stable wire shape of §7: a machine code plus a human
// message, and nothing else — no stack traces, no store identifiers.
type errorBody struct {
	Code    apierr.Code `json:"code"`
	Message string      `json:"message"`
}

// fail translates any error into the §7 taxonomy's HTTP status/JSON. A
// non-apierr error never reaches a caller with internal detail attached;
// it is logged and reported as CODE INTERNAL.
func fail(c *gin.Context, h *Handler, err error) {
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		if h != nil && h.logger != nil {
			h.logger.Printf("unclassified error: %v", err)
		}
		c.JSON(http.StatusInternalServerError, errorBody{Code: apierr.CodeInternal, Message: "internal error"})
		return
	}
	c.JSON(ae.Code.HTTPStatus(), errorBody{Code: ae.Code, Message: ae.Message})
}

// badRequest reports a plain binding/validation failure that never made
// it as far as an apierr.Error (e.g. malformed JSON).
func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorBody{Code: apierr.CodeValidation, Message: message})
}
