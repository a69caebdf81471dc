package server

import (
	"errors"

	"github.com/gin-gonic/gin"

	apperrors "github.com/csdwd/claude-code-server/internal/common/errors"
)

// respond writes the success envelope: {"success": true, ...payload}.
func respond(c *gin.Context, status int, payload gin.H) {
	body := gin.H{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(status, body)
}

// respondError writes the error envelope: {"success": false, "error": msg}.
// AppError carries its own HTTP status; anything else is a 500.
func respondError(c *gin.Context, err error) {
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{
		"success": false,
		"error":   msg,
	})
}

// respondValidation is a shorthand for request body rejections.
func respondValidation(c *gin.Context, field, msg string) {
	respondError(c, apperrors.ValidationError(field, msg))
}
