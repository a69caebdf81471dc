package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SendWebhook delivers an arbitrary event to a callback URL, synchronously,
// with the dispatcher's retry policy. Useful for receiver integration tests.
// POST /api/webhooks/send
func (h *handlers) SendWebhook(c *gin.Context) {
	var req struct {
		URL   string         `json:"url"`
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "request", err.Error())
		return
	}
	if req.Event == "" {
		respondValidation(c, "event", "must not be empty")
		return
	}
	if req.URL != "" && !validWebhookURL(req.URL) {
		respondValidation(c, "url", "must be a valid http(s) URL")
		return
	}

	var result any
	if req.URL != "" {
		result = h.webhooks.DeliverTo(c.Request.Context(), req.URL, req.Event, req.Data)
	} else {
		result = h.webhooks.Deliver(c.Request.Context(), req.Event, req.Data)
	}
	c.JSON(http.StatusOK, result)
}
