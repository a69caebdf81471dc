package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// AggregateStats reports process-wide request, token, and cost totals.
// GET /api/stats
func (h *handlers) AggregateStats(c *gin.Context) {
	agg, err := h.stats.GetAggregate()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"requests": agg.Requests,
		"tokens":   agg.Tokens,
		"costs":    agg.Costs,
		"models":   agg.Models,
	})
}

// DailyStats reports daily rollup rows, newest first.
// GET /api/stats/daily?limit=
func (h *handlers) DailyStats(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondValidation(c, "limit", "must be a non-negative integer")
			return
		}
		limit = n
	}

	daily, err := h.stats.GetDaily(limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"daily": daily, "total": len(daily)})
}
