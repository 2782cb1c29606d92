package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetHealth handles GET /healthz. It fails when the metadata store is
// unreachable.
func (h *Handler) GetHealth(c *gin.Context) {
	sqlDB, err := h.store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}

	body := gin.H{"status": "ok"}
	if h.passes != nil {
		if next := h.passes.NextRun(); next != nil {
			body["nextMaintenance"] = next.UTC()
		}
		if last := h.passes.LastSummary(); last != nil {
			body["lastMaintenance"] = last
		}
	}
	c.JSON(http.StatusOK, body)
}
