package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"workspaces/internal/model"
	"workspaces/internal/notify"
	"workspaces/internal/store"
)

// workspaceResponse is the flattened structure for the API response.
type workspaceResponse struct {
	Pool          string      `json:"pool"`
	Name          string      `json:"name"`
	Owner         string      `json:"owner"`
	State         model.State `json:"state"`
	CreatedAt     time.Time   `json:"createdAt"`
	ExpiresAt     time.Time   `json:"expiresAt"`
	ExpiredAt     *time.Time  `json:"expiredAt,omitempty"`
	DeleteAfter   *time.Time  `json:"deleteAfter,omitempty"`
	DaysRemaining int         `json:"daysRemaining"`
}

// GetWorkspaces handles the GET /api/workspaces?pool=&owner=&state= request.
func (h *Handler) GetWorkspaces(c *gin.Context) {
	filter := store.Filter{Owner: c.Query("owner")}
	if name := c.Query("pool"); name != "" {
		p, err := h.pools.Resolve(name)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		filter.Pool = p.Name
	}
	switch state := model.State(c.Query("state")); state {
	case "":
	case model.StateActive, model.StateExpired:
		filter.States = []model.State{state}
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "state must be active or expired"})
		return
	}

	records, err := h.store.Scan(c.Request.Context(), filter)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve workspaces"})
		return
	}

	now := h.now().UTC()
	response := make([]workspaceResponse, 0, len(records))
	for _, ws := range records {
		resp := workspaceResponse{
			Pool:          ws.Pool,
			Name:          ws.Name,
			Owner:         ws.Owner,
			State:         ws.State,
			CreatedAt:     ws.CreatedAt,
			ExpiresAt:     ws.ExpiresAt,
			ExpiredAt:     ws.ExpiredAt,
			DaysRemaining: notify.DaysRemaining(ws.ExpiresAt, now),
		}
		if ws.ExpiredAt != nil {
			if p, err := h.pools.Resolve(ws.Pool); err == nil {
				at := ws.ExpiredAt.Add(p.Retention)
				resp.DeleteAfter = &at
			}
		}
		response = append(response, resp)
	}
	c.JSON(http.StatusOK, response)
}
