package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	"workspaces/internal/log"
	"workspaces/internal/pool"
	"workspaces/internal/volume"
)

// PoolResponse represents the API response for a single pool.
type PoolResponse struct {
	Name                string        `json:"name"`
	Root                string        `json:"root"`
	MountRoot           string        `json:"mountRoot,omitempty"`
	DefaultDurationDays int           `json:"defaultDurationDays"`
	MaxDurationDays     int           `json:"maxDurationDays"`
	RetentionDays       int           `json:"retentionDays"`
	Quota               uint64        `json:"quota,omitempty"`
	Snapshot            bool          `json:"snapshot"`
	Disabled            bool          `json:"disabled"`
	Usage               *volume.Usage `json:"usage,omitempty"`
	UsageError          string        `json:"usageError,omitempty"`
}

// GetPools handles the GET /api/pools request.
func (h *Handler) GetPools(c *gin.Context) {
	all := h.pools.All()
	responses := make([]PoolResponse, 0, len(all))
	for _, p := range all {
		resp := PoolResponse{
			Name:                p.Name,
			Root:                p.Root,
			MountRoot:           p.MountRoot,
			DefaultDurationDays: int(p.DefaultDuration / pool.Day),
			MaxDurationDays:     int(p.MaxDuration / pool.Day),
			RetentionDays:       int(p.Retention / pool.Day),
			Quota:               p.Quota,
			Snapshot:            p.Snapshot,
			Disabled:            p.Disabled,
		}
		usage, err := h.poolUsage(c.Request.Context(), p)
		if err != nil {
			log.WithComponent("api").Warn("pool usage unavailable", "pool", p.Name, "error", err)
			resp.UsageError = err.Error()
		} else {
			resp.Usage = &usage
		}
		responses = append(responses, resp)
	}
	c.JSON(http.StatusOK, responses)
}

// poolUsage asks the storage layer at most once per cache period per pool.
// Failures are not cached.
func (h *Handler) poolUsage(ctx context.Context, p pool.Pool) (volume.Usage, error) {
	if cached, ok := h.usage.Get(p.Name); ok {
		return cached.(volume.Usage), nil
	}
	usage, err := h.volumes.Usage(ctx, volume.Location{Root: p.Root})
	if err != nil {
		return volume.Usage{}, err
	}
	h.usage.Set(p.Name, usage, cache.DefaultExpiration)
	return usage, nil
}
