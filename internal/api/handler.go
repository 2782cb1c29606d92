package api

import (
	"time"

	"github.com/patrickmn/go-cache"

	"workspaces/config"
	"workspaces/internal/maintenance"
	"workspaces/internal/pool"
	"workspaces/internal/store"
	"workspaces/internal/volume"
)

// PassStatus reports the serve-mode maintenance schedule.
type PassStatus interface {
	NextRun() *time.Time
	LastSummary() *maintenance.Summary
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	pools   *pool.Registry
	volumes volume.Manager
	usage   *cache.Cache
	push    *config.PushConfig
	passes  PassStatus
	now     func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithPush exposes the VAPID public key.
func WithPush(cfg *config.PushConfig) Option {
	return func(h *Handler) { h.push = cfg }
}

// WithPassStatus reports scheduled maintenance on /healthz.
func WithPassStatus(p PassStatus) Option {
	return func(h *Handler) { h.passes = p }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a new API handler. Pool usage answers are cached for
// usageTTL.
func NewHandler(s store.Store, pools *pool.Registry, volumes volume.Manager, usageTTL time.Duration, opts ...Option) *Handler {
	h := &Handler{
		store:   s,
		pools:   pools,
		volumes: volumes,
		usage:   cache.New(usageTTL, 2*usageTTL),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}
