package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
	"github.com/baxromumarov/sensor-2pc/pkg/transport"
)

// HeartbeatManager handles periodic health checks of all remote sites
type HeartbeatManager struct {
	registry *Registry
	client   *transport.HTTPClient
	interval time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHeartbeatManager creates a new heartbeat manager
func NewHeartbeatManager(registry *Registry, interval time.Duration, logger *zap.Logger) *HeartbeatManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeartbeatManager{
		registry: registry,
		client:   transport.NewHTTPClient(2 * time.Second),
		interval: interval,
		logger:   logger.With(zap.String("component", "heartbeat")),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the heartbeat checking loop
func (h *HeartbeatManager) Start() {
	h.wg.Add(1)
	go h.run()
	h.logger.Info("Heartbeat started", zap.Duration("interval", h.interval))
}

// Stop stops the heartbeat manager
func (h *HeartbeatManager) Stop() {
	close(h.stopCh)
	h.wg.Wait()
	h.logger.Info("Heartbeat stopped")
}

func (h *HeartbeatManager) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// Initial check
	h.checkAllSites()

	for {
		select {
		case <-ticker.C:
			h.checkAllSites()
		case <-h.stopCh:
			return
		}
	}
}

// checkAllSites performs health check on all remote sites
func (h *HeartbeatManager) checkAllSites() {
	sites := h.registry.Remote()
	if len(sites) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(sites))

	for _, s := range sites {
		go func(site *Site) {
			defer wg.Done()
			h.checkSite(site)
		}(s)
	}

	wg.Wait()
}

// checkSite performs a health check on a single site
func (h *HeartbeatManager) checkSite(site *Site) {
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()

	health, err := h.client.HealthCheck(ctx, site.Addr)
	if err == nil && health.Site != "" && health.Site != site.ID {
		h.logger.Warn("Site answered with a different alias",
			zap.String("site", string(site.ID)),
			zap.String("answered", string(health.Site)))
	}

	if err != nil {
		if site.SetAlive(false) {
			h.logger.Warn("Site is now DEAD", zap.String("site", string(site.ID)), zap.Error(err))
		}
		return
	}

	if site.SetAlive(true) {
		h.logger.Info("Site is now ALIVE", zap.String("site", string(site.ID)))
	}
}

// CheckSite performs a single health check on a specific site (exposed for manual checks)
func (h *HeartbeatManager) CheckSite(id protocol.SiteID) bool {
	site := h.registry.Site(id)
	if site == nil {
		return false
	}

	h.checkSite(site)
	return site.GetAlive()
}
