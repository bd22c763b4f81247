package main

import (
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// provideEventBus returns the NATS bus when one is configured, otherwise the
// in-process bus. Single-node deployments do not need a broker.
func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL != "" {
		return bus.NewNATSEventBus(cfg.NATS, log)
	}
	return bus.NewMemoryEventBus(log), nil
}
