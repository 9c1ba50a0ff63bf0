package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/coordinator"
	"github.com/pointdeck/pointdeck/internal/gateway"
	"github.com/pointdeck/pointdeck/internal/transport"
	"github.com/pointdeck/pointdeck/internal/transport/cloud"
	"github.com/pointdeck/pointdeck/internal/transport/fragment"
	"github.com/pointdeck/pointdeck/internal/transport/localbus"
)

// Services holds the wired application graph.
type Services struct {
	Store         cloud.Store
	StateProvider *cloud.Provider
	Connections   *gateway.ConnectionManager
	WebSocket     *gateway.WebSocketHandler
	State         *gateway.StateHandler
}

// setupServices wires the dependency chain: store → transport factories →
// per-connection coordinators → gateway handlers.
func setupServices(config *Config) (*Services, error) {
	clock := clockwork.NewRealClock()

	store, err := setupStore(config)
	if err != nil {
		return nil, err
	}

	cloudCfg := cloud.DefaultConfig()
	if config.Session.PresenceInterval > 0 {
		cloudCfg.PresenceInterval = config.Session.PresenceInterval
	}
	if config.Session.PresenceTTL > 0 {
		cloudCfg.PresenceTTL = config.Session.PresenceTTL
	}

	busCfg := localbus.DefaultConfig()
	if config.Session.HeartbeatInterval > 0 {
		busCfg.HeartbeatInterval = config.Session.HeartbeatInterval
	}
	if config.Session.PresenceTimeout > 0 {
		busCfg.PresenceTimeout = config.Session.PresenceTimeout
	}
	broker := localbus.NewBroker(clock)

	// Preference order: cloud when a store is configured, then the
	// in-process bus, then the pushless share-token form.
	var factories []transport.Factory
	if store != nil {
		factories = append(factories, cloud.NewFactory(store, clock, cloudCfg))
	}
	factories = append(factories,
		localbus.NewFactory(broker, clock, busCfg),
		fragment.NewFactory(),
	)

	coordCfg := coordinator.Config{
		RequireTask:     config.Session.RequireTask,
		AutoReveal:      config.Session.AutoReveal,
		AutoRevealDelay: config.Session.AutoRevealDelay,
	}
	newCoordinator := func(cb coordinator.Callbacks) *coordinator.Coordinator {
		return coordinator.New(clock, coordCfg, factories, cb)
	}

	connections := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), newCoordinator)

	services := &Services{
		Store:       store,
		Connections: connections,
		WebSocket:   gateway.NewWebSocketHandler(connections),
	}
	if store != nil {
		services.StateProvider = cloud.NewProvider(store, clock, cloudCfg)
		services.State = gateway.NewStateHandler(services.StateProvider)
	}
	return services, nil
}

func setupStore(config *Config) (cloud.Store, error) {
	switch config.Store.Backend {
	case "nats":
		cfg := cloud.DefaultNATSStoreConfig()
		if config.Store.NATS.URL != "" {
			cfg.URL = config.Store.NATS.URL
		}
		if config.Store.NATS.Bucket != "" {
			cfg.Bucket = config.Store.NATS.Bucket
		}
		store, err := cloud.NewNATSStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("setup NATS store: %w", err)
		}
		log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("using NATS session store")
		return store, nil

	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := cloud.NewPGStore(ctx, config.Store.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("setup Postgres store: %w", err)
		}
		log.Info().Msg("using Postgres session store")
		return store, nil

	default:
		log.Info().Msg("no session store configured, cloud transport disabled")
		return nil, nil
	}
}
