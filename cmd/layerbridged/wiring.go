package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/adapter/channelnet"
	"github.com/marko911/layerbridge/internal/adapter/evm"
	"github.com/marko911/layerbridge/internal/adapter/mock"
	"github.com/marko911/layerbridge/internal/adapter/oracle"
	"github.com/marko911/layerbridge/internal/adapter/overlay"
	"github.com/marko911/layerbridge/internal/adapter/statechannel"
	"github.com/marko911/layerbridge/internal/config"
	"github.com/marko911/layerbridge/internal/dedup"
	"github.com/marko911/layerbridge/internal/events"
	"github.com/marko911/layerbridge/internal/manager"
	"github.com/marko911/layerbridge/internal/platform/archive"
	"github.com/marko911/layerbridge/internal/platform/kafka"
	"github.com/marko911/layerbridge/internal/platform/nats"
	"github.com/marko911/layerbridge/internal/platform/redis"
	"github.com/marko911/layerbridge/internal/platform/storage"
	"github.com/marko911/layerbridge/internal/relay"
	"github.com/marko911/layerbridge/internal/transfer"
)

// infra is everything the manager is built on. Fields left nil are disabled
// by configuration.
type infra struct {
	bus   *events.Bus
	sink  events.Sink
	store transfer.Store
	dedup dedup.Store
	token transfer.Token

	archive    *archive.Archive
	relay      *relay.Relay
	subscriber *nats.Subscriber

	// checks gate readiness on the external dependencies in use.
	checks []DependencyCheck

	closers []func()
}

func (i *infra) onClose(fn func()) {
	i.closers = append(i.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (i *infra) Close() {
	for n := len(i.closers) - 1; n >= 0; n-- {
		i.closers[n]()
	}
	i.closers = nil
}

func (i *infra) managerOptions(logger *slog.Logger) []manager.Option {
	opts := []manager.Option{
		manager.WithLogger(logger),
		manager.WithSink(i.sink),
	}
	if i.store != nil {
		opts = append(opts, manager.WithTransferStore(i.store))
	}
	if i.dedup != nil {
		opts = append(opts, manager.WithDedup(i.dedup))
	}
	if i.token != nil {
		opts = append(opts, manager.WithToken(i.token))
	}
	if i.archive != nil {
		opts = append(opts, manager.WithArchive(i.archive))
	}
	return opts
}

// openInfra connects the configured backends. On error everything opened so
// far is closed again.
func openInfra(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *infra, err error) {
	in := &infra{bus: events.NewBus(logger)}
	in.onClose(in.bus.Close)
	defer func() {
		if err != nil {
			in.Close()
		}
	}()

	var sinks events.Multi

	if cfg.Kafka.Enabled {
		topics, err := kafka.NewTopicManager(cfg.Kafka.Config)
		if err != nil {
			return nil, err
		}
		err = topics.EnsureTopics(ctx, cfg.Kafka.Config.Topics())
		topics.Close()
		if err != nil {
			return nil, fmt.Errorf("ensure kafka topics: %w", err)
		}

		producer, err := kafka.NewProducer(cfg.Kafka.Config, logger)
		if err != nil {
			return nil, err
		}
		in.onClose(func() { producer.Close(context.Background()) })
		sinks = append(sinks, producer)
		logger.Info("kafka producer ready", "brokers", cfg.Kafka.Config.Brokers)
	}

	if cfg.NATS.Enabled {
		client, err := nats.Connect(ctx, cfg.NATS.Client, logger)
		if err != nil {
			return nil, err
		}
		in.onClose(func() { _ = client.Close() })
		in.checks = append(in.checks, DependencyCheck{Name: "nats", Check: client.Ping})

		stream, err := nats.EnsureStream(ctx, client.JetStream(), cfg.NATS.Stream)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, nats.NewPublisher(client.JetStream()))

		// The operator feed reads back from the stream so it shows events
		// published by every instance.
		consumer, err := nats.EnsureConsumer(ctx, stream, nats.DefaultConsumerConfig(feedConsumerName()))
		if err != nil {
			return nil, err
		}
		in.subscriber = nats.NewSubscriber(nats.DefaultSubscriberConfig(), consumer, in.bus, logger)
		logger.Info("nats jetstream ready", "url", cfg.NATS.Client.URL, "stream", cfg.NATS.Stream.Name)
	} else {
		sinks = append(sinks, in.bus)
	}
	in.sink = sinks

	switch cfg.Transfers {
	case config.BackendPostgres:
		db, err := storage.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		in.onClose(db.Close)
		in.checks = append(in.checks, DependencyCheck{Name: "postgres", Check: db.Health})
		if err := db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		in.store = storage.NewTransferRepository(db)
		in.relay = relay.New(cfg.Relay, storage.NewOutboxRepository(db), in.sink, logger)
		logger.Info("postgres transfer store ready", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}

	switch cfg.Dedup {
	case config.BackendRedis:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		in.onClose(func() { _ = client.Close() })
		in.checks = append(in.checks, DependencyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		in.dedup = redis.NewDedupStore(client, cfg.Redis.KeyPrefix)
		in.token = redis.NewToken(client, cfg.Redis, logger)
		logger.Info("redis dedup store ready", "addr", cfg.Redis.Addr)
	}

	if cfg.Archive.Enabled {
		a, err := archive.New(ctx, cfg.Archive.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("open proof archive: %w", err)
		}
		in.archive = a
		logger.Info("proof archive ready", "endpoint", cfg.Archive.Config.Endpoint, "bucket", cfg.Archive.Config.Bucket)
	}

	return in, nil
}

// registerAdapters builds one adapter per enabled section. With demo set,
// kinds without a section get a funded in-memory adapter instead.
func registerAdapters(m *manager.Manager, cfg config.Adapters, demo bool, logger *slog.Logger) error {
	deps := adapter.Deps{Dedup: m.Dedup(), Logger: logger}

	configured := map[adapter.Kind]adapter.Adapter{}
	if cfg.ChannelNet.Enabled {
		configured[adapter.KindChannelNet] = channelnet.New(cfg.ChannelNet.Config, deps)
	}
	if cfg.SideChain.Enabled {
		configured[adapter.KindSideChain] = evm.New(cfg.SideChain.Config, deps)
	}
	if cfg.AssetOverlay.Enabled {
		configured[adapter.KindAssetOverlay] = overlay.New(cfg.AssetOverlay.Config, deps)
	}
	if cfg.OracleContract.Enabled {
		configured[adapter.KindOracleContract] = oracle.New(cfg.OracleContract.Config, deps)
	}
	if cfg.StateChannel.Enabled {
		configured[adapter.KindStateChannel] = statechannel.New(cfg.StateChannel.Config, deps)
	}

	for _, kind := range adapter.Kinds() {
		a, ok := configured[kind]
		if !ok {
			if !demo {
				continue
			}
			a = mock.New(kind, demoFunding(), deps)
			logger.Warn("registering in-memory demo adapter", "kind", kind)
		}
		if err := m.Register(kind, a); err != nil {
			return err
		}
	}
	return nil
}

func demoFunding() adapter.Config {
	return adapter.Config{
		Assets:   []string{"BTC", "USDC"},
		Balances: map[string]uint64{"BTC": 10_000_000, "USDC": 1_000_000_000},
		ProofTTL: adapter.DefaultProofTTL,
	}
}

// feedConsumerName is unique per host so every instance receives the full
// stream.
func feedConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	host = strings.NewReplacer(".", "-", " ", "-").Replace(host)
	return "layerbridged-feed-" + host
}
