// Package kafka ships transfer and protocol events to Kafka/Redpanda.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

type Config struct {
	// Brokers is a comma separated seed list.
	Brokers           string        `yaml:"brokers"`
	TransferTopic     string        `yaml:"transfer_topic"`
	ProtocolTopic     string        `yaml:"protocol_topic"`
	Partitions        int32         `yaml:"partitions"`
	ReplicationFactor int16         `yaml:"replication_factor"`
	Retention         time.Duration `yaml:"retention"`
}

func DefaultConfig() Config {
	return Config{
		Brokers:           "localhost:9092",
		TransferTopic:     "layerbridge.transfers",
		ProtocolTopic:     "layerbridge.protocols",
		Partitions:        12,
		ReplicationFactor: 1,
		Retention:         7 * 24 * time.Hour,
	}
}

func (c Config) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
	CleanupPolicy     string
}

// Topics lists the topics the producer writes to. Protocol events are few,
// so their topic gets a single partition to keep them totally ordered.
func (c Config) Topics() []TopicConfig {
	return []TopicConfig{
		{
			Name:              c.TransferTopic,
			Partitions:        c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			Retention:         c.Retention,
			CleanupPolicy:     "delete",
		},
		{
			Name:              c.ProtocolTopic,
			Partitions:        1,
			ReplicationFactor: c.ReplicationFactor,
			Retention:         c.Retention,
			CleanupPolicy:     "delete",
		},
	}
}

type TopicManager struct {
	admin *kadm.Client
}

func NewTopicManager(cfg Config) (*TopicManager, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(cfg.BrokerList()...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &TopicManager{admin: kadm.NewClient(client)}, nil
}

// EnsureTopics creates the topics that do not exist yet.
func (m *TopicManager) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	existing, err := m.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, cfg := range configs {
		if existing.Has(cfg.Name) {
			continue
		}
		if err := m.CreateTopic(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (m *TopicManager) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	resp, err := m.admin.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, topicConfigs(cfg), cfg.Name)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", cfg.Name, err)
	}
	for _, r := range resp {
		if r.Err != nil {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (m *TopicManager) Close() {
	m.admin.Close()
}

func topicConfigs(cfg TopicConfig) map[string]*string {
	out := map[string]*string{}
	if cfg.Retention > 0 {
		ms := strconv.FormatInt(cfg.Retention.Milliseconds(), 10)
		out["retention.ms"] = &ms
	}
	if cfg.CleanupPolicy != "" {
		policy := cfg.CleanupPolicy
		out["cleanup.policy"] = &policy
	}
	return out
}
