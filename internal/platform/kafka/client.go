// Package kafka builds the franz-go client used to mirror audit records.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"consentd/internal/platform/config"
)

// Client wraps a kgo client configured for the audit topic.
type Client struct {
	*kgo.Client
	topic string
}

// New connects to the configured brokers and makes sure the audit topic
// exists. Returns nil if no brokers are configured.
func New(ctx context.Context, cfg config.Kafka) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.AuditTopic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.ProduceRequestTimeout(cfg.ProduceTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cl.Ping(pingCtx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("kafka ping failed: %w", err)
	}

	c := &Client{Client: cl, topic: cfg.AuditTopic}
	if err := c.EnsureTopic(ctx, cfg.Partitions); err != nil {
		cl.Close()
		return nil, err
	}
	return c, nil
}

// Topic is the audit topic records are produced to.
func (c *Client) Topic() string {
	return c.topic
}

// EnsureTopic creates the audit topic with the broker's default replication
// factor. An existing topic is left as is.
func (c *Client) EnsureTopic(ctx context.Context, partitions int32) error {
	if partitions <= 0 {
		partitions = 1
	}
	resp, err := kadm.NewClient(c.Client).CreateTopic(ctx, partitions, -1, nil, c.topic)
	if err == nil {
		err = resp.Err
	}
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", c.topic, err)
	}
	return nil
}

// Health checks broker reachability.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx)
}
