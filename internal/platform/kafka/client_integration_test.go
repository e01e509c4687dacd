//go:build integration

package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"consentd/internal/platform/config"
	audit "consentd/pkg/platform/audit"
	kafkamirror "consentd/pkg/platform/audit/publishers/kafka"
	"consentd/pkg/testutil/containers"
)

func TestAuditMirrorRoundTrip(t *testing.T) {
	rp := containers.NewRedpandaContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := config.Kafka{
		Brokers:        []string{rp.Broker},
		AuditTopic:     "consent-audit-it",
		Partitions:     3,
		ProduceTimeout: 10 * time.Second,
	}
	client, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.EnsureTopic(ctx, cfg.Partitions), "existing topic is not an error")
	require.NoError(t, client.Health(ctx))

	pub := kafkamirror.New(client, client.Topic(), cfg.ProduceTimeout)
	require.NoError(t, pub.Publish(ctx,
		audit.Record{ID: "r1", ChainKey: "artifact-1", Sequence: 1, ToStatus: "REQUESTED", Outcome: audit.OutcomeApplied, Timestamp: time.Now()},
		audit.Record{ID: "r2", ChainKey: "artifact-1", Sequence: 2, ToStatus: "GRANTED", Outcome: audit.OutcomeApplied, Timestamp: time.Now()},
	))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(rp.Broker),
		kgo.ConsumeTopics(cfg.AuditTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	t.Cleanup(consumer.Close)

	var got []*kgo.Record
	for len(got) < 2 {
		fetches := consumer.PollFetches(ctx)
		require.NoError(t, ctx.Err(), "timed out waiting for mirrored records")
		fetches.EachRecord(func(r *kgo.Record) { got = append(got, r) })
	}

	assert.Equal(t, got[0].Partition, got[1].Partition, "one chain stays on one partition")
	var first map[string]any
	require.NoError(t, json.Unmarshal(got[0].Value, &first))
	assert.Equal(t, "r1", first["id"])
	assert.Equal(t, "artifact-1", string(got[0].Key))
}

func TestNewWithoutBrokers(t *testing.T) {
	client, err := New(context.Background(), config.Kafka{})
	require.NoError(t, err)
	assert.Nil(t, client)
}
