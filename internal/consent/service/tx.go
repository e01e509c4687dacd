package service

import (
	"context"
	"sync"
	"time"

	dErrors "consentd/pkg/domain-errors"
)

// TxRunner provides the transactional boundary for one applied transition:
// the artifact update and its audit record commit together or not at all.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// numShards spreads in-memory transactions across independent locks keyed by
// consent request id, so unrelated artifacts never wait on each other.
const numShards = 128

// defaultTxTimeout is the maximum duration for a transaction.
const defaultTxTimeout = 5 * time.Second

// shardedTx is the in-memory TxRunner. Holding the shard lock across the
// artifact write and the audit append keeps per-artifact audit order equal to
// commit order.
type shardedTx struct {
	shards  [numShards]sync.Mutex
	timeout time.Duration
}

func newShardedTx(timeout time.Duration) *shardedTx {
	return &shardedTx{timeout: timeout}
}

func (t *shardedTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shard := t.selectShard(ctx)
	t.shards[shard].Lock()
	defer t.shards[shard].Unlock()

	// Check again after acquiring lock
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	return fn(ctx)
}

// selectShard picks a shard from the consent request id in context, or shard 0.
func (t *shardedTx) selectShard(ctx context.Context) int {
	if key, ok := ctx.Value(txShardKeyCtx).(string); ok && key != "" {
		return int(hashString(key) % numShards)
	}
	return 0
}

// hashString is FNV-1a.
func hashString(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}

type txShardKey struct{}

var txShardKeyCtx = txShardKey{}

func withShardKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, txShardKeyCtx, key)
}
