package calls

import (
	"context"
	"time"

	"voice-relay/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// TurnSequencer assigns the next sequence number for a conversation's turns.
//
// The guarantee every implementation must hold: under single-writer delivery
// for one conversation, numbers come out 1..N with no gaps and no duplicates.
//
// CountSequencer is a read-then-write over the repository count. That read
// window is racy if the upstream ever delivers two turns for the same call in
// parallel; RedisSequencer closes the window with an atomic counter and is the
// implementation to wire when Redis is available.

type TurnSequencer interface {
	Next(ctx context.Context, conversationID string) (int, error)

	// Forget releases any per-conversation allocator state. Called after the
	// terminal transition; safe to call for conversations never sequenced.
	Forget(ctx context.Context, conversationID string) error
}

type CountSequencer struct {
	repo Repository
}

func NewCountSequencer(repo Repository) *CountSequencer {
	return &CountSequencer{repo: repo}
}

func (s *CountSequencer) Next(ctx context.Context, conversationID string) (int, error) {
	n, err := s.repo.CountTranscriptions(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

func (s *CountSequencer) Forget(ctx context.Context, conversationID string) error { return nil }

// RedisSequencer allocates sequence numbers with an atomic Redis counter,
// seeded from the repository count the first time a conversation is seen.
// The seed race is benign: the Lua script only sets the base when the key
// does not exist, so concurrent first turns still get distinct numbers.
type RedisSequencer struct {
	rdb  *redis.Client
	repo Repository
	ttl  time.Duration
}

func NewRedisSequencer(rdb *redis.Client, repo Repository) *RedisSequencer {
	return &RedisSequencer{rdb: rdb, repo: repo, ttl: 6 * time.Hour}
}

func seqKey(conversationID string) string { return "relay:turnseq:" + conversationID }

func (s *RedisSequencer) Next(ctx context.Context, conversationID string) (int, error) {
	base, err := s.repo.CountTranscriptions(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return utils.AllocateSequence(ctx, s.rdb, seqKey(conversationID), base, s.ttl)
}

func (s *RedisSequencer) Forget(ctx context.Context, conversationID string) error {
	return utils.DropSequence(ctx, s.rdb, seqKey(conversationID))
}
