package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Store is the storage and authorization collaborator for live sessions:
// checkpoint persistence plus the per-document edit ACL. Checkpoint writes
// go through a circuit breaker so a dead redis fails fast instead of piling
// up retrying goroutines.
type Store struct {
	c       *redis.Client
	breaker *gobreaker.CircuitBreaker
}

func NewStore(c *redis.Client) *Store {
	return &Store{
		c: c,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "checkpoints",
			MaxRequests: 1,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("checkpoint breaker state changed")
			},
		}),
	}
}

// LoadLatestCheckpoint returns the persisted content and version, or empty
// state for a document that was never checkpointed.
func (s *Store) LoadLatestCheckpoint(ctx context.Context, docID string) (string, int64, error) {
	content, err := s.c.Get(ctx, fmt.Sprintf("texts.%v", docID)).Result()
	if errors.Is(err, redis.Nil) {
		content = ""
	} else if err != nil {
		return "", 0, fmt.Errorf("loading document text: %w", err)
	}

	raw, err := s.c.HGet(ctx, fmt.Sprintf("documents.%v", docID), "version").Result()
	if errors.Is(err, redis.Nil) {
		return content, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("loading document version: %w", err)
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad stored version %q: %w", raw, err)
	}
	return content, version, nil
}

// SaveCheckpoint atomically persists content and version, retrying transient
// failures with exponential backoff. The returned handle names the
// checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, docID, content string, version int64) (string, error) {
	write := func() error {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			pipe := s.c.TxPipeline()
			pipe.Set(ctx, fmt.Sprintf("texts.%v", docID), content, 0)
			pipe.HSet(ctx, fmt.Sprintf("documents.%v", docID),
				"version", version,
				"checkpointed_at", time.Now().Unix(),
			)
			_, err := pipe.Exec(ctx)
			return nil, err
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(write, bo); err != nil {
		return "", fmt.Errorf("saving checkpoint for %v: %w", docID, err)
	}
	return fmt.Sprintf("%v@%v", docID, version), nil
}

// CanEdit checks the document's ACL set. A document with no ACL is open to
// any authenticated user.
func (s *Store) CanEdit(ctx context.Context, userID, docID string) (bool, error) {
	key := fmt.Sprintf("acl.%v", docID)
	n, err := s.c.SCard(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("reading acl: %w", err)
	}
	if n == 0 {
		return true, nil
	}
	ok, err := s.c.SIsMember(ctx, key, userID).Result()
	if err != nil {
		return false, fmt.Errorf("reading acl: %w", err)
	}
	return ok, nil
}

// DocumentExists reports whether the document record is present.
func (s *Store) DocumentExists(ctx context.Context, docID string) (bool, error) {
	n, err := s.c.Exists(ctx, fmt.Sprintf("documents.%v", docID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
