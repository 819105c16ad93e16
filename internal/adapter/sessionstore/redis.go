package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"nexa/internal/domain"
	"nexa/internal/infra/tracer"
)

var _ domain.SessionStore = (*RedisStore)(nil)

// RedisStore keeps each session as an owner key plus a list of JSON
// entries. Appends use WATCH/MULTI so a concurrent writer from any process
// aborts the transaction instead of interleaving.
type RedisStore struct {
	client *redis.Client
	prefix string
	locks  *SessionLocker
}

// NewRedisStore connects to the Redis server at url (redis://...).
func NewRedisStore(ctx context.Context, url, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStore(client, keyPrefix), nil
}

func newRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "nexa"
	}
	return &RedisStore{client: client, prefix: keyPrefix, locks: NewSessionLocker()}
}

// Close shuts down the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) ownerKey(sessionID string) string {
	return s.prefix + ":session:" + sessionID + ":owner"
}

func (s *RedisStore) entriesKey(sessionID string) string {
	return s.prefix + ":session:" + sessionID + ":entries"
}

// userSessionsKey is a sorted set of the user's session ids scored by the
// last append time in unix milliseconds.
func (s *RedisStore) userSessionsKey(userID string) string {
	return s.prefix + ":user:" + userID + ":sessions"
}

// ListSessions returns the sessions owned by ownerUserID.
func (s *RedisStore) ListSessions(ctx context.Context, ownerUserID string) ([]domain.SessionSummary, error) {
	scored, err := s.client.ZRevRangeWithScores(ctx, s.userSessionsKey(ownerUserID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	counts := make([]*redis.IntCmd, len(scored))
	if len(scored) > 0 {
		_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, z := range scored {
				counts[i] = p.LLen(ctx, s.entriesKey(fmt.Sprint(z.Member)))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("count session entries: %w", err)
		}
	}

	out := make([]domain.SessionSummary, 0, len(scored))
	for i, z := range scored {
		out = append(out, domain.SessionSummary{
			SessionID:    fmt.Sprint(z.Member),
			Turns:        int(counts[i].Val()),
			LastActiveAt: time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	domain.SortSessionSummaries(out)
	return out, nil
}

// GetHistory reads the owner and entries in one MULTI so they are consistent.
func (s *RedisStore) GetHistory(ctx context.Context, sessionID string) (*domain.SessionHistory, error) {
	var ownerCmd *redis.StringCmd
	var entriesCmd *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		ownerCmd = p.Get(ctx, s.ownerKey(sessionID))
		entriesCmd = p.LRange(ctx, s.entriesKey(sessionID), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get session: %w", err)
	}

	h := &domain.SessionHistory{SessionID: sessionID, Entries: []domain.ChatHistoryEntry{}}
	owner, err := ownerCmd.Result()
	if errors.Is(err, redis.Nil) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session owner: %w", err)
	}
	h.OwnerUserID = owner

	for i, raw := range entriesCmd.Val() {
		var e domain.ChatHistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode entry %d of session %s: %w", i, sessionID, err)
		}
		h.Entries = append(h.Entries, e)
	}
	return h, nil
}

// AppendEntry appends entry if the list holds exactly expectedLen entries.
// A concurrent modification between WATCH and EXEC is a conflict.
func (s *RedisStore) AppendEntry(ctx context.Context, sessionID, ownerUserID string, expectedLen int, entry domain.ChatHistoryEntry) error {
	const op = "RedisStore.AppendEntry"

	ctx, span := tracer.StartSpan(ctx, "session.append",
		trace.WithAttributes(
			tracer.StringAttr("session.backend", "redis"),
			tracer.IntAttr("session.expected_len", expectedLen),
		),
	)
	defer span.End()

	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	defer unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	ownerKey, entriesKey := s.ownerKey(sessionID), s.entriesKey(sessionID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, ownerKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
			owner = ""
		case err != nil:
			return fmt.Errorf("get session owner: %w", err)
		}
		if owner != "" && owner != ownerUserID {
			return domain.NewDomainError(op, domain.ErrSessionForbidden, sessionID)
		}

		n, err := tx.LLen(ctx, entriesKey).Result()
		if err != nil {
			return fmt.Errorf("count entries: %w", err)
		}
		if int(n) != expectedLen {
			return domain.NewDomainError(op, domain.ErrSessionConflict,
				fmt.Sprintf("expected %d entries, found %d", expectedLen, n))
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if owner == "" {
				p.Set(ctx, ownerKey, ownerUserID, 0)
			}
			p.RPush(ctx, entriesKey, payload)
			p.ZAdd(ctx, s.userSessionsKey(ownerUserID), redis.Z{
				Score:  float64(entry.CreatedAt.UnixMilli()),
				Member: sessionID,
			})
			return nil
		})
		return err
	}, ownerKey, entriesKey)

	if errors.Is(err, redis.TxFailedErr) {
		err = domain.NewDomainError(op, domain.ErrSessionConflict, "concurrent append")
	}
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}
