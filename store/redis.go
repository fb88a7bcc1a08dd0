package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"cadencer/models"
)

const (
	leadKeyPrefix = "cadence:lead:"
	activeSetKey  = "cadence:active"

	// watchRetries bounds the WATCH/MULTI retry loop before giving up
	// with ErrConflict.
	watchRetries = 5
)

// RedisStore keeps one JSON value per lead plus a set of active emails so
// the due sweep never scans the whole keyspace. Read-modify-writes run
// under WATCH so two reconciler instances cannot clobber each other.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client. The caller owns connection
// configuration; Close closes the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func leadKey(email string) string { return leadKeyPrefix + email }

func decodeLead(email string, data []byte) (*models.LeadCadenceState, error) {
	var state models.LeadCadenceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", email, ErrCorrupt, err)
	}
	state.ApplyDefaults()
	return &state, nil
}

// Get returns the stored state for email.
func (s *RedisStore) Get(ctx context.Context, email string) (*models.LeadCadenceState, error) {
	email = models.CanonicalEmail(email)
	data, err := s.client.Get(ctx, leadKey(email)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%s: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", email, ErrUnavailable, err)
	}
	return decodeLead(email, data)
}

// Put writes state unconditionally and keeps the active index in step.
func (s *RedisStore) Put(ctx context.Context, state *models.LeadCadenceState) error {
	state.Email = models.CanonicalEmail(state.Email)
	state.Version++
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode %s: %w", state.Email, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, leadKey(state.Email), data, 0)
		if state.IsActive() {
			pipe.SAdd(ctx, activeSetKey, state.Email)
		} else {
			pipe.SRem(ctx, activeSetKey, state.Email)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s: %w: %v", state.Email, ErrUnavailable, err)
	}
	return nil
}

// AtomicUpdate runs fn inside a WATCH transaction, retrying on write races.
func (s *RedisStore) AtomicUpdate(ctx context.Context, email string, fn UpdateFunc) (*models.LeadCadenceState, error) {
	email = models.CanonicalEmail(email)
	key := leadKey(email)

	var updated *models.LeadCadenceState
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("%s: %w", email, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("%s: %w: %v", email, ErrUnavailable, err)
		}
		state, err := decodeLead(email, data)
		if err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}
		state.Email = email
		state.Version++
		next, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode %s: %w", email, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			if state.IsActive() {
				pipe.SAdd(ctx, activeSetKey, email)
			} else {
				pipe.SRem(ctx, activeSetKey, email)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = state
		return nil
	}

	for i := 0; i < watchRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%s: %w", email, ErrConflict)
}

// List scans every lead key. Unreadable values surface as RecordErrors.
func (s *RedisStore) List(ctx context.Context) ([]*models.LeadCadenceState, []RecordError, error) {
	var (
		states  []*models.LeadCadenceState
		badness []RecordError
		cursor  uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, leadKeyPrefix+"*", 200).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("scan leads: %w: %v", ErrUnavailable, err)
		}
		for _, key := range keys {
			email := strings.TrimPrefix(key, leadKeyPrefix)
			data, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue // expired between scan and get
			}
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w: %v", email, ErrUnavailable, err)
			}
			state, err := decodeLead(email, data)
			if err != nil {
				badness = append(badness, RecordError{Email: email, Err: err})
				continue
			}
			states = append(states, state)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return states, badness, nil
}

// ListActive resolves the active index to records, pruning stale entries.
func (s *RedisStore) ListActive(ctx context.Context) ([]*models.LeadCadenceState, []RecordError, error) {
	emails, err := s.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("active index: %w: %v", ErrUnavailable, err)
	}
	var (
		states  []*models.LeadCadenceState
		badness []RecordError
	)
	for _, email := range emails {
		state, err := s.Get(ctx, email)
		if IsNotFound(err) {
			s.client.SRem(ctx, activeSetKey, email)
			continue
		}
		if IsCorrupt(err) {
			badness = append(badness, RecordError{Email: email, Err: err})
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if !state.IsActive() {
			s.client.SRem(ctx, activeSetKey, email)
			continue
		}
		states = append(states, state)
	}
	return states, badness, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }
