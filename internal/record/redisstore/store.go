// Package redisstore implements record.Store on Redis hashes.
//
// Each record is a hash of immutable metadata plus a second hash holding one
// field per filled slot. A slot fill is HSETNX on the slot field. Completion
// is HSETNX of completed_at on the record hash, attempted only when HLEN of
// the slot hash equals slot_count; records are never deleted, so the
// existence check that precedes either write cannot be invalidated.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"aggregator/internal/record"
)

// Option configures the Store.
type Option func(*Store)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// Store is a Redis-backed record store.
type Store struct {
	client redis.UniversalClient
	prefix string
	owned  bool
	now    func() time.Time
}

// New creates a store on an existing client. The caller owns the client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultKeyPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open parses a redis:// URL and creates a store that owns its client.
func Open(url string, opts ...Option) (*Store, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	s := New(redis.NewClient(ro), opts...)
	s.owned = true
	return s, nil
}

type storedRef struct {
	URL            string    `json:"url"`
	MaterializedAt time.Time `json:"materializedAt"`
}

// Create writes the record hash if the key does not exist yet.
func (s *Store) Create(ctx context.Context, rec *record.Record) error {
	key := s.recordKey(rec.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", record.ErrExists, rec.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldOwner, rec.OwnerID,
				fieldSlotCount, rec.SlotCount,
				fieldCreatedAt, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
				fieldUpdatedAt, rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
			)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, record.ErrExists):
		return err
	case errors.Is(err, redis.TxFailedErr):
		// Another writer created the key between WATCH and EXEC.
		return fmt.Errorf("%w: %s", record.ErrExists, rec.ID)
	case err != nil:
		return fmt.Errorf("redisstore: create record: %w", err)
	}
	return nil
}

// Get reads both hashes in one pipeline.
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	pipe := s.client.Pipeline()
	meta := pipe.HGetAll(ctx, s.recordKey(id))
	slots := pipe.HGetAll(ctx, s.slotsKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisstore: get record: %w", err)
	}

	m := meta.Val()
	if len(m) == 0 {
		return nil, record.ErrNotFound
	}
	slotCount, err := strconv.Atoi(m[fieldSlotCount])
	if err != nil {
		return nil, fmt.Errorf("redisstore: corrupt slot_count for %s: %w", id, err)
	}

	rec := &record.Record{
		ID:        id,
		OwnerID:   m[fieldOwner],
		SlotCount: slotCount,
		Slots:     make([]*record.ResultRef, slotCount),
		CreatedAt: parseTime(m[fieldCreatedAt]),
		UpdatedAt: parseTime(m[fieldUpdatedAt]),
	}
	if v, ok := m[fieldCompletedAt]; ok {
		t := parseTime(v)
		rec.Completed = true
		rec.CompletedAt = &t
	}

	for field, raw := range slots.Val() {
		i, err := strconv.Atoi(field)
		if err != nil || !rec.ValidSlot(i) {
			continue
		}
		ref, err := decodeRef(i, raw)
		if err != nil {
			return nil, fmt.Errorf("redisstore: decode slot %d of %s: %w", i, id, err)
		}
		rec.Slots[i] = ref
	}
	return rec, nil
}

// FillSlot sets the slot field with HSETNX.
func (s *Store) FillSlot(ctx context.Context, id string, slot int, ref *record.ResultRef) (*record.FillResult, error) {
	slotCount, err := s.slotCount(ctx, id)
	if err != nil {
		return nil, err
	}
	if slot < 0 || slot >= slotCount {
		return nil, record.ErrSlotOutOfRange
	}

	stored := storedRef{URL: ref.URL, MaterializedAt: ref.MaterializedAt.UTC()}
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("redisstore: encode ref: %w", err)
	}

	field := strconv.Itoa(slot)
	applied, err := s.client.HSetNX(ctx, s.slotsKey(id), field, raw).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: fill slot: %w", err)
	}

	if applied {
		if err := s.client.HSet(ctx, s.recordKey(id), fieldUpdatedAt, s.now().Format(time.RFC3339Nano)).Err(); err != nil {
			return nil, fmt.Errorf("redisstore: touch record: %w", err)
		}
		return &record.FillResult{
			Outcome: record.OutcomeApplied,
			Current: &record.ResultRef{URL: stored.URL, SlotIndex: slot, MaterializedAt: stored.MaterializedAt},
		}, nil
	}

	current, err := s.client.HGet(ctx, s.slotsKey(id), field).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: read slot: %w", err)
	}
	winner, err := decodeRef(slot, current)
	if err != nil {
		return nil, fmt.Errorf("redisstore: decode slot: %w", err)
	}
	return &record.FillResult{Outcome: record.OutcomeAlreadyFilled, Current: winner}, nil
}

// MarkCompleted sets completed_at with HSETNX once HLEN reaches slot_count.
func (s *Store) MarkCompleted(ctx context.Context, id string) (*record.Completion, error) {
	slotCount, err := s.slotCount(ctx, id)
	if err != nil {
		return nil, err
	}
	filled, err := s.client.HLen(ctx, s.slotsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: count slots: %w", err)
	}

	c := &record.Completion{Filled: int(filled), SlotCount: slotCount}
	if c.Filled < slotCount {
		return c, nil
	}

	now := s.now().Format(time.RFC3339Nano)
	transitioned, err := s.client.HSetNX(ctx, s.recordKey(id), fieldCompletedAt, now).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: mark completed: %w", err)
	}
	if transitioned {
		if err := s.client.HSet(ctx, s.recordKey(id), fieldUpdatedAt, now).Err(); err != nil {
			return nil, fmt.Errorf("redisstore: touch record: %w", err)
		}
	}
	c.Completed = true
	c.Transitioned = transitioned
	return c, nil
}

func (s *Store) slotCount(ctx context.Context, id string) (int, error) {
	v, err := s.client.HGet(ctx, s.recordKey(id), fieldSlotCount).Result()
	if errors.Is(err, redis.Nil) {
		return 0, record.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redisstore: read record: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("redisstore: corrupt slot_count for %s: %w", id, err)
	}
	return n, nil
}

// Ready pings Redis.
func (s *Store) Ready(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func decodeRef(slot int, raw string) (*record.ResultRef, error) {
	var stored storedRef
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, err
	}
	return &record.ResultRef{URL: stored.URL, SlotIndex: slot, MaterializedAt: stored.MaterializedAt.UTC()}, nil
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

var _ record.Store = (*Store)(nil)
