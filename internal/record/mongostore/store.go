// Package mongostore implements record.Store on MongoDB.
//
// A record is one document holding its slot array and a filled counter. A
// slot fill is a single UpdateOne filtered on "slots.<i>": null, which sets
// the slot and increments filled atomically. Completion is an UpdateOne
// filtered on completed: false and filled == slot_count.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"aggregator/internal/record"
)

// Collection is the collection records are stored in.
const Collection = "aggregate_records"

type slotDoc struct {
	URL            string    `bson:"url"`
	MaterializedAt time.Time `bson:"materialized_at"`
}

type recordDoc struct {
	ID          string     `bson:"_id"`
	OwnerID     string     `bson:"owner_id"`
	SlotCount   int        `bson:"slot_count"`
	Slots       []*slotDoc `bson:"slots"`
	Filled      int        `bson:"filled"`
	Completed   bool       `bson:"completed"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

// Store is a MongoDB-backed record store.
type Store struct {
	client *mongo.Client
	col    *mongo.Collection
	now    func() time.Time
}

// Open connects to uri and uses the named database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	s := New(client.Database(database))
	s.client = client
	return s, nil
}

// New creates a store on an existing database handle. The caller owns the client.
func New(db *mongo.Database) *Store {
	return &Store{
		col: db.Collection(Collection),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts the record document.
func (s *Store) Create(ctx context.Context, rec *record.Record) error {
	doc := recordDoc{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		SlotCount: rec.SlotCount,
		Slots:     make([]*slotDoc, rec.SlotCount),
		CreatedAt: rec.CreatedAt.UTC(),
		UpdatedAt: rec.UpdatedAt.UTC(),
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", record.ErrExists, rec.ID)
		}
		return fmt.Errorf("mongostore: create record: %w", err)
	}
	return nil
}

// Get loads the record document.
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	doc, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.toRecord(), nil
}

// FillSlot sets the slot only while it is null.
func (s *Store) FillSlot(ctx context.Context, id string, slot int, ref *record.ResultRef) (*record.FillResult, error) {
	if slot < 0 {
		return nil, record.ErrSlotOutOfRange
	}

	path := "slots." + strconv.Itoa(slot)
	stored := slotDoc{URL: ref.URL, MaterializedAt: ref.MaterializedAt.UTC().Truncate(time.Millisecond)}

	res, err := s.col.UpdateOne(ctx,
		bson.M{
			"_id":        id,
			"slot_count": bson.M{"$gt": slot},
			path:         nil,
		},
		bson.M{
			"$set": bson.M{path: stored, "updated_at": s.now()},
			"$inc": bson.M{"filled": 1},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("mongostore: fill slot: %w", err)
	}
	if res.MatchedCount == 1 {
		return &record.FillResult{
			Outcome: record.OutcomeApplied,
			Current: &record.ResultRef{URL: stored.URL, SlotIndex: slot, MaterializedAt: stored.MaterializedAt},
		}, nil
	}

	doc, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if slot >= doc.SlotCount || slot >= len(doc.Slots) {
		return nil, record.ErrSlotOutOfRange
	}
	current := doc.Slots[slot]
	if current == nil {
		return nil, fmt.Errorf("mongostore: slot %d of %s matched no update but is empty", slot, id)
	}
	return &record.FillResult{
		Outcome: record.OutcomeAlreadyFilled,
		Current: current.toRef(slot),
	}, nil
}

// MarkCompleted flips completed once filled equals slot_count.
func (s *Store) MarkCompleted(ctx context.Context, id string) (*record.Completion, error) {
	now := s.now()
	res, err := s.col.UpdateOne(ctx,
		bson.M{
			"_id":       id,
			"completed": false,
			"$expr":     bson.M{"$eq": bson.A{"$filled", "$slot_count"}},
		},
		bson.M{"$set": bson.M{"completed": true, "completed_at": now, "updated_at": now}},
	)
	if err != nil {
		return nil, fmt.Errorf("mongostore: mark completed: %w", err)
	}

	doc, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return &record.Completion{
		Filled:       doc.Filled,
		SlotCount:    doc.SlotCount,
		Completed:    doc.Completed,
		Transitioned: res.ModifiedCount == 1,
	}, nil
}

func (s *Store) find(ctx context.Context, id string) (*recordDoc, error) {
	var doc recordDoc
	if err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, record.ErrNotFound
		}
		return nil, fmt.Errorf("mongostore: get record: %w", err)
	}
	return &doc, nil
}

// Ready pings the server.
func (s *Store) Ready(ctx context.Context) error {
	return s.col.Database().Client().Ping(ctx, nil)
}

// Close disconnects the client when the store opened it.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (d *slotDoc) toRef(slot int) *record.ResultRef {
	return &record.ResultRef{URL: d.URL, SlotIndex: slot, MaterializedAt: d.MaterializedAt.UTC()}
}

func (d *recordDoc) toRecord() *record.Record {
	rec := &record.Record{
		ID:        d.ID,
		OwnerID:   d.OwnerID,
		SlotCount: d.SlotCount,
		Slots:     make([]*record.ResultRef, d.SlotCount),
		Completed: d.Completed,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	if d.CompletedAt != nil {
		t := d.CompletedAt.UTC()
		rec.CompletedAt = &t
	}
	for i, slot := range d.Slots {
		if slot != nil && i < d.SlotCount {
			rec.Slots[i] = slot.toRef(i)
		}
	}
	return rec
}

var _ record.Store = (*Store)(nil)
