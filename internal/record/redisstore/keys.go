package redisstore

// DefaultKeyPrefix namespaces every key this store writes.
const DefaultKeyPrefix = "agg:"

// Record hash fields.
const (
	fieldOwner       = "owner_id"
	fieldSlotCount   = "slot_count"
	fieldCompletedAt = "completed_at"
	fieldCreatedAt   = "created_at"
	fieldUpdatedAt   = "updated_at"
)

// recordKey holds the record hash.
func (s *Store) recordKey(id string) string { return s.prefix + "record:" + id }

// slotsKey holds one field per filled slot; HLEN is the filled count.
func (s *Store) slotsKey(id string) string { return s.prefix + "record:" + id + ":slots" }
