package sqlstore

import (
	"time"

	"aggregator/internal/record"
)

// recordModel is the aggregate_records row.
type recordModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	OwnerID     string `gorm:"size:128;index"`
	SlotCount   int    `gorm:"not null"`
	Completed   bool   `gorm:"not null;default:false"`
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (recordModel) TableName() string { return "aggregate_records" }

// slotModel is one aggregate_slots row. Rows are created empty with the
// record, so an UPDATE guarded by "url IS NULL" is the slot's compare-and-set.
type slotModel struct {
	RecordID       string  `gorm:"primaryKey;size:64"`
	SlotIndex      int     `gorm:"primaryKey;autoIncrement:false"`
	URL            *string `gorm:"size:2048"`
	MaterializedAt *time.Time
}

func (slotModel) TableName() string { return "aggregate_slots" }

func (m *slotModel) ref() *record.ResultRef {
	if m.URL == nil {
		return nil
	}
	ref := &record.ResultRef{URL: *m.URL, SlotIndex: m.SlotIndex}
	if m.MaterializedAt != nil {
		ref.MaterializedAt = m.MaterializedAt.UTC()
	}
	return ref
}

func toModels(rec *record.Record) (*recordModel, []slotModel) {
	rm := &recordModel{
		ID:          rec.ID,
		OwnerID:     rec.OwnerID,
		SlotCount:   rec.SlotCount,
		Completed:   rec.Completed,
		CompletedAt: rec.CompletedAt,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	slots := make([]slotModel, rec.SlotCount)
	for i := range slots {
		slots[i] = slotModel{RecordID: rec.ID, SlotIndex: i}
	}
	return rm, slots
}

func fromModels(rm *recordModel, slots []slotModel) *record.Record {
	rec := &record.Record{
		ID:        rm.ID,
		OwnerID:   rm.OwnerID,
		SlotCount: rm.SlotCount,
		Slots:     make([]*record.ResultRef, rm.SlotCount),
		Completed: rm.Completed,
		CreatedAt: rm.CreatedAt.UTC(),
		UpdatedAt: rm.UpdatedAt.UTC(),
	}
	if rm.CompletedAt != nil {
		t := rm.CompletedAt.UTC()
		rec.CompletedAt = &t
	}
	for i := range slots {
		if rec.ValidSlot(slots[i].SlotIndex) {
			rec.Slots[slots[i].SlotIndex] = slots[i].ref()
		}
	}
	return rec
}
