package store

import (
	"driftsync/internal/model"

	"gorm.io/gorm"
)

// ActivityRepository owns the bounded activity ledger. Entries are kept
// oldest-first; queries return newest-first slices.
type ActivityRepository struct {
	db         *gorm.DB
	maxEntries int
}

func NewActivityRepository(db *gorm.DB, maxEntries int) *ActivityRepository {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &ActivityRepository{db: db, maxEntries: maxEntries}
}

// Append inserts the entry and evicts the oldest entries beyond the
// retention cap.
func (r *ActivityRepository) Append(entry model.ActivityEntry) error {
	if err := r.db.Create(&entry).Error; err != nil {
		return err
	}

	var count int64
	if err := r.db.Model(&model.ActivityEntry{}).Count(&count).Error; err != nil {
		return err
	}
	if count <= int64(r.maxEntries) {
		return nil
	}

	var victims []string
	if err := r.db.Model(&model.ActivityEntry{}).
		Order("timestamp, id").
		Limit(int(count - int64(r.maxEntries))).
		Pluck("id", &victims).Error; err != nil {
		return err
	}

	return r.db.Delete(&model.ActivityEntry{}, "id IN ?", victims).Error
}

func (r *ActivityRepository) Recent(limit int) ([]model.ActivityEntry, error) {
	if limit <= 0 || limit > r.maxEntries {
		limit = r.maxEntries
	}

	var entries []model.ActivityEntry
	return entries, r.db.Order("timestamp DESC, id DESC").Limit(limit).Find(&entries).Error
}

func (r *ActivityRepository) Clear() error {
	return r.db.Where("1 = 1").Delete(&model.ActivityEntry{}).Error
}
