package store

import (
	"errors"

	"driftsync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AnalyticsRepository struct {
	db *gorm.DB
}

func NewAnalyticsRepository(db *gorm.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

// Get returns the record for the job id, or a zeroed record if none exists.
func (r *AnalyticsRepository) Get(jobID string) (model.AnalyticsRecord, error) {
	var rec model.AnalyticsRecord
	err := r.db.First(&rec, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.AnalyticsRecord{JobID: jobID}, nil
	}
	return rec, err
}

func (r *AnalyticsRepository) GetAll() (map[string]model.AnalyticsRecord, error) {
	var recs []model.AnalyticsRecord
	if err := r.db.Find(&recs).Error; err != nil {
		return nil, err
	}

	byJob := make(map[string]model.AnalyticsRecord, len(recs))
	for _, rec := range recs {
		byJob[rec.JobID] = rec
	}
	return byJob, nil
}

func (r *AnalyticsRepository) Save(rec model.AnalyticsRecord) error {
	return r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

// Delete removes the record alongside its job.
func (r *AnalyticsRepository) Delete(jobID string) error {
	return r.db.Delete(&model.AnalyticsRecord{}, "job_id = ?", jobID).Error
}
