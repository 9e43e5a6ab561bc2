package store

import (
	"driftsync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) GetAll() ([]model.Job, error) {
	var jobs []model.Job
	return jobs, r.db.Order("created_at").Find(&jobs).Error
}

// Save writes the full job record, inserting or overwriting.
func (r *JobRepository) Save(job *model.Job) error {
	return r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(job).Error
}

func (r *JobRepository) Delete(id string) error {
	return r.db.Delete(&model.Job{}, "id = ?", id).Error
}
