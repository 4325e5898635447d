package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/NotMugil/Inzx/db"
	"github.com/NotMugil/Inzx/model"
)

// DownloadRepository defines the interface for offline-library records.
type DownloadRepository interface {
	SaveTask(task *model.DownloadTask) error
	GetTaskByTrackID(trackID string) (*model.DownloadTask, error)
	ListCompleted() ([]*model.DownloadTask, error)
	DeleteTask(id string) error
}

// gormDownloadRepository implements DownloadRepository on GORM.
type gormDownloadRepository struct {
	db *gorm.DB
}

// NewDownloadRepository creates a repository backed by the global GORM handle.
func NewDownloadRepository() DownloadRepository {
	return &gormDownloadRepository{db: db.GormDB}
}

// SaveTask upserts a download task record.
func (r *gormDownloadRepository) SaveTask(task *model.DownloadTask) error {
	if r.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := r.db.Save(task).Error; err != nil {
		return fmt.Errorf("failed to save download task: %w", err)
	}
	return nil
}

// GetTaskByTrackID returns the most recent record for a track, or nil.
func (r *gormDownloadRepository) GetTaskByTrackID(trackID string) (*model.DownloadTask, error) {
	if r.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	var task model.DownloadTask
	err := r.db.Where("track_id = ?", trackID).Order("updated_at DESC").First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query download task: %w", err)
	}
	return &task, nil
}

// ListCompleted returns all completed downloads, newest first.
func (r *gormDownloadRepository) ListCompleted() ([]*model.DownloadTask, error) {
	if r.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	var tasks []*model.DownloadTask
	err := r.db.Where("status = ?", model.DownloadCompleted).Order("updated_at DESC").Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list completed downloads: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes a record by id.
func (r *gormDownloadRepository) DeleteTask(id string) error {
	if r.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := r.db.Delete(&model.DownloadTask{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete download task: %w", err)
	}
	return nil
}
