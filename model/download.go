package model

import "time"

// DownloadStatus 离线下载任务状态
type DownloadStatus string

const (
	DownloadQueued      DownloadStatus = "queued"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
	DownloadCancelled   DownloadStatus = "cancelled"
)

// DownloadTask represents one offline-library download.
// Only completed tasks are persisted to the database; live tasks are
// held in memory by the download manager.
type DownloadTask struct {
	ID              string         `gorm:"primaryKey;size:36" json:"id"`
	TrackID         string         `gorm:"index;size:64" json:"trackId"`
	Title           string         `gorm:"size:255" json:"title"`
	Artist          string         `gorm:"size:255" json:"artist"`
	Status          DownloadStatus `gorm:"size:16" json:"status"`
	Progress        float64        `json:"progress"` // [0,1]
	DownloadedBytes int64          `json:"downloadedBytes"`
	TotalBytes      int64          `json:"totalBytes"`
	Error           string         `gorm:"size:512" json:"error,omitempty"`
	LocalPath       string         `gorm:"size:512" json:"localPath,omitempty"`
	CoverPath       string         `gorm:"size:512" json:"coverPath,omitempty"`
	StartedAt       time.Time      `json:"startedAt"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// TableName 指定表名
func (DownloadTask) TableName() string {
	return "download_tasks"
}
