package sync

import (
	"context"

	"gorm.io/gorm"
)

const opStatus = "sync.status"

// QueueStatus summarizes the durable backlog for operator visibility.
type QueueStatus struct {
	ExecuteQueue int64 `json:"executeQueue"`
	UploadQueue  int64 `json:"uploadQueue"`
	ErrorRows    int64 `json:"errorRows"`
}

// StatusReader answers the queue-size and error-counter queries that are the
// only externally observable signal of prolonged failure.
type StatusReader struct {
	db *gorm.DB
}

// NewStatusReader constructs a StatusReader.
func NewStatusReader(db *gorm.DB) (*StatusReader, error) {
	if db == nil {
		return nil, newServiceError(opStatus, "missing_database", errMissingDatabase)
	}
	return &StatusReader{db: db}, nil
}

// QueueSizes reports current queue depths and the number of change-log rows
// that have accumulated errors.
func (s *StatusReader) QueueSizes(ctx context.Context) (QueueStatus, error) {
	status := QueueStatus{}
	if err := s.db.WithContext(ctx).Model(&QueueToExecute{}).Count(&status.ExecuteQueue).Error; err != nil {
		return QueueStatus{}, newServiceError(opStatus, "execute_count_failed", err)
	}
	if err := s.db.WithContext(ctx).Model(&QueueToUpload{}).Count(&status.UploadQueue).Error; err != nil {
		return QueueStatus{}, newServiceError(opStatus, "upload_count_failed", err)
	}
	if err := s.db.WithContext(ctx).Model(&ChangeLog{}).
		Where("error_counter > 0").
		Count(&status.ErrorRows).Error; err != nil {
		return QueueStatus{}, newServiceError(opStatus, "error_count_failed", err)
	}
	return status, nil
}

// ErrorRows lists change-log entries whose error counter is positive,
// highest counter first.
func (s *StatusReader) ErrorRows(ctx context.Context, limit int) ([]ChangeLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ChangeLog
	if err := s.db.WithContext(ctx).
		Where("error_counter > 0").
		Order("error_counter DESC, change_time_ms ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, newServiceError(opStatus, "error_query_failed", err)
	}
	return rows, nil
}
