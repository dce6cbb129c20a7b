package service

import (
	"context"
	"errors"
	"time"

	"audio-fusion/app/logger"
	"audio-fusion/app/model"

	"gorm.io/gorm"
)

// GormJobStore 基于 gorm 的任务存储实现
type GormJobStore struct {
	db     *gorm.DB
	logger *logger.Logger
}

// NewGormJobStore 创建任务存储
func NewGormJobStore(db *gorm.DB, log *logger.Logger) *GormJobStore {
	return &GormJobStore{
		db:     db,
		logger: log,
	}
}

// GetJob 按 ID 加载任务，不存在时返回 *NotFoundError
func (s *GormJobStore) GetJob(ctx context.Context, id uint) (*model.Job, error) {
	var job model.Job
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{JobID: id}
		}
		return nil, err
	}
	return &job, nil
}

// UpdateStatus 更新任务状态，同时维护开始/完成时间戳
func (s *GormJobStore) UpdateStatus(ctx context.Context, id uint, status model.JobStatus) error {
	now := time.Now()
	updates := map[string]interface{}{"status": status}

	switch status {
	case model.JobStatusProcessing:
		updates["started_at"] = &now
	case model.JobStatusCompleted, model.JobStatusFailed:
		updates["completed_at"] = &now
	case model.JobStatusPending:
		// 外部重试会把失败任务重置为待处理，清掉上一次的时间戳
		updates["started_at"] = nil
		updates["completed_at"] = nil
	}

	return s.db.WithContext(ctx).Model(&model.Job{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateMetadata 写入媒体描述信息（标题、时长、缩略图）
func (s *GormJobStore) UpdateMetadata(ctx context.Context, id uint, meta MediaMetadata) error {
	updates := map[string]interface{}{}
	if meta.Title != "" {
		updates["title"] = meta.Title
	}
	if meta.Duration > 0 {
		updates["duration"] = meta.Duration
	}
	if meta.Thumbnail != "" {
		updates["thumbnail"] = meta.Thumbnail
	}
	if len(updates) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Model(&model.Job{}).Where("id = ?", id).Updates(updates).Error
}

// InsertTranscript 在一个事务中写入转写结果和全部片段
func (s *GormJobStore) InsertTranscript(ctx context.Context, jobID uint, result *TranscriptionResult) (*model.Transcript, error) {
	transcript := &model.Transcript{
		JobID:        jobID,
		Text:         result.Text,
		Language:     result.Language,
		LanguageName: result.LanguageName,
		Duration:     result.Duration,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(transcript).Error; err != nil {
			return err
		}

		if len(result.Segments) == 0 {
			return nil
		}

		segments := make([]model.TranscriptSegment, 0, len(result.Segments))
		for i, seg := range result.Segments {
			segments = append(segments, model.TranscriptSegment{
				TranscriptID: transcript.ID,
				Position:     i,
				Start:        seg.Start,
				End:          seg.End,
				Text:         seg.Text,
			})
		}
		return tx.Create(&segments).Error
	})
	if err != nil {
		return nil, err
	}

	return transcript, nil
}

// GetTranscript 按任务 ID 读取转写结果，片段按序号升序
func (s *GormJobStore) GetTranscript(ctx context.Context, jobID uint) (*model.Transcript, error) {
	var transcript model.Transcript
	err := s.db.WithContext(ctx).
		Preload("Segments", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("job_id = ?", jobID).
		First(&transcript).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{JobID: jobID}
		}
		return nil, err
	}
	return &transcript, nil
}
