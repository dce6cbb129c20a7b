package service

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"audio-fusion/app/config"
	"audio-fusion/app/logger"
	"audio-fusion/app/model"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// CleanupService 定时清理服务：删除过期的临时音频文件和超过保留期的任务记录
type CleanupService struct {
	logger *logger.Logger
	cfg    *config.Config
	db     *gorm.DB
	cron   *cron.Cron
}

// NewCleanupService 创建清理服务
func NewCleanupService(cfg *config.Config, log *logger.Logger, db *gorm.DB) *CleanupService {
	return &CleanupService{
		logger: log,
		cfg:    cfg,
		db:     db,
		cron:   cron.New(),
	}
}

// Start 按配置的 cron 表达式调度清理，启动时先执行一次
func (s *CleanupService) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Cleanup.Schedule, s.runCleanup); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Infof("清理服务已启动，调度: %s", s.cfg.Cleanup.Schedule)

	go s.runCleanup()
	return nil
}

// Stop 停止调度并等待进行中的清理结束
func (s *CleanupService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("清理服务已停止")
}

// runCleanup 执行一轮完整清理
func (s *CleanupService) runCleanup() {
	s.cleanupTempFiles()
	s.cleanupOldJobs()
}

// cleanupTempFiles 删除工作目录中超过最长保留时间的临时音频。
// 正常情况下流水线自己会清理，这里兜底处理进程异常退出留下的残留。
func (s *CleanupService) cleanupTempFiles() {
	maxAge := time.Duration(s.cfg.Cleanup.TempMaxAgeHours) * time.Hour
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(s.cfg.Media.WorkDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Errorf("读取工作目录失败: %v", err)
		}
		return
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "audio_") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.cfg.Media.WorkDir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warnf("删除临时文件失败: %s, %v", path, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Infof("清理了 %d 个过期临时音频文件", removed)
	}
}

// cleanupOldJobs 删除超过保留期的已完成和失败任务及其转写结果
func (s *CleanupService) cleanupOldJobs() {
	completedCutoff := time.Now().AddDate(0, 0, -s.cfg.Cleanup.CompletedRetentionDays)
	failedCutoff := time.Now().AddDate(0, 0, -s.cfg.Cleanup.FailedRetentionDays)

	s.deleteJobsBefore(model.JobStatusCompleted, completedCutoff)
	s.deleteJobsBefore(model.JobStatusFailed, failedCutoff)
}

// deleteJobsBefore 删除指定状态下、在截止时间之前完成的任务
func (s *CleanupService) deleteJobsBefore(status model.JobStatus, cutoff time.Time) {
	var jobs []model.Job
	if err := s.db.Where("status = ? AND completed_at < ?", status, cutoff).Find(&jobs).Error; err != nil {
		s.logger.Errorf("查询过期任务失败: status=%s, %v", status, err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	for _, job := range jobs {
		err := s.db.Transaction(func(tx *gorm.DB) error {
			var transcript model.Transcript
			if err := tx.Where("job_id = ?", job.ID).First(&transcript).Error; err == nil {
				if err := tx.Where("transcript_id = ?", transcript.ID).
					Delete(&model.TranscriptSegment{}).Error; err != nil {
					return err
				}
				if err := tx.Delete(&transcript).Error; err != nil {
					return err
				}
			}
			return tx.Delete(&job).Error
		})
		if err != nil {
			s.logger.Errorf("删除过期任务失败: job=%d, %v", job.ID, err)
			continue
		}

		// 缩略图一并清掉
		if job.Thumbnail != "" {
			if err := os.Remove(job.Thumbnail); err != nil && !os.IsNotExist(err) {
				s.logger.Warnf("删除缩略图失败: %s, %v", job.Thumbnail, err)
			}
		}
	}

	s.logger.Infof("清理了 %d 个过期任务: status=%s", len(jobs), status)
}
