package model

import (
	"time"
)

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"    // 等待处理
	JobStatusProcessing JobStatus = "processing" // 处理中
	JobStatusCompleted  JobStatus = "completed"  // 已完成
	JobStatusFailed     JobStatus = "failed"     // 失败
)

// SourceType 媒体来源类型
const (
	SourceTypeURL       = "url"   // 网络媒体链接
	SourceTypeLocalFile = "local" // 监听目录中的本地文件
)

// Job 转写任务模型
type Job struct {
	ID          uint       `json:"id" gorm:"primarykey"`
	SourceURL   string     `json:"source_url" gorm:"not null;index"`       // 媒体引用（URL 或本地路径）
	SourceType  string     `json:"source_type" gorm:"size:10;default:url"` // url 或 local
	Status      JobStatus  `json:"status" gorm:"size:20;default:pending;index"`
	Title       string     `json:"title"`     // 媒体标题（尽力获取）
	Duration    float64    `json:"duration"`  // 媒体时长（秒）
	Thumbnail   string     `json:"thumbnail"` // 本地缩略图路径
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// 关联关系
	Transcript *Transcript `json:"transcript,omitempty" gorm:"foreignKey:JobID"`
}

// TableName 指定表名
func (Job) TableName() string {
	return "jobs"
}

// CanRetry 检查任务是否可以重试（仅失败任务允许外部重置后重新执行）
func (j *Job) CanRetry() bool {
	return j.Status == JobStatusFailed
}

// IsTerminal 检查任务是否处于终态
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
