package model

import (
	"time"
)

// Transcript 转写结果模型，每个成功的任务恰好写入一条，写入后不再修改
type Transcript struct {
	ID           uint      `json:"id" gorm:"primarykey"`
	JobID        uint      `json:"job_id" gorm:"not null;uniqueIndex"`
	Text         string    `json:"text" gorm:"type:text"`        // 完整文本
	Language     string    `json:"language" gorm:"size:16"`      // 检测到的语言代码
	LanguageName string    `json:"language_name" gorm:"size:64"` // 语言显示名称
	Duration     float64   `json:"duration"`                     // 音频时长（秒）
	CreatedAt    time.Time `json:"created_at"`

	// 关联关系
	Segments []TranscriptSegment `json:"segments,omitempty" gorm:"foreignKey:TranscriptID"`
}

// TableName 指定表名
func (Transcript) TableName() string {
	return "transcripts"
}

// TranscriptSegment 带时间戳的转写片段，按 Position 升序排列
type TranscriptSegment struct {
	ID           uint    `json:"id" gorm:"primarykey"`
	TranscriptID uint    `json:"transcript_id" gorm:"not null;index"`
	Position     int     `json:"position" gorm:"not null"` // 片段序号
	Start        float64 `json:"start"`                    // 开始时间（秒）
	End          float64 `json:"end"`                      // 结束时间（秒）
	Text         string  `json:"text" gorm:"type:text"`
}

// TableName 指定表名
func (TranscriptSegment) TableName() string {
	return "transcript_segments"
}
