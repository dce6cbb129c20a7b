package database

import "audio-fusion/app/model"

func AutoMigrate() error {
	// 自动迁移表结构
	return DB.AutoMigrate(
		&model.User{},
		&model.Job{},
		&model.Transcript{},
		&model.TranscriptSegment{},
	)
}
