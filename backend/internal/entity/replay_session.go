package entity

import "time"

// ReplaySession 一次完整回放的归档记录。
// 创建后不可变，只有管理员删除。
type ReplaySession struct {
	ID              string `gorm:"primaryKey;type:varchar(36)"`
	ProjectID       string `gorm:"index;type:varchar(64)"`
	AuthorID        uint64
	FinalState      []byte `gorm:"type:mediumblob"` // 最终快照 JSON
	CompressedSteps []byte `gorm:"type:longblob"`   // zstd 压缩后的 step trace
	StepCount       int
	StartedAt       time.Time
	EndedAt         time.Time
	CreatedAt       time.Time
}
