// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"math"
	"time"
)

// 上传会话状态。processing/failed 只在合并期间作标记用，不影响过期前的分片接收。
const (
	SessionStatusActive     = 0
	SessionStatusProcessing = 1
	SessionStatusFailed     = 2
)

// UploadSession 定义了 upload_session 表的 ORM 模型。
// 每行对应一个在途的分片上传；已收到的分片索引集合存放在 Redis 位图中。
type UploadSession struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID    string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"sessionId"`
	OriginalName string    `gorm:"type:varchar(255);not null" json:"originalName"`
	TotalSize    int64     `gorm:"not null" json:"totalSize"`
	ChunkSize    int64     `gorm:"not null" json:"chunkSize"`
	Status       int       `gorm:"type:tinyint;not null;default:0" json:"status"`
	ExpiresAt    time.Time `gorm:"not null;index" json:"expiresAt"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (UploadSession) TableName() string {
	return "upload_session"
}

// TotalChunks 返回该会话的总分片数 ceil(totalSize/chunkSize)。
func (s *UploadSession) TotalChunks() int {
	if s.TotalSize <= 0 || s.ChunkSize <= 0 {
		return 0
	}
	return int(math.Ceil(float64(s.TotalSize) / float64(s.ChunkSize)))
}

// ExpectedChunkSize 返回某个索引的分片应有的字节数。
// 除最后一个分片外都等于 chunkSize；整除时最后一个分片也是 chunkSize。
func (s *UploadSession) ExpectedChunkSize(index int) int64 {
	total := s.TotalChunks()
	if index == total-1 {
		last := s.TotalSize - int64(total-1)*s.ChunkSize
		return last
	}
	return s.ChunkSize
}

// IsExpired 报告会话在给定时刻是否已过期。
func (s *UploadSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
