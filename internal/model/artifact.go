package model

import "time"

// StoredArtifact 定义了 stored_artifact 表的 ORM 模型。
// 一行对应一个已完成存储、可供下载的文件；(checksum, size_bytes) 在未过期记录
// 中应当唯一，由写入前的去重查询保证，而不是数据库唯一约束（并发上传同一内容
// 时容忍偶发的双份存储）。
type StoredArtifact struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	ArtifactID   string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"artifactId"`
	OriginalName string     `gorm:"type:varchar(255);not null" json:"originalName"`
	MimeType     string     `gorm:"type:varchar(100)" json:"mimeType"`
	SizeBytes    int64      `gorm:"not null" json:"sizeBytes"`
	Checksum     string     `gorm:"type:varchar(64);not null;index:idx_checksum_size" json:"checksum"`
	StoragePath  string     `gorm:"type:varchar(255);not null" json:"-"`
	// MirrorPath 是对象存储镜像中的对象名，空串表示尚未镜像。
	MirrorPath      string     `gorm:"type:varchar(255)" json:"-"`
	DeleteTokenHash string     `gorm:"type:varchar(100)" json:"-"`
	ExpiresAt       *time.Time `gorm:"default:null;index" json:"expiresAt"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (StoredArtifact) TableName() string {
	return "stored_artifact"
}

// IsExpired 报告制品在给定时刻是否已过期。ExpiresAt 为空表示永久保留。
func (a *StoredArtifact) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}
