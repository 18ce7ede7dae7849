package repository

import (
	"time"

	"fileflow-go/internal/model"

	"gorm.io/gorm"
)

// ArtifactRepository 接口定义了已存储制品的持久化操作，同时充当去重索引。
type ArtifactRepository interface {
	Create(artifact *model.StoredArtifact) error
	GetByArtifactID(artifactID string) (*model.StoredArtifact, error)
	// FindByChecksumAndSize 在未过期的制品中查找内容相同的记录。
	// 已过期的制品即使字节还在磁盘上也视为不存在（等待清理）。
	FindByChecksumAndSize(checksum string, sizeBytes int64, now time.Time) (*model.StoredArtifact, error)
	UpdateMirrorPath(artifactID, mirrorPath string) error
	Delete(artifactID string) error
	ListExpired(now time.Time) ([]model.StoredArtifact, error)
	Count() (int64, error)
}

// artifactRepository 是 ArtifactRepository 接口的 GORM 实现。
type artifactRepository struct {
	db *gorm.DB
}

// NewArtifactRepository 创建一个新的 ArtifactRepository 实例。
func NewArtifactRepository(db *gorm.DB) ArtifactRepository {
	return &artifactRepository{db: db}
}

// Create 插入一条新的制品记录。
func (r *artifactRepository) Create(artifact *model.StoredArtifact) error {
	return r.db.Create(artifact).Error
}

// GetByArtifactID 根据制品 ID 检索记录。
func (r *artifactRepository) GetByArtifactID(artifactID string) (*model.StoredArtifact, error) {
	var artifact model.StoredArtifact
	err := r.db.Where("artifact_id = ?", artifactID).First(&artifact).Error
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// FindByChecksumAndSize 按 (checksum, size) 查找未过期的制品。
func (r *artifactRepository) FindByChecksumAndSize(checksum string, sizeBytes int64, now time.Time) (*model.StoredArtifact, error) {
	var artifact model.StoredArtifact
	err := r.db.Where("checksum = ? AND size_bytes = ?", checksum, sizeBytes).
		Where("expires_at IS NULL OR expires_at >= ?", now).
		First(&artifact).Error
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// UpdateMirrorPath 记录制品在对象存储镜像中的对象名。
func (r *artifactRepository) UpdateMirrorPath(artifactID, mirrorPath string) error {
	return r.db.Model(&model.StoredArtifact{}).
		Where("artifact_id = ?", artifactID).
		Update("mirror_path", mirrorPath).Error
}

// Delete 删除制品记录。
func (r *artifactRepository) Delete(artifactID string) error {
	return r.db.Where("artifact_id = ?", artifactID).Delete(&model.StoredArtifact{}).Error
}

// ListExpired 返回所有已过期的制品。
func (r *artifactRepository) ListExpired(now time.Time) ([]model.StoredArtifact, error) {
	var artifacts []model.StoredArtifact
	err := r.db.Where("expires_at IS NOT NULL AND expires_at < ?", now).Find(&artifacts).Error
	return artifacts, err
}

// Count 返回制品总数。
func (r *artifactRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&model.StoredArtifact{}).Count(&count).Error
	return count, err
}
