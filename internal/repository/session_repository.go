// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"time"

	"fileflow-go/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SessionRepository 接口定义了上传会话的持久化操作。
// 会话元数据存放在 MySQL，已接收分片的索引集合存放在 Redis 位图中。
type SessionRepository interface {
	// UploadSession operations (GORM)
	Create(session *model.UploadSession) error
	GetBySessionID(sessionID string) (*model.UploadSession, error)
	UpdateStatus(sessionID string, status int) error
	// ExtendExpiry 将过期时间延后到 expiresAt，仅当它晚于当前值时生效。
	ExtendExpiry(sessionID string, expiresAt time.Time) error
	Delete(sessionID string) error
	ListExpired(now time.Time) ([]model.UploadSession, error)
	CountByExpiry(now time.Time) (active int64, expired int64, err error)

	// Chunk status operations (Redis)
	IsChunkReceived(ctx context.Context, sessionID string, chunkIndex int) (bool, error)
	MarkChunkReceived(ctx context.Context, sessionID string, chunkIndex int) error
	GetReceivedChunks(ctx context.Context, sessionID string, totalChunks int) ([]int, error)
	DeleteChunkMarks(ctx context.Context, sessionID string) error

	// Finalize mutual exclusion (Redis SETNX)
	AcquireFinalizeLock(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	ReleaseFinalizeLock(ctx context.Context, sessionID string) error
}

// sessionRepository 是 SessionRepository 接口的 GORM+Redis 实现。
type sessionRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewSessionRepository 创建一个新的 SessionRepository 实例。
func NewSessionRepository(db *gorm.DB, redisClient *redis.Client) SessionRepository {
	return &sessionRepository{db: db, redisClient: redisClient}
}

// getRedisChunkKey generates the redis key for the received-chunk bitmap.
func (r *sessionRepository) getRedisChunkKey(sessionID string) string {
	return "upload:chunks:" + sessionID
}

// getRedisLockKey generates the redis key for the finalize lock.
func (r *sessionRepository) getRedisLockKey(sessionID string) string {
	return "upload:finalize-lock:" + sessionID
}

// Create 在数据库中创建一个新的上传会话记录。
func (r *sessionRepository) Create(session *model.UploadSession) error {
	return r.db.Create(session).Error
}

// GetBySessionID 根据会话 ID 检索上传会话记录。
func (r *sessionRepository) GetBySessionID(sessionID string) (*model.UploadSession, error) {
	var session model.UploadSession
	err := r.db.Where("session_id = ?", sessionID).First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateStatus 更新指定会话的状态。
func (r *sessionRepository) UpdateStatus(sessionID string, status int) error {
	return r.db.Model(&model.UploadSession{}).
		Where("session_id = ?", sessionID).
		Update("status", status).Error
}

// ExtendExpiry 延长会话的过期时间。条件写入保证只会向后延，不会把它提前。
func (r *sessionRepository) ExtendExpiry(sessionID string, expiresAt time.Time) error {
	return r.db.Model(&model.UploadSession{}).
		Where("session_id = ? AND expires_at < ?", sessionID, expiresAt).
		Update("expires_at", expiresAt).Error
}

// Delete 删除会话记录。记录不存在时不报错（幂等）。
func (r *sessionRepository) Delete(sessionID string) error {
	return r.db.Where("session_id = ?", sessionID).Delete(&model.UploadSession{}).Error
}

// ListExpired 返回所有已过期的会话。
func (r *sessionRepository) ListExpired(now time.Time) ([]model.UploadSession, error) {
	var sessions []model.UploadSession
	err := r.db.Where("expires_at < ?", now).Find(&sessions).Error
	return sessions, err
}

// CountByExpiry 统计未过期与已过期的会话数量。
func (r *sessionRepository) CountByExpiry(now time.Time) (int64, int64, error) {
	var active, expired int64
	if err := r.db.Model(&model.UploadSession{}).
		Where("expires_at >= ?", now).Count(&active).Error; err != nil {
		return 0, 0, err
	}
	if err := r.db.Model(&model.UploadSession{}).
		Where("expires_at < ?", now).Count(&expired).Error; err != nil {
		return 0, 0, err
	}
	return active, expired, nil
}

// IsChunkReceived checks if a chunk is marked as received in Redis.
func (r *sessionRepository) IsChunkReceived(ctx context.Context, sessionID string, chunkIndex int) (bool, error) {
	key := r.getRedisChunkKey(sessionID)
	val, err := r.redisClient.GetBit(ctx, key, int64(chunkIndex)).Result()
	if err != nil {
		// key 不存在时 Redis 返回 0 而不是错误，这里只需要处理真正的错误。
		return false, err
	}
	return val == 1, nil
}

// MarkChunkReceived marks a chunk as received in Redis.
func (r *sessionRepository) MarkChunkReceived(ctx context.Context, sessionID string, chunkIndex int) error {
	key := r.getRedisChunkKey(sessionID)
	return r.redisClient.SetBit(ctx, key, int64(chunkIndex), 1).Err()
}

// GetReceivedChunks retrieves the list of received chunk indexes from the Redis bitmap.
func (r *sessionRepository) GetReceivedChunks(ctx context.Context, sessionID string, totalChunks int) ([]int, error) {
	if totalChunks == 0 {
		return []int{}, nil
	}
	key := r.getRedisChunkKey(sessionID)
	bitmap, err := r.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return []int{}, nil // key 不存在，尚未收到任何分片
		}
		return nil, err
	}

	received := make([]int, 0)
	for i := 0; i < totalChunks; i++ {
		byteIndex := i / 8
		bitIndex := i % 8
		if byteIndex < len(bitmap) && (bitmap[byteIndex]>>(7-bitIndex))&1 == 1 {
			received = append(received, i)
		}
	}
	return received, nil
}

// DeleteChunkMarks deletes the received-chunk bitmap from Redis.
func (r *sessionRepository) DeleteChunkMarks(ctx context.Context, sessionID string) error {
	return r.redisClient.Del(ctx, r.getRedisChunkKey(sessionID)).Err()
}

// AcquireFinalizeLock 通过 SETNX 获取会话级的合并互斥锁。
// 返回 false 表示另一个合并请求正持有该锁。
func (r *sessionRepository) AcquireFinalizeLock(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	return r.redisClient.SetNX(ctx, r.getRedisLockKey(sessionID), 1, ttl).Result()
}

// ReleaseFinalizeLock 释放合并互斥锁。
func (r *sessionRepository) ReleaseFinalizeLock(ctx context.Context, sessionID string) error {
	return r.redisClient.Del(ctx, r.getRedisLockKey(sessionID)).Err()
}
