package service

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"fileflow-go/internal/assembler"
	"fileflow-go/internal/config"
	"fileflow-go/internal/governor"
	"fileflow-go/internal/model"
	"fileflow-go/internal/repository"
	"fileflow-go/pkg/log"
	"fileflow-go/pkg/tasks"
	"fileflow-go/pkg/token"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ChunkStore 是编排服务依赖的分片与制品存储能力，由 storage.LocalStore 实现。
type ChunkStore interface {
	WriteChunk(sessionID string, index int, r io.Reader) (int64, error)
	OpenChunk(sessionID string, index int) (io.ReadCloser, error)
	RemoveSessionChunks(sessionID string) error
	ScratchPath(name string) string
	CommitArtifact(scratchPath, artifactID string) (string, error)
	RemoveArtifact(relPath string) error
}

// ArtifactPublisher 把新落盘制品的后处理任务投递出去（Kafka）。
type ArtifactPublisher func(task tasks.ArtifactStoredTask) error

// ChunkReceipt 是一次分片接收后的进度快照。
type ChunkReceipt struct {
	Received       []int   `json:"received"`
	TotalChunks    int     `json:"totalChunks"`
	Progress       float64 `json:"progress"`
	IsComplete     bool    `json:"isComplete"`
	NextChunkIndex int     `json:"nextChunkIndex"` // 完成时为 -1
	MissingChunks  []int   `json:"missingChunks"`
}

// SessionStatus 是上传会话的状态快照。
type SessionStatus struct {
	SessionID    string    `json:"sessionId"`
	OriginalName string    `json:"originalName"`
	TotalSize    int64     `json:"totalSize"`
	ChunkSize    int64     `json:"chunkSize"`
	Received     []int     `json:"received"`
	TotalChunks  int       `json:"totalChunks"`
	Progress     float64   `json:"progress"`
	IsComplete   bool      `json:"isComplete"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// FinalizeResult 是合并操作的产出。DeleteToken 只在新建制品时返回一次。
type FinalizeResult struct {
	Artifact     *model.StoredArtifact
	DeleteToken  string
	Deduplicated bool
}

// SessionStats 是会话数量统计。
type SessionStats struct {
	Active  int64 `json:"active"`
	Expired int64 `json:"expired"`
	Total   int64 `json:"total"`
}

// LoadMetrics 是服务器负载快照，供运维接口上报。
type LoadMetrics struct {
	ActiveSessions       int64   `json:"activeSessions"`
	MemoryPercent        float64 `json:"memoryPercent"`
	DiskPercent          float64 `json:"diskPercent"`
	LoadScore            int     `json:"loadScore"`
	RecommendedChunkSize int64   `json:"recommendedChunkSize"`
	CanAcceptUploads     bool    `json:"canAcceptUploads"`
}

// UploadService 接口定义了分片上传的编排操作。
type UploadService interface {
	InitializeSession(ctx context.Context, originalName string, totalSize, chunkSize int64) (*model.UploadSession, error)
	AcceptChunk(ctx context.Context, sessionID string, chunkIndex int, chunk io.ReadSeeker, chunkByteLen int64) (*ChunkReceipt, error)
	FinalizeUpload(ctx context.Context, sessionID string, retention time.Duration) (*FinalizeResult, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error)
	CleanupSession(ctx context.Context, sessionID string) error
	CleanupExpiredSessions(ctx context.Context) (int, error)
	GetSessionStats(ctx context.Context) (*SessionStats, error)
	GetServerLoadMetrics(ctx context.Context) (*LoadMetrics, error)
}

type uploadService struct {
	sessionRepo     repository.SessionRepository
	artifactRepo    repository.ArtifactRepository
	store           ChunkStore
	gov             governor.Governor
	cfg             config.UploadConfig
	finalizeTimeout time.Duration
	retry           RetryPolicy
	publish         ArtifactPublisher
	nowFn           func() time.Time
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(
	sessionRepo repository.SessionRepository,
	artifactRepo repository.ArtifactRepository,
	store ChunkStore,
	gov governor.Governor,
	cfg config.UploadConfig,
	finalizeTimeout time.Duration,
	publish ArtifactPublisher,
) UploadService {
	return &uploadService{
		sessionRepo:     sessionRepo,
		artifactRepo:    artifactRepo,
		store:           store,
		gov:             gov,
		cfg:             cfg,
		finalizeTimeout: finalizeTimeout,
		retry: RetryPolicy{
			MaxAttempts: cfg.WriteMaxAttempts,
			BaseDelay:   time.Duration(cfg.WriteBackoffSeconds) * time.Second,
		},
		publish: publish,
		nowFn:   time.Now,
	}
}

// InitializeSession 创建一个新的上传会话。除了大小必须为正数之外没有其他前置条件。
func (s *uploadService) InitializeSession(ctx context.Context, originalName string, totalSize, chunkSize int64) (*model.UploadSession, error) {
	if totalSize <= 0 {
		return nil, &InvalidArgumentError{Msg: fmt.Sprintf("totalSize 必须为正数, 收到 %d", totalSize)}
	}
	if chunkSize <= 0 {
		return nil, &InvalidArgumentError{Msg: fmt.Sprintf("chunkSize 必须为正数, 收到 %d", chunkSize)}
	}

	session := &model.UploadSession{
		SessionID:    token.GenerateRandomString(24),
		OriginalName: originalName,
		TotalSize:    totalSize,
		ChunkSize:    chunkSize,
		Status:       model.SessionStatusActive,
		ExpiresAt:    s.nowFn().Add(s.cfg.SessionTimeout()),
	}
	if err := s.sessionRepo.Create(session); err != nil {
		log.Error("[InitializeSession] 创建上传会话失败", err)
		return nil, err
	}

	log.Infof("[InitializeSession] 会话已创建: %s, 文件: %s, 总大小: %d, 分片大小: %d, 总分片数: %d",
		session.SessionID, originalName, totalSize, chunkSize, session.TotalChunks())
	return session, nil
}

// AcceptChunk 接收并校验一个分片。校验失败时不发生任何写入；
// 存储写入失败会按指数退避重试，重试只覆盖写入本身。
func (s *uploadService) AcceptChunk(ctx context.Context, sessionID string, chunkIndex int, chunk io.ReadSeeker, chunkByteLen int64) (*ChunkReceipt, error) {
	session, err := s.loadLiveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	totalChunks := session.TotalChunks()
	received, err := s.sessionRepo.GetReceivedChunks(ctx, sessionID, totalChunks)
	if err != nil {
		log.Error("[AcceptChunk] 从 Redis 获取已接收分片列表失败", err)
		return nil, err
	}

	if err := ValidateChunk(session, received, chunkIndex, chunkByteLen); err != nil {
		return nil, err
	}

	// 写入重试前把读取位置归零，保证每次尝试都写完整的分片。
	writeErr := s.retry.Do(ctx, func() error {
		if _, err := chunk.Seek(0, io.SeekStart); err != nil {
			return err
		}
		n, err := s.store.WriteChunk(sessionID, chunkIndex, chunk)
		if err != nil {
			return err
		}
		if n != chunkByteLen {
			return fmt.Errorf("写入 %d 字节, 预期 %d", n, chunkByteLen)
		}
		return nil
	})
	if writeErr != nil {
		log.Errorf("[AcceptChunk] 分片写入最终失败: 会话 %s, 分片 %d, error: %v", sessionID, chunkIndex, writeErr)
		return nil, fmt.Errorf("%w: %v", ErrStorageWrite, writeErr)
	}

	if err := s.sessionRepo.MarkChunkReceived(ctx, sessionID, chunkIndex); err != nil {
		log.Error("[AcceptChunk] 严重错误：在 Redis 中标记分片已接收失败", err)
		return nil, err
	}
	// 活跃上传不应在传输途中过期，收到分片即延长会话。
	if err := s.sessionRepo.ExtendExpiry(sessionID, s.nowFn().Add(s.cfg.SessionTimeout())); err != nil {
		log.Warnf("[AcceptChunk] 延长会话过期时间失败: 会话 %s, error: %v", sessionID, err)
	}

	received = append(received, chunkIndex)
	sort.Ints(received) // 乱序到达时回执里的列表仍按索引升序
	receipt := buildReceipt(received, totalChunks)
	log.Infof("[AcceptChunk] 分片接收成功: 会话 %s, 分片 %d, 进度 %d/%d", sessionID, chunkIndex, len(received), totalChunks)
	return receipt, nil
}

// FinalizeUpload 把一个完整会话的分片合并为制品，经过去重检查后落盘。
// 同一会话的并发合并由 Redis SETNX 锁互斥，后来者立即失败。
func (s *uploadService) FinalizeUpload(ctx context.Context, sessionID string, retention time.Duration) (*FinalizeResult, error) {
	lockTTL := s.finalizeTimeout + 5*time.Minute
	acquired, err := s.sessionRepo.AcquireFinalizeLock(ctx, sessionID, lockTTL)
	if err != nil {
		log.Error("[FinalizeUpload] 获取合并锁失败", err)
		return nil, err
	}
	if !acquired {
		return nil, ErrFinalizeInProgress
	}
	defer func() {
		if err := s.sessionRepo.ReleaseFinalizeLock(context.Background(), sessionID); err != nil {
			log.Warnf("[FinalizeUpload] 释放合并锁失败: 会话 %s, error: %v", sessionID, err)
		}
	}()

	session, err := s.loadLiveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	totalChunks := session.TotalChunks()
	received, err := s.sessionRepo.GetReceivedChunks(ctx, sessionID, totalChunks)
	if err != nil {
		log.Error("[FinalizeUpload] 从 Redis 检查分片完整性失败", err)
		return nil, err
	}
	if len(received) < totalChunks {
		missing := missingChunks(received, totalChunks)
		log.Warnf("[FinalizeUpload] 拒绝合并请求：分片未完全上传。会话 %s, 期望 %d, 实际 %d", sessionID, totalChunks, len(received))
		return nil, &IncompleteError{Missing: missing}
	}

	if err := s.sessionRepo.UpdateStatus(sessionID, model.SessionStatusProcessing); err != nil {
		log.Warnf("[FinalizeUpload] 更新会话状态失败: %v", err)
	}

	// 合并操作可能持续数分钟，使用独立于默认请求超时的宽松上限。
	assembleCtx := ctx
	if s.finalizeTimeout > 0 {
		var cancel context.CancelFunc
		assembleCtx, cancel = context.WithTimeout(ctx, s.finalizeTimeout)
		defer cancel()
	}

	asm := assembler.New(session.TotalSize, assembler.Config{
		DirectThreshold:    s.cfg.DirectThresholdBytes,
		BufferSize:         s.cfg.AssembleBufferBytes,
		GovernorCheckEvery: s.cfg.GovernorCheckEvery,
	}, s.gov)

	scratchPath := s.store.ScratchPath("assembled_" + sessionID + ".tmp")
	openChunk := func(index int) (io.ReadCloser, error) {
		return s.store.OpenChunk(sessionID, index)
	}

	result, err := asm.Assemble(assembleCtx, openChunk, totalChunks, scratchPath)
	if err != nil {
		return nil, s.handleAssembleFailure(ctx, sessionID, err)
	}

	// 去重检查：内容相同的未过期制品已存在时，丢弃刚合并的字节直接返回它。
	// 查找与注册之间刻意不加事务，并发上传相同内容时容忍偶发的双份存储。
	now := s.nowFn()
	existing, err := s.artifactRepo.FindByChecksumAndSize(result.Checksum, session.TotalSize, now)
	if err == nil {
		_ = os.Remove(scratchPath)
		s.cleanupAfterSuccess(ctx, sessionID)
		log.Infof("[FinalizeUpload] 命中去重索引: 会话 %s -> 制品 %s", sessionID, existing.ArtifactID)
		return &FinalizeResult{Artifact: existing, Deduplicated: true}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		_ = os.Remove(scratchPath)
		s.restoreActive(sessionID)
		log.Error("[FinalizeUpload] 去重查询失败", err)
		return nil, err
	}

	artifactID := newArtifactID(result.Checksum)
	relPath, err := s.store.CommitArtifact(scratchPath, artifactID)
	if err != nil {
		_ = os.Remove(scratchPath)
		s.restoreActive(sessionID)
		log.Error("[FinalizeUpload] 提交制品文件失败", err)
		return nil, err
	}

	deleteToken := token.GenerateRandomString(16)
	tokenHash, err := bcrypt.GenerateFromPassword([]byte(deleteToken), bcrypt.DefaultCost)
	if err != nil {
		_ = s.store.RemoveArtifact(relPath)
		s.restoreActive(sessionID)
		return nil, err
	}

	artifact := &model.StoredArtifact{
		ArtifactID:      artifactID,
		OriginalName:    session.OriginalName,
		MimeType:        detectMimeType(session.OriginalName),
		SizeBytes:       result.BytesWritten,
		Checksum:        result.Checksum,
		StoragePath:     relPath,
		DeleteTokenHash: string(tokenHash),
		ExpiresAt:       retentionExpiry(now, retention),
	}
	if err := s.artifactRepo.Create(artifact); err != nil {
		_ = s.store.RemoveArtifact(relPath)
		s.restoreActive(sessionID)
		log.Error("[FinalizeUpload] 注册制品记录失败", err)
		return nil, err
	}

	s.publishArtifactTask(artifact)
	s.cleanupAfterSuccess(ctx, sessionID)

	log.Infof("[FinalizeUpload] 合并完成: 会话 %s -> 制品 %s, %d 字节, checksum %s",
		sessionID, artifactID, result.BytesWritten, result.Checksum)
	return &FinalizeResult{Artifact: artifact, DeleteToken: deleteToken}, nil
}

// handleAssembleFailure 为每条失败路径配对一个明确的清理或保留决定。
// 资源超限和字节数校验失败保留会话与分片，负载回落后可以直接重试合并；
// 分片缺失说明暂存区已经损坏，重试无望，连会话一起清掉。
func (s *uploadService) handleAssembleFailure(ctx context.Context, sessionID string, err error) error {
	var missingErr *assembler.MissingChunkError
	if errors.As(err, &missingErr) {
		log.Errorf("[FinalizeUpload] 分片缺失，暂存区不可用: 会话 %s, 分片 %d", sessionID, missingErr.Index)
		if cleanupErr := s.CleanupSession(ctx, sessionID); cleanupErr != nil {
			log.Error("[FinalizeUpload] 清理损坏会话失败", cleanupErr)
		}
		return err
	}

	s.restoreActive(sessionID)
	log.Errorf("[FinalizeUpload] 合并失败（分片保留，可重试）: 会话 %s, error: %v", sessionID, err)
	return err
}

// restoreActive 把会话状态从 processing 拨回 active，让下一次合并可以进行。
func (s *uploadService) restoreActive(sessionID string) {
	if err := s.sessionRepo.UpdateStatus(sessionID, model.SessionStatusActive); err != nil {
		log.Warnf("[FinalizeUpload] 恢复会话状态失败: %v", err)
	}
}

// cleanupAfterSuccess 在合并成功或去重命中后移除会话的全部痕迹。
func (s *uploadService) cleanupAfterSuccess(ctx context.Context, sessionID string) {
	if err := s.CleanupSession(ctx, sessionID); err != nil {
		log.Warnf("[FinalizeUpload] 合并后清理会话失败: 会话 %s, error: %v", sessionID, err)
	}
}

// publishArtifactTask 投递制品后处理任务。投递失败只记日志，不影响上传结果。
func (s *uploadService) publishArtifactTask(artifact *model.StoredArtifact) {
	if s.publish == nil {
		return
	}
	task := tasks.ArtifactStoredTask{
		ArtifactID:   artifact.ArtifactID,
		StoragePath:  artifact.StoragePath,
		OriginalName: artifact.OriginalName,
		MimeType:     artifact.MimeType,
		SizeBytes:    artifact.SizeBytes,
		Checksum:     artifact.Checksum,
	}
	if err := s.publish(task); err != nil {
		log.Errorf("[FinalizeUpload] 发送制品任务到 Kafka 失败: %v", err)
	}
}

// GetSessionStatus 返回会话的进度快照。
func (s *uploadService) GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	session, err := s.loadLiveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	totalChunks := session.TotalChunks()
	received, err := s.sessionRepo.GetReceivedChunks(ctx, sessionID, totalChunks)
	if err != nil {
		return nil, err
	}
	return &SessionStatus{
		SessionID:    session.SessionID,
		OriginalName: session.OriginalName,
		TotalSize:    session.TotalSize,
		ChunkSize:    session.ChunkSize,
		Received:     received,
		TotalChunks:  totalChunks,
		Progress:     calculateProgress(len(received), totalChunks),
		IsComplete:   len(received) == totalChunks,
		ExpiresAt:    session.ExpiresAt,
	}, nil
}

// CleanupSession 删除会话的分片目录、Redis 标记和数据库记录。
// 对已清理过的会话再次调用是无害的空操作。
func (s *uploadService) CleanupSession(ctx context.Context, sessionID string) error {
	var firstErr error
	if err := s.store.RemoveSessionChunks(sessionID); err != nil {
		log.Warnf("[CleanupSession] 删除分片目录失败: 会话 %s, error: %v", sessionID, err)
		firstErr = err
	}
	if err := s.sessionRepo.DeleteChunkMarks(ctx, sessionID); err != nil {
		log.Warnf("[CleanupSession] 删除 Redis 分片标记失败: 会话 %s, error: %v", sessionID, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := s.sessionRepo.Delete(sessionID); err != nil {
		log.Warnf("[CleanupSession] 删除会话记录失败: 会话 %s, error: %v", sessionID, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CleanupExpiredSessions 清理所有已过期的会话，返回处理的数量。
func (s *uploadService) CleanupExpiredSessions(ctx context.Context) (int, error) {
	sessions, err := s.sessionRepo.ListExpired(s.nowFn())
	if err != nil {
		return 0, err
	}
	count := 0
	for _, session := range sessions {
		if err := s.CleanupSession(ctx, session.SessionID); err != nil {
			log.Warnf("[CleanupExpiredSessions] 清理会话失败: %s, error: %v", session.SessionID, err)
			continue
		}
		count++
	}
	if count > 0 {
		log.Infof("[CleanupExpiredSessions] 已清理 %d 个过期会话", count)
	}
	return count, nil
}

// GetSessionStats 返回会话数量统计。
func (s *uploadService) GetSessionStats(ctx context.Context) (*SessionStats, error) {
	active, expired, err := s.sessionRepo.CountByExpiry(s.nowFn())
	if err != nil {
		return nil, err
	}
	return &SessionStats{Active: active, Expired: expired, Total: active + expired}, nil
}

// GetServerLoadMetrics 返回当前负载快照与建议分片大小。
func (s *uploadService) GetServerLoadMetrics(ctx context.Context) (*LoadMetrics, error) {
	active, _, err := s.sessionRepo.CountByExpiry(s.nowFn())
	if err != nil {
		return nil, err
	}
	memHigh := s.gov.IsMemoryHigh()
	diskHigh := s.gov.IsDiskHigh()
	return &LoadMetrics{
		ActiveSessions:       active,
		MemoryPercent:        s.gov.MemoryUsageRatio() * 100,
		DiskPercent:          s.gov.DiskUsageRatio() * 100,
		LoadScore:            s.gov.LoadScore(int(active)),
		RecommendedChunkSize: s.gov.RecommendedChunkSize(int(active)),
		CanAcceptUploads:     !memHigh && !diskHigh,
	}, nil
}

// loadLiveSession 加载会话并处理过期：对过期会话先清理再失败，
// 把它确定性地送入终态而不是留在暧昧状态。
func (s *uploadService) loadLiveSession(ctx context.Context, sessionID string) (*model.UploadSession, error) {
	session, err := s.sessionRepo.GetBySessionID(sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if session.IsExpired(s.nowFn()) {
		log.Infof("[loadLiveSession] 会话已过期，触发清理: %s", sessionID)
		if err := s.CleanupSession(ctx, sessionID); err != nil {
			log.Warnf("[loadLiveSession] 清理过期会话失败: %s, error: %v", sessionID, err)
		}
		return nil, ErrSessionExpired
	}
	return session, nil
}

// buildReceipt 由已接收分片列表构造进度快照。
func buildReceipt(received []int, totalChunks int) *ChunkReceipt {
	missing := missingChunks(received, totalChunks)
	next := -1
	if len(missing) > 0 {
		next = missing[0]
	}
	return &ChunkReceipt{
		Received:       received,
		TotalChunks:    totalChunks,
		Progress:       calculateProgress(len(received), totalChunks),
		IsComplete:     len(missing) == 0,
		NextChunkIndex: next,
		MissingChunks:  missing,
	}
}

// calculateProgress 计算上传进度百分比。
func calculateProgress(receivedCount, totalChunks int) float64 {
	if totalChunks == 0 {
		return 0.0
	}
	return (float64(receivedCount) / float64(totalChunks)) * 100
}

// newArtifactID 生成 64 位十六进制制品 ID，混入内容校验和与随机熵。
func newArtifactID(checksum string) string {
	sum := sha256.Sum256([]byte(checksum + ":" + token.GenerateRandomString(16) + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)))
	return fmt.Sprintf("%x", sum)
}

// detectMimeType 根据文件名后缀推断 MIME 类型。
func detectMimeType(fileName string) string {
	if t := mime.TypeByExtension(filepath.Ext(fileName)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// retentionExpiry 把保留时长换算为过期时间戳，0 表示永久保留。
func retentionExpiry(now time.Time, retention time.Duration) *time.Time {
	if retention <= 0 {
		return nil
	}
	t := now.Add(retention)
	return &t
}
