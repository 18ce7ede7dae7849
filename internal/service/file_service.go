package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"fileflow-go/internal/model"
	"fileflow-go/internal/repository"
	"fileflow-go/pkg/log"
	"fileflow-go/pkg/storage"
	"fileflow-go/pkg/token"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ArtifactStore 是单次上传与下载路径解析依赖的存储能力。
type ArtifactStore interface {
	ScratchPath(name string) string
	CommitArtifact(scratchPath, artifactID string) (string, error)
	ArtifactAbsPath(relPath string) string
	RemoveArtifact(relPath string) error
}

// StoreResult 是单次上传的产出。
type StoreResult struct {
	Artifact     *model.StoredArtifact
	DeleteToken  string
	Deduplicated bool
}

// DownloadTarget 指出制品字节该从哪里取：镜像命中时给预签名 URL，否则给本地绝对路径。
type DownloadTarget struct {
	Artifact  *model.StoredArtifact
	LocalPath string
	MirrorURL string
}

// FileService 接口定义了单次（非分片）文件操作。
type FileService interface {
	StoreFile(ctx context.Context, originalName string, size int64, r io.Reader, retention time.Duration) (*StoreResult, error)
	GetArtifact(ctx context.Context, artifactID string) (*model.StoredArtifact, error)
	IssueDownloadToken(ctx context.Context, artifactID string) (string, error)
	ResolveDownload(ctx context.Context, downloadToken string) (*DownloadTarget, error)
	DeleteArtifact(ctx context.Context, artifactID, deleteToken string) error
	CleanupExpiredArtifacts(ctx context.Context) (int, error)
}

type fileService struct {
	artifactRepo  repository.ArtifactRepository
	store         ArtifactStore
	tokenMgr      *token.DownloadTokenManager
	inMemoryLimit int64
	mirrorTTL     time.Duration
	nowFn         func() time.Time
}

// NewFileService 创建一个新的 FileService 实例。
func NewFileService(artifactRepo repository.ArtifactRepository, store ArtifactStore, tokenMgr *token.DownloadTokenManager, inMemoryLimit int64) FileService {
	return &fileService{
		artifactRepo:  artifactRepo,
		store:         store,
		tokenMgr:      tokenMgr,
		inMemoryLimit: inMemoryLimit,
		mirrorTTL:     15 * time.Minute,
		nowFn:         time.Now,
	}
}

// StoreFile 存储一个单次上传的小文件。
// 小于内存阈值的文件先在内存里算校验和，命中去重索引时一个字节都不落盘；
// 大文件边写暂存文件边算校验和，命中时丢弃暂存文件。
func (s *fileService) StoreFile(ctx context.Context, originalName string, size int64, r io.Reader, retention time.Duration) (*StoreResult, error) {
	if size <= 0 {
		return nil, &InvalidArgumentError{Msg: fmt.Sprintf("文件大小必须为正数, 收到 %d", size)}
	}

	now := s.nowFn()
	if size <= s.inMemoryLimit {
		data, err := io.ReadAll(io.LimitReader(r, size+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != size {
			return nil, &InvalidArgumentError{Msg: fmt.Sprintf("读取 %d 字节, 声明 %d", len(data), size)}
		}
		checksum := fmt.Sprintf("%x", sha256.Sum256(data))

		existing, err := s.artifactRepo.FindByChecksumAndSize(checksum, size, now)
		if err == nil {
			log.Infof("[StoreFile] 命中去重索引（零写入）: %s -> 制品 %s", originalName, existing.ArtifactID)
			return &StoreResult{Artifact: existing, Deduplicated: true}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return s.registerNewArtifact(originalName, size, checksum, bytes.NewReader(data), now, retention)
	}

	// 大文件：流式写暂存文件，io.TeeReader 顺路喂给哈希。
	scratchPath := s.store.ScratchPath("direct_" + token.GenerateRandomString(12) + ".tmp")
	f, err := os.Create(scratchPath)
	if err != nil {
		return nil, err
	}
	hasher := sha256.New()
	written, err := io.Copy(f, io.TeeReader(io.LimitReader(r, size), hasher))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(scratchPath)
		return nil, err
	}
	if written != size {
		_ = os.Remove(scratchPath)
		return nil, &InvalidArgumentError{Msg: fmt.Sprintf("读取 %d 字节, 声明 %d", written, size)}
	}
	checksum := fmt.Sprintf("%x", hasher.Sum(nil))

	existing, err := s.artifactRepo.FindByChecksumAndSize(checksum, size, now)
	if err == nil {
		_ = os.Remove(scratchPath)
		log.Infof("[StoreFile] 命中去重索引: %s -> 制品 %s", originalName, existing.ArtifactID)
		return &StoreResult{Artifact: existing, Deduplicated: true}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		_ = os.Remove(scratchPath)
		return nil, err
	}
	return s.commitScratch(originalName, size, checksum, scratchPath, now, retention)
}

// registerNewArtifact 把内存中的小文件写入暂存区后提交。
func (s *fileService) registerNewArtifact(originalName string, size int64, checksum string, r io.Reader, now time.Time, retention time.Duration) (*StoreResult, error) {
	scratchPath := s.store.ScratchPath("direct_" + token.GenerateRandomString(12) + ".tmp")
	f, err := os.Create(scratchPath)
	if err != nil {
		return nil, err
	}
	_, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(scratchPath)
		return nil, err
	}
	return s.commitScratch(originalName, size, checksum, scratchPath, now, retention)
}

// commitScratch 把暂存文件提交为制品并注册记录。
func (s *fileService) commitScratch(originalName string, size int64, checksum, scratchPath string, now time.Time, retention time.Duration) (*StoreResult, error) {
	artifactID := newArtifactID(checksum)
	relPath, err := s.store.CommitArtifact(scratchPath, artifactID)
	if err != nil {
		_ = os.Remove(scratchPath)
		return nil, err
	}

	deleteToken := token.GenerateRandomString(16)
	tokenHash, err := bcrypt.GenerateFromPassword([]byte(deleteToken), bcrypt.DefaultCost)
	if err != nil {
		_ = s.store.RemoveArtifact(relPath)
		return nil, err
	}

	artifact := &model.StoredArtifact{
		ArtifactID:      artifactID,
		OriginalName:    originalName,
		MimeType:        detectMimeType(originalName),
		SizeBytes:       size,
		Checksum:        checksum,
		StoragePath:     relPath,
		DeleteTokenHash: string(tokenHash),
		ExpiresAt:       retentionExpiry(now, retention),
	}
	if err := s.artifactRepo.Create(artifact); err != nil {
		_ = s.store.RemoveArtifact(relPath)
		log.Error("[StoreFile] 注册制品记录失败", err)
		return nil, err
	}

	log.Infof("[StoreFile] 文件存储成功: %s -> 制品 %s, %d 字节", originalName, artifactID, size)
	return &StoreResult{Artifact: artifact, DeleteToken: deleteToken}, nil
}

// GetArtifact 返回一个未过期制品的元数据。
func (s *fileService) GetArtifact(ctx context.Context, artifactID string) (*model.StoredArtifact, error) {
	artifact, err := s.artifactRepo.GetByArtifactID(artifactID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	if artifact.IsExpired(s.nowFn()) {
		return nil, ErrArtifactNotFound
	}
	return artifact, nil
}

// IssueDownloadToken 为制品签发一个限时下载令牌。
func (s *fileService) IssueDownloadToken(ctx context.Context, artifactID string) (string, error) {
	if _, err := s.GetArtifact(ctx, artifactID); err != nil {
		return "", err
	}
	return s.tokenMgr.GenerateToken(artifactID)
}

// ResolveDownload 校验下载令牌并解析字节来源。
// 制品已镜像到对象存储时返回预签名 URL，否则返回本地绝对路径。
func (s *fileService) ResolveDownload(ctx context.Context, downloadToken string) (*DownloadTarget, error) {
	artifactID, err := s.tokenMgr.VerifyToken(downloadToken)
	if err != nil {
		return nil, err
	}
	artifact, err := s.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}

	target := &DownloadTarget{Artifact: artifact}
	if artifact.MirrorPath != "" && storage.MirrorEnabled() {
		url, err := storage.GetPresignedURL(ctx, artifact.MirrorPath, s.mirrorTTL)
		if err == nil {
			target.MirrorURL = url
			return target, nil
		}
		log.Warnf("[ResolveDownload] 生成预签名 URL 失败，回退本地文件: 制品 %s, error: %v", artifactID, err)
	}
	target.LocalPath = s.store.ArtifactAbsPath(artifact.StoragePath)
	return target, nil
}

// DeleteArtifact 校验删除令牌后移除制品的磁盘文件、镜像对象与数据库记录。
func (s *fileService) DeleteArtifact(ctx context.Context, artifactID, deleteToken string) error {
	artifact, err := s.artifactRepo.GetByArtifactID(artifactID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrArtifactNotFound
		}
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(artifact.DeleteTokenHash), []byte(deleteToken)); err != nil {
		return ErrInvalidDeleteToken
	}

	return s.removeArtifact(ctx, artifact)
}

// CleanupExpiredArtifacts 清理所有已过期制品，返回处理的数量。
func (s *fileService) CleanupExpiredArtifacts(ctx context.Context) (int, error) {
	artifacts, err := s.artifactRepo.ListExpired(s.nowFn())
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range artifacts {
		artifact := &artifacts[i]
		if err := s.removeArtifact(ctx, artifact); err != nil {
			log.Warnf("[CleanupExpiredArtifacts] 清理制品失败: %s, error: %v", artifact.ArtifactID, err)
			continue
		}
		count++
	}
	if count > 0 {
		log.Infof("[CleanupExpiredArtifacts] 已清理 %d 个过期制品", count)
	}
	return count, nil
}

func (s *fileService) removeArtifact(ctx context.Context, artifact *model.StoredArtifact) error {
	if err := s.store.RemoveArtifact(artifact.StoragePath); err != nil {
		log.Warnf("[removeArtifact] 删除制品文件失败: %s, error: %v", artifact.ArtifactID, err)
	}
	if artifact.MirrorPath != "" && storage.MirrorEnabled() {
		if err := storage.RemoveMirroredArtifact(ctx, artifact.MirrorPath); err != nil {
			log.Warnf("[removeArtifact] 删除镜像对象失败: %s, error: %v", artifact.ArtifactID, err)
		}
	}
	if err := s.artifactRepo.Delete(artifact.ArtifactID); err != nil {
		log.Error("[removeArtifact] 删除制品记录失败", err)
		return err
	}
	log.Infof("[removeArtifact] 制品已删除: %s", artifact.ArtifactID)
	return nil
}
