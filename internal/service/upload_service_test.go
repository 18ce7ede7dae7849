package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"fileflow-go/internal/assembler"
	"fileflow-go/internal/config"
	"fileflow-go/internal/governor"
	"fileflow-go/pkg/storage"
	"fileflow-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uploadTestEnv struct {
	svc          *uploadService
	sessionRepo  *fakeSessionRepo
	artifactRepo *fakeArtifactRepo
	store        *storage.LocalStore
	memRatio     *float64
	published    *[]tasks.ArtifactStoredTask
}

func newUploadTestEnv(t *testing.T) *uploadTestEnv {
	t.Helper()

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	memRatio := 0.1
	gov := governor.NewGovernorWithProbes(
		config.ResourceConfig{MemoryHighWatermark: 0.8, DiskHighWatermark: 0.9},
		5242880,
		func() float64 { return memRatio },
		func() float64 { return 0.2 },
	)

	sessionRepo := newFakeSessionRepo()
	artifactRepo := newFakeArtifactRepo()

	published := []tasks.ArtifactStoredTask{}
	publish := func(task tasks.ArtifactStoredTask) error {
		published = append(published, task)
		return nil
	}

	cfg := config.UploadConfig{
		DefaultChunkSize:      5242880,
		SessionTimeoutMinutes: 30,
		WriteMaxAttempts:      3,
		WriteBackoffSeconds:   0,
		DirectThresholdBytes:  1 << 20, // 1MB，小于它走缓冲策略
		AssembleBufferBytes:   64 * 1024,
		GovernorCheckEvery:    1,
	}

	svc := NewUploadService(sessionRepo, artifactRepo, store, gov, cfg, time.Minute, publish).(*uploadService)
	svc.retry.Sleep = func(time.Duration) {}

	env := &uploadTestEnv{
		svc:          svc,
		sessionRepo:  sessionRepo,
		artifactRepo: artifactRepo,
		store:        store,
		memRatio:     &memRatio,
		published:    &published,
	}
	return env
}

// uploadAll 把 content 按 chunkSize 切片后依次提交。
func (e *uploadTestEnv) uploadAll(t *testing.T, sessionID string, content []byte, chunkSize int64) {
	t.Helper()
	for i := 0; int64(i)*chunkSize < int64(len(content)); i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		part := content[start:end]
		_, err := e.svc.AcceptChunk(context.Background(), sessionID, i, bytes.NewReader(part), int64(len(part)))
		require.NoError(t, err, "chunk %d", i)
	}
}

func TestInitializeSessionRejectsInvalidSizes(t *testing.T) {
	env := newUploadTestEnv(t)

	var invalidErr *InvalidArgumentError
	_, err := env.svc.InitializeSession(context.Background(), "a.bin", 0, 1024)
	require.True(t, errors.As(err, &invalidErr))
	_, err = env.svc.InitializeSession(context.Background(), "a.bin", 1024, -1)
	require.True(t, errors.As(err, &invalidErr))
}

func TestAcceptChunkProgress(t *testing.T) {
	env := newUploadTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.InitializeSession(ctx, "a.bin", 1000, 400)
	require.NoError(t, err)
	require.Equal(t, 3, session.TotalChunks())

	receipt, err := env.svc.AcceptChunk(ctx, session.SessionID, 0, bytes.NewReader(make([]byte, 400)), 400)
	require.NoError(t, err)
	assert.False(t, receipt.IsComplete)
	assert.Equal(t, 1, receipt.NextChunkIndex)
	assert.Equal(t, []int{1, 2}, receipt.MissingChunks)
	assert.InDelta(t, 33.3, receipt.Progress, 0.1)

	// 乱序：先收末片
	receipt, err = env.svc.AcceptChunk(ctx, session.SessionID, 2, bytes.NewReader(make([]byte, 200)), 200)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, receipt.MissingChunks)
	assert.Equal(t, []int{0, 2}, receipt.Received)

	receipt, err = env.svc.AcceptChunk(ctx, session.SessionID, 1, bytes.NewReader(make([]byte, 400)), 400)
	require.NoError(t, err)
	assert.True(t, receipt.IsComplete)
	assert.Equal(t, -1, receipt.NextChunkIndex)
	assert.Empty(t, receipt.MissingChunks)
	// 乱序到达后回执列表仍按索引升序
	assert.Equal(t, []int{0, 1, 2}, receipt.Received)
}

func TestAcceptChunkDuplicateRejected(t *testing.T) {
	env := newUploadTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.InitializeSession(ctx, "a.bin", 1000, 400)
	require.NoError(t, err)

	_, err = env.svc.AcceptChunk(ctx, session.SessionID, 0, bytes.NewReader(make([]byte, 400)), 400)
	require.NoError(t, err)

	_, err = env.svc.AcceptChunk(ctx, session.SessionID, 0, bytes.NewReader(make([]byte, 400)), 400)
	var rejected *ChunkRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, RejectDuplicateChunk, rejected.Reason)
}

func TestAcceptChunkUnknownSession(t *testing.T) {
	env := newUploadTestEnv(t)
	_, err := env.svc.AcceptChunk(context.Background(), "no-such-session", 0, bytes.NewReader([]byte("x")), 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExpiredSessionIsCleanedUpOnAccess(t *testing.T) {
	env := newUploadTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.InitializeSession(ctx, "a.bin", 1000, 400)
	require.NoError(t, err)
	env.uploadAllPartial(t, session.SessionID)

	// 时间拨过会话过期点
	env.svc.nowFn = func() time.Time { return time.Now().Add(31 * time.Minute) }

	_, err = env.svc.AcceptChunk(ctx, session.SessionID, 2, bytes.NewReader(make([]byte, 200)), 200)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// 清理后会话彻底消失，再次访问是 not found
	_, err = env.svc.GetSessionStatus(ctx, session.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, env.store.ChunkExists(session.SessionID, 0))
}

// uploadAllPartial 上传分片 0 和 1，留下 2。
func (e *uploadTestEnv) uploadAllPartial(t *testing.T, sessionID string) {
	t.Helper()
	for i := 0; i < 2; i++ {
		_, err := e.svc.AcceptChunk(context.Background(), sessionID, i, bytes.NewReader(make([]byte, 400)), 400)
		require.NoError(t, err)
	}
}

func TestFinalizeIncomplete(t *testing.T) {
	env := newUploadTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.InitializeSession(ctx, "a.bin", 1000, 400)
	require.NoError(t, err)
	env.uploadAllPartial(t, session.SessionID)

	_, err = env.svc.FinalizeUpload(ctx, session.SessionID, 0)
	var incomplete *IncompleteError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []int{2}, incomplete.Missing)

	// 会话仍然可用，补齐后可以合并
	_, err = env.svc.AcceptChunk(ctx, session.SessionID, 2, bytes.NewReader(make([]byte, 200)), 200)
	require.NoError(t, err)
	_, err = env.svc.FinalizeUpload(ctx, session.SessionID, 0)
	require.NoError(t, err)
}

func TestFinalizeHappyPath(t *testing.T) {
	env := newUploadTestEnv(t)
	ctx := context.Background()

	content := bytes.Repeat([]byte("fileflow"), 200) // 1600 字节
	session, err := env.svc.InitializeSession(ctx, "notes.txt", int64(len(content)), 600)
	require.NoError(t, err)
	env.uploadAll(t, session.SessionID, content, 600)

	result, err := env.svc.FinalizeUpload(ctx, session.SessionID, 0)
	require.NoError(t, err)
	require.False(t, result.Deduplicated)
	require.NotEmpty(t, result.DeleteToken)
	assert.Len(t, result.Artifact.ArtifactID, 64)
	assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256(content)), result.Artifact.Checksum)
	assert.Equal(t, int64(len(content)), result.Artifact.SizeBytes)

	// 制品字节与原文件逐字节一致
	data, err := os.ReadFile(env.store.ArtifactAbsPath(result.Artifact.StoragePath))
	require.NoError(t, err)
	assert.Equal(t, content, data)

	// 会话与分片已清理
	_, err = env.svc.GetSessionStatus(ctx, session.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, env.store.ChunkExists(session.SessionID, 0))

	// 后处理任务已投递
	require.Len(t, *env.published, 1)
	assert.Equal(t, result.Artifact.ArtifactID, (*env.published)[0].ArtifactID)
}

func TestFinalizeDeduplicates(t *testing.T) {
	env := newUploadTestEnv(t)
	ctx := context.Background()
	content := bytes.Repeat([]byte("same bytes "), 100)

	upload := func(name string) *FinalizeResult {
		session, err := env.svc.InitializeSession(ctx, name, int64(len(content)), 500)
		require.NoError(t, err)
		env.uploadAll(t, session.SessionID, content, 500)
		result, err := env.svc.FinalizeUpload(ctx, session.SessionID, 0)
		require.NoError(t, err)
		return result
	}

	first := upload("one.bin")
	second := upload("two.bin")

	assert.False(t, first.Deduplicated)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Artifact.ArtifactID, second.Artifact.ArtifactID)
	// 去重命中不重发删除令牌
	assert.Empty(t, second.DeleteToken)

	count, err := env.artifactRepo.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestFinalizeLockContention(t *testing.T) {
	env := newUploadTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.InitializeSession(ctx, "a.bin", 400, 400)
	require.NoError(t, err)

	acquired, err := env.sessionRepo.AcquireFinalizeLock(ctx, session.SessionID, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = env.svc.FinalizeUpload(ctx, session.SessionID, 0)
	assert.ErrorIs(t, err, ErrFinalizeInProgress)

	// 锁释放后合并恢复可用
	require.NoError(t, env.sessionRepo.ReleaseFinalizeLock(ctx, session.SessionID))
	_, err = env.svc.AcceptChunk(ctx, session.SessionID, 0, bytes.NewReader(make([]byte, 400)), 400)
	require.NoError(t, err)
	_, err = env.svc.FinalizeUpload(ctx, session.SessionID, 0)
	require.NoError(t, err)
}

func TestFinalizeResourcePressurePreservesSession(t *testing.T) {
	env := newUploadTestEnv(t)
	ctx := context.Background()

	content := bytes.Repeat([]byte("x"), 1200)
	session, err := env.svc.InitializeSession(ctx, "big.bin", int64(len(content)), 400)
	require.NoError(t, err)
	env.uploadAll(t, session.SessionID, content, 400)

	// 内存压力越过高水位线，合并中止
	*env.memRatio = 0.95
	_, err = env.svc.FinalizeUpload(ctx, session.SessionID, 0)
	require.ErrorIs(t, err, assembler.ErrResourceExceeded)

	// 会话与分片保留，压力回落后重试成功
	assert.True(t, env.store.ChunkExists(session.SessionID, 0))
	status, err := env.svc.GetSessionStatus(ctx, session.SessionID)
	require.NoError(t, err)
	assert.True(t, status.IsComplete)

	*env.memRatio = 0.1
	result, err := env.svc.FinalizeUpload(ctx, session.SessionID, 0)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256(content)), result.Artifact.Checksum)
}

func TestFinalizeMissingChunkOnDiskCleansUp(t *testing.T) {
	env := newUploadTestEnv(t)
	ctx := context.Background()

	content := bytes.Repeat([]byte("y"), 800)
	session, err := env.svc.InitializeSession(ctx, "gone.bin", int64(len(content)), 400)
	require.NoError(t, err)
	env.uploadAll(t, session.SessionID, content, 400)

	// Redis 标记还在，磁盘上的分片目录却没了
	require.NoError(t, env.store.RemoveSessionChunks(session.SessionID))

	_, err = env.svc.FinalizeUpload(ctx, session.SessionID, 0)
	var missingErr *assembler.MissingChunkError
	require.True(t, errors.As(err, &missingErr))

	// 会话整体被清理，客户端必须从头再来
	_, err = env.svc.GetSessionStatus(ctx, session.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFinalizeRetentionSetsExpiry(t *testing.T) {
	env := newUploadTestEnv(t)
	ctx := context.Background()

	content := []byte("short lived")
	session, err := env.svc.InitializeSession(ctx, "tmp.bin", int64(len(content)), int64(len(content)))
	require.NoError(t, err)
	env.uploadAll(t, session.SessionID, content, int64(len(content)))

	result, err := env.svc.FinalizeUpload(ctx, session.SessionID, 24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, result.Artifact.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *result.Artifact.ExpiresAt, time.Minute)
}

func TestCleanupSessionIdempotent(t *testing.T) {
	env := newUploadTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.InitializeSession(ctx, "a.bin", 400, 400)
	require.NoError(t, err)

	require.NoError(t, env.svc.CleanupSession(ctx, session.SessionID))
	require.NoError(t, env.svc.CleanupSession(ctx, session.SessionID))
}

func TestCleanupExpiredSessions(t *testing.T) {
	env := newUploadTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.svc.InitializeSession(ctx, fmt.Sprintf("f%d.bin", i), 400, 400)
		require.NoError(t, err)
	}

	stats, err := env.svc.GetSessionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Active)

	env.svc.nowFn = func() time.Time { return time.Now().Add(31 * time.Minute) }
	cleaned, err := env.svc.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cleaned)

	stats, err = env.svc.GetSessionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)
}

func TestGetServerLoadMetrics(t *testing.T) {
	env := newUploadTestEnv(t)
	ctx := context.Background()

	metrics, err := env.svc.GetServerLoadMetrics(ctx)
	require.NoError(t, err)
	assert.True(t, metrics.CanAcceptUploads)
	assert.InDelta(t, 10.0, metrics.MemoryPercent, 0.01)

	*env.memRatio = 0.95
	metrics, err = env.svc.GetServerLoadMetrics(ctx)
	require.NoError(t, err)
	assert.False(t, metrics.CanAcceptUploads)
	// 压力下的建议分片是基准的一半
	assert.Equal(t, int64(5242880/2), metrics.RecommendedChunkSize)
}
