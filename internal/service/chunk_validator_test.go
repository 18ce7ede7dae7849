package service

import (
	"errors"
	"testing"
	"time"

	"fileflow-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(totalSize, chunkSize int64) *model.UploadSession {
	return &model.UploadSession{
		SessionID:    "sess-test",
		OriginalName: "video.mp4",
		TotalSize:    totalSize,
		ChunkSize:    chunkSize,
		Status:       model.SessionStatusActive,
		ExpiresAt:    time.Now().Add(30 * time.Minute),
	}
}

func TestTotalChunksRounding(t *testing.T) {
	// 2.5MB 文件按 1MB 分片应得到 3 个分片，末片 512KB
	session := newTestSession(2621440, 1048576)
	assert.Equal(t, 3, session.TotalChunks())
	assert.Equal(t, int64(1048576), session.ExpectedChunkSize(0))
	assert.Equal(t, int64(1048576), session.ExpectedChunkSize(1))
	assert.Equal(t, int64(524288), session.ExpectedChunkSize(2))
}

func TestValidateChunkAccepts(t *testing.T) {
	session := newTestSession(2621440, 1048576)

	assert.NoError(t, ValidateChunk(session, nil, 0, 1048576))
	assert.NoError(t, ValidateChunk(session, []int{0}, 1, 1048576))
	// 末片精确大小
	assert.NoError(t, ValidateChunk(session, []int{0, 1}, 2, 524288))
	// 末片在容差范围内 (max(1024, 1%) = 5242 字节)
	assert.NoError(t, ValidateChunk(session, []int{0, 1}, 2, 524288+5242))
	assert.NoError(t, ValidateChunk(session, []int{0, 1}, 2, 524288-5242))
}

func TestValidateChunkIndexOutOfRange(t *testing.T) {
	// 1KB 文件按 1MB 分片只有 1 个分片，索引 5 越界
	session := newTestSession(1024, 1048576)

	err := ValidateChunk(session, nil, 5, 1024)
	var rejected *ChunkRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, RejectIndexOutOfRange, rejected.Reason)
	assert.Contains(t, rejected.Detail, "[0,0]")

	err = ValidateChunk(session, nil, -1, 1024)
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, RejectIndexOutOfRange, rejected.Reason)
}

func TestValidateChunkSizeMismatch(t *testing.T) {
	session := newTestSession(2621440, 1048576)

	// 非末片必须精确等于 chunkSize
	err := ValidateChunk(session, nil, 0, 1048575)
	var rejected *ChunkRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, RejectSizeMismatch, rejected.Reason)

	// 末片超出容差
	err = ValidateChunk(session, []int{0, 1}, 2, 524288+5243)
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, RejectSizeMismatch, rejected.Reason)
}

func TestValidateChunkLastChunkToleranceFloor(t *testing.T) {
	// 末片预期 100 字节，1% 不足 1024，容差取下限 1024
	session := newTestSession(1048576+100, 1048576)
	require.Equal(t, 2, session.TotalChunks())

	assert.NoError(t, ValidateChunk(session, []int{0}, 1, 100+1024))
	err := ValidateChunk(session, []int{0}, 1, 100+1025)
	var rejected *ChunkRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, RejectSizeMismatch, rejected.Reason)
}

func TestValidateChunkDuplicate(t *testing.T) {
	session := newTestSession(2621440, 1048576)

	err := ValidateChunk(session, []int{0, 1}, 1, 1048576)
	var rejected *ChunkRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, RejectDuplicateChunk, rejected.Reason)
}

func TestMissingChunks(t *testing.T) {
	assert.Equal(t, []int{1, 3}, missingChunks([]int{0, 2, 4}, 5))
	assert.Empty(t, missingChunks([]int{0, 1, 2}, 3))
	assert.Equal(t, []int{0, 1}, missingChunks(nil, 2))
}
