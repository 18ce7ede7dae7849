// Package service 包含了应用的业务逻辑层。
package service

import (
	"errors"
	"fmt"
)

// 会话与制品操作的领域错误。HTTP 层据此映射状态码，核心逻辑用
// errors.Is / errors.As 判断，不比较错误字符串。
var (
	ErrSessionNotFound    = errors.New("upload session not found")
	ErrSessionExpired     = errors.New("upload session expired")
	ErrFinalizeInProgress = errors.New("finalize already in progress for this session")
	ErrArtifactNotFound   = errors.New("artifact not found")
	ErrInvalidDeleteToken = errors.New("invalid delete token")
	ErrStorageWrite       = errors.New("chunk storage write failed")
)

// 分片校验的拒绝原因。
const (
	RejectIndexOutOfRange = "INDEX_OUT_OF_RANGE"
	RejectSizeMismatch    = "SIZE_MISMATCH"
	RejectDuplicateChunk  = "DUPLICATE_CHUNK"
)

// InvalidArgumentError 表示客户端入参不合法（非法大小等）。
type InvalidArgumentError struct {
	Msg string
}

func (e *InvalidArgumentError) Error() string {
	return "invalid argument: " + e.Msg
}

// ChunkRejectedError 表示一个到达的分片未通过校验，分片字节未落盘。
type ChunkRejectedError struct {
	Reason string // RejectIndexOutOfRange / RejectSizeMismatch / RejectDuplicateChunk
	Detail string
}

func (e *ChunkRejectedError) Error() string {
	return fmt.Sprintf("chunk rejected (%s): %s", e.Reason, e.Detail)
}

// IncompleteError 表示会话还有分片缺失，无法合并。
type IncompleteError struct {
	Missing []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload incomplete, %d chunks missing: %v", len(e.Missing), e.Missing)
}
