package service

import (
	"fmt"

	"fileflow-go/internal/model"
)

// 末分片大小容差的下限。流式传输的客户端凑不齐精确的最后一片，
// 允许 max(1024, 1%) 字节以内的偏差。
const lastChunkToleranceFloor = 1024

// ValidateChunk 对照会话元数据校验一个到达的分片，返回 nil 或 *ChunkRejectedError。
// 纯函数：不读取分片内容，也不修改任何状态。安全性校验只针对合并后的整体，
// 单个分片在这里只是不透明的字节段。
func ValidateChunk(session *model.UploadSession, receivedChunks []int, chunkIndex int, chunkByteLen int64) error {
	totalChunks := session.TotalChunks()

	if chunkIndex < 0 || chunkIndex >= totalChunks {
		return &ChunkRejectedError{
			Reason: RejectIndexOutOfRange,
			Detail: fmt.Sprintf("index %d outside valid range [0,%d]", chunkIndex, totalChunks-1),
		}
	}

	expected := session.ExpectedChunkSize(chunkIndex)
	if chunkIndex == totalChunks-1 {
		tolerance := expected / 100
		if tolerance < lastChunkToleranceFloor {
			tolerance = lastChunkToleranceFloor
		}
		diff := chunkByteLen - expected
		if diff < -tolerance || diff > tolerance {
			return &ChunkRejectedError{
				Reason: RejectSizeMismatch,
				Detail: fmt.Sprintf("last chunk is %d bytes, expected %d (±%d)", chunkByteLen, expected, tolerance),
			}
		}
	} else if chunkByteLen != expected {
		return &ChunkRejectedError{
			Reason: RejectSizeMismatch,
			Detail: fmt.Sprintf("chunk %d is %d bytes, expected exactly %d", chunkIndex, chunkByteLen, expected),
		}
	}

	for _, idx := range receivedChunks {
		if idx == chunkIndex {
			return &ChunkRejectedError{
				Reason: RejectDuplicateChunk,
				Detail: fmt.Sprintf("chunk %d already received", chunkIndex),
			}
		}
	}

	return nil
}

// missingChunks 返回 [0,totalChunks) 中未出现在 received 里的索引，升序。
func missingChunks(received []int, totalChunks int) []int {
	have := make(map[int]bool, len(received))
	for _, idx := range received {
		have[idx] = true
	}
	missing := make([]int, 0)
	for i := 0; i < totalChunks; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing
}
