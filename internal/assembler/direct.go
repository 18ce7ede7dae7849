package assembler

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"fileflow-go/internal/governor"
)

// directAssembler 把分片直接流式写入最终目标路径，边写边增量计算校验和。
// 大文件用它避免"先拼暂存文件再拷贝"的多余一遍 I/O，也省掉二次读取。
type directAssembler struct {
	totalSize int64
	cfg       Config
	gov       governor.Governor
}

func (a *directAssembler) Assemble(ctx context.Context, open ChunkOpener, totalChunks int, destPath string) (*Result, error) {
	f, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("创建合并输出文件失败: %w", err)
	}

	h := sha256.New()
	w := io.MultiWriter(f, h)

	written, copyErr := copyChunks(ctx, w, open, totalChunks, a.gov, a.cfg.GovernorCheckEvery)
	if closeErr := f.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		discardPartial(destPath)
		return nil, copyErr
	}

	if written != a.totalSize {
		discardPartial(destPath)
		return nil, &SizeVerificationError{Written: written, Expected: a.totalSize}
	}

	return &Result{BytesWritten: written, Checksum: hexSum(h)}, nil
}
