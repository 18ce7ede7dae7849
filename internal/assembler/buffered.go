package assembler

import (
	"bufio"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"fileflow-go/internal/governor"
)

// bufferedAssembler 把分片经缓冲顺序写入暂存文件，写完后再读一遍计算校验和。
// 只用于小于直写阈值的文件，二次读取的开销可以接受。
type bufferedAssembler struct {
	totalSize int64
	cfg       Config
	gov       governor.Governor
}

func (a *bufferedAssembler) Assemble(ctx context.Context, open ChunkOpener, totalChunks int, destPath string) (*Result, error) {
	f, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("创建合并输出文件失败: %w", err)
	}

	bufSize := a.cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 1 << 20
	}
	w := bufio.NewWriterSize(f, bufSize)

	written, copyErr := copyChunks(ctx, w, open, totalChunks, a.gov, a.cfg.GovernorCheckEvery)
	if copyErr == nil {
		copyErr = w.Flush()
	}
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

	checksum, err := checksumFile(destPath)
	if err != nil {
		discardPartial(destPath)
		return nil, fmt.Errorf("计算合并产物校验和失败: %w", err)
	}

	return &Result{BytesWritten: written, Checksum: checksum}, nil
}

// checksumFile 单遍读取文件并返回其 SHA-256 十六进制值。
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hexSum(h), nil
}
