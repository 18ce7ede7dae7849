// Package assembler 将一个完整会话的分片按索引顺序重建为单一制品文件。
//
// 两种策略实现同一个接口，由工厂函数按文件总大小选择：
//   - buffered：经由 1MB 缓冲顺序写入暂存文件，之后单独一遍读取计算校验和
//     （只用于小文件，二次读取成本可接受）；
//   - direct：直接流式写入最终目标路径，边写边增量计算校验和，避免多余拷贝。
//
// 合并一旦失败不可续传：半成品文件会被删除，分片保留在暂存区供下次重试。
package assembler

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"fileflow-go/internal/governor"
)

// ErrResourceExceeded 表示合并因内存压力越过高水位线而中止。
// 与其冒着流中 OOM 的风险继续，不如尽早失败。
var ErrResourceExceeded = errors.New("assembler: memory pressure too high, assembly aborted")

// MissingChunkError 表示按索引读取分片时发现分片缺失。
// 完整性检查之后仍可能出现（磁盘损坏）。
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("assembler: chunk %d missing from store", e.Index)
}

// SizeVerificationError 表示合并产物的字节数与声明的总大小不符。
type SizeVerificationError struct {
	Written  int64
	Expected int64
}

func (e *SizeVerificationError) Error() string {
	return fmt.Sprintf("assembler: wrote %d bytes, expected %d", e.Written, e.Expected)
}

// ChunkOpener 按索引打开一个分片进行读取。分片不存在时返回 os.ErrNotExist。
type ChunkOpener func(index int) (io.ReadCloser, error)

// Result 描述一次成功合并的产出。
type Result struct {
	BytesWritten int64
	Checksum     string // 完整字节流的 SHA-256，十六进制
}

// Assembler 把 totalChunks 个分片合并到 destPath。
// 失败时 destPath 一定不存在——半成品制品绝不能被发现。
type Assembler interface {
	Assemble(ctx context.Context, open ChunkOpener, totalChunks int, destPath string) (*Result, error)
}

// Config 是合并策略的参数集合。
type Config struct {
	// DirectThreshold 及以上的文件使用直写策略。
	DirectThreshold int64
	// BufferSize 是缓冲策略的 I/O 缓冲大小。
	BufferSize int
	// GovernorCheckEvery 指每处理多少个分片咨询一次资源监控。
	GovernorCheckEvery int
}

// New 按文件总大小选择合并策略。
func New(totalSize int64, cfg Config, gov governor.Governor) Assembler {
	if totalSize >= cfg.DirectThreshold {
		return &directAssembler{totalSize: totalSize, cfg: cfg, gov: gov}
	}
	return &bufferedAssembler{totalSize: totalSize, cfg: cfg, gov: gov}
}

// copyChunks 按索引顺序把所有分片写入 w，每隔 checkEvery 个分片咨询一次资源监控。
// 返回写入的总字节数。两种策略共用这段循环。
func copyChunks(ctx context.Context, w io.Writer, open ChunkOpener, totalChunks int, gov governor.Governor, checkEvery int) (int64, error) {
	var written int64
	for i := 0; i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		rc, err := open(i)
		if err != nil {
			if os.IsNotExist(err) {
				return written, &MissingChunkError{Index: i}
			}
			return written, fmt.Errorf("打开分片 %d 失败: %w", i, err)
		}
		n, err := io.Copy(w, rc)
		closeErr := rc.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			return written, fmt.Errorf("读取分片 %d 失败: %w", i, err)
		}
		written += n

		if checkEvery > 0 && (i+1)%checkEvery == 0 && gov.IsMemoryHigh() {
			return written, ErrResourceExceeded
		}
	}
	return written, nil
}

// hexSum 返回哈希当前状态的十六进制表示。
func hexSum(h hash.Hash) string {
	return fmt.Sprintf("%x", h.Sum(nil))
}

// discardPartial 删除失败合并留下的半成品文件。
func discardPartial(path string) {
	_ = os.Remove(path)
}
