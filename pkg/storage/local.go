// Package storage 提供本地磁盘存储与 MinIO 对象存储镜像的访问能力。
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore 管理本地磁盘上的分片暂存区、装配暂存区和制品存储区。
// 目录结构：
//
//	<base>/chunks/<sessionId>/chunk_<index>   在途分片
//	<base>/scratch/                           合并过程中的中间文件
//	<base>/artifacts/<p1>/<p2>/<artifactId>   最终制品（两级前缀限制目录扇出）
type LocalStore struct {
	baseDir string
}

// NewLocalStore 创建本地存储并确保各子目录存在。
func NewLocalStore(baseDir string) (*LocalStore, error) {
	for _, sub := range []string{"chunks", "scratch", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("创建存储目录失败: %w", err)
		}
	}
	return &LocalStore{baseDir: baseDir}, nil
}

// BaseDir 返回存储根目录。
func (s *LocalStore) BaseDir() string {
	return s.baseDir
}

func (s *LocalStore) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, "chunks", sessionID)
}

func (s *LocalStore) chunkPath(sessionID string, index int) string {
	return filepath.Join(s.sessionDir(sessionID), fmt.Sprintf("chunk_%06d", index))
}

// WriteChunk 将分片字节写入暂存区，返回写入的字节数。
// 写入失败时移除半成品文件，避免留下看似有效的分片。
func (s *LocalStore) WriteChunk(sessionID string, index int, r io.Reader) (int64, error) {
	if err := os.MkdirAll(s.sessionDir(sessionID), 0o755); err != nil {
		return 0, fmt.Errorf("创建会话分片目录失败: %w", err)
	}
	path := s.chunkPath(sessionID, index)
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("创建分片文件失败: %w", err)
	}
	n, err := io.Copy(f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("写入分片 %d 失败: %w", index, err)
	}
	return n, nil
}

// OpenChunk 按索引打开分片进行读取。分片缺失时返回 os.ErrNotExist。
func (s *LocalStore) OpenChunk(sessionID string, index int) (io.ReadCloser, error) {
	return os.Open(s.chunkPath(sessionID, index))
}

// ChunkExists 检查某个分片是否已落盘。
func (s *LocalStore) ChunkExists(sessionID string, index int) bool {
	_, err := os.Stat(s.chunkPath(sessionID, index))
	return err == nil
}

// ChunkSize 返回分片的字节数。
func (s *LocalStore) ChunkSize(sessionID string, index int) (int64, error) {
	info, err := os.Stat(s.chunkPath(sessionID, index))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// RemoveSessionChunks 删除整个会话的分片目录。目录不存在时视为成功（幂等）。
func (s *LocalStore) RemoveSessionChunks(sessionID string) error {
	return os.RemoveAll(s.sessionDir(sessionID))
}

// ScratchPath 返回合并中间文件的路径。
func (s *LocalStore) ScratchPath(name string) string {
	return filepath.Join(s.baseDir, "scratch", name)
}

// ArtifactRelPath 根据制品 ID 推导存储相对路径，使用两级两字符前缀限制目录扇出。
func ArtifactRelPath(artifactID string) string {
	return filepath.Join(artifactID[:2], artifactID[2:4], artifactID)
}

// ArtifactAbsPath 将制品相对路径转换为磁盘绝对路径。
func (s *LocalStore) ArtifactAbsPath(relPath string) string {
	return filepath.Join(s.baseDir, "artifacts", relPath)
}

// PrepareArtifactPath 为直写合并策略准备目标路径：创建父目录并返回绝对路径。
func (s *LocalStore) PrepareArtifactPath(artifactID string) (string, error) {
	abs := s.ArtifactAbsPath(ArtifactRelPath(artifactID))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("创建制品目录失败: %w", err)
	}
	return abs, nil
}

// CommitArtifact 将暂存文件原子地移动到制品存储区，返回相对路径。
func (s *LocalStore) CommitArtifact(scratchPath, artifactID string) (string, error) {
	abs, err := s.PrepareArtifactPath(artifactID)
	if err != nil {
		return "", err
	}
	if err := os.Rename(scratchPath, abs); err != nil {
		return "", fmt.Errorf("提交制品失败: %w", err)
	}
	return ArtifactRelPath(artifactID), nil
}

// RemoveArtifact 删除一个制品文件。文件不存在时视为成功。
func (s *LocalStore) RemoveArtifact(relPath string) error {
	err := os.Remove(s.ArtifactAbsPath(relPath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
