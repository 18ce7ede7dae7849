package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"fileflow-go/internal/model"

	"gorm.io/gorm"
)

// fakeSessionRepo 是 SessionRepository 的内存实现，MySQL 行与 Redis 位图
// 都用 map 模拟，行为（幂等删除、记录不存在的错误等）与真实实现对齐。
type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.UploadSession
	chunks   map[string]map[int]bool
	locks    map[string]bool
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions: make(map[string]*model.UploadSession),
		chunks:   make(map[string]map[int]bool),
		locks:    make(map[string]bool),
	}
}

func (f *fakeSessionRepo) Create(session *model.UploadSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *session
	f.sessions[session.SessionID] = &cp
	return nil
}

func (f *fakeSessionRepo) GetBySessionID(sessionID string) (*model.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionRepo) UpdateStatus(sessionID string, status int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.Status = status
	}
	return nil
}

func (f *fakeSessionRepo) ExtendExpiry(sessionID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok && s.ExpiresAt.Before(expiresAt) {
		s.ExpiresAt = expiresAt
	}
	return nil
}

func (f *fakeSessionRepo) Delete(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeSessionRepo) ListExpired(now time.Time) ([]model.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.UploadSession
	for _, s := range f.sessions {
		if s.ExpiresAt.Before(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) CountByExpiry(now time.Time) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active, expired int64
	for _, s := range f.sessions {
		if s.ExpiresAt.Before(now) {
			expired++
		} else {
			active++
		}
	}
	return active, expired, nil
}

func (f *fakeSessionRepo) IsChunkReceived(ctx context.Context, sessionID string, chunkIndex int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks[sessionID][chunkIndex], nil
}

func (f *fakeSessionRepo) MarkChunkReceived(ctx context.Context, sessionID string, chunkIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunks[sessionID] == nil {
		f.chunks[sessionID] = make(map[int]bool)
	}
	f.chunks[sessionID][chunkIndex] = true
	return nil
}

func (f *fakeSessionRepo) GetReceivedChunks(ctx context.Context, sessionID string, totalChunks int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	received := make([]int, 0)
	for idx := range f.chunks[sessionID] {
		if idx < totalChunks {
			received = append(received, idx)
		}
	}
	sort.Ints(received)
	return received, nil
}

func (f *fakeSessionRepo) DeleteChunkMarks(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chunks, sessionID)
	return nil
}

func (f *fakeSessionRepo) AcquireFinalizeLock(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[sessionID] {
		return false, nil
	}
	f.locks[sessionID] = true
	return true, nil
}

func (f *fakeSessionRepo) ReleaseFinalizeLock(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, sessionID)
	return nil
}

// fakeArtifactRepo 是 ArtifactRepository 的内存实现。
type fakeArtifactRepo struct {
	mu        sync.Mutex
	artifacts map[string]*model.StoredArtifact
}

func newFakeArtifactRepo() *fakeArtifactRepo {
	return &fakeArtifactRepo{artifacts: make(map[string]*model.StoredArtifact)}
}

func (f *fakeArtifactRepo) Create(artifact *model.StoredArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *artifact
	f.artifacts[artifact.ArtifactID] = &cp
	return nil
}

func (f *fakeArtifactRepo) GetByArtifactID(artifactID string) (*model.StoredArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.artifacts[artifactID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeArtifactRepo) FindByChecksumAndSize(checksum string, sizeBytes int64, now time.Time) (*model.StoredArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.artifacts {
		if a.Checksum == checksum && a.SizeBytes == sizeBytes && !a.IsExpired(now) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeArtifactRepo) UpdateMirrorPath(artifactID, mirrorPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.artifacts[artifactID]; ok {
		a.MirrorPath = mirrorPath
	}
	return nil
}

func (f *fakeArtifactRepo) Delete(artifactID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.artifacts, artifactID)
	return nil
}

func (f *fakeArtifactRepo) ListExpired(now time.Time) ([]model.StoredArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.StoredArtifact
	for _, a := range f.artifacts {
		if a.IsExpired(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeArtifactRepo) Count() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.artifacts)), nil
}
