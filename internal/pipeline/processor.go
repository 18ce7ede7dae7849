package pipeline

import (
	"context"

	"fileflow-go/internal/repository"
	"fileflow-go/pkg/log"
	"fileflow-go/pkg/storage"
	"fileflow-go/pkg/tasks"
)

// ArtifactPathResolver 把制品相对路径解析为磁盘绝对路径。
type ArtifactPathResolver interface {
	ArtifactAbsPath(relPath string) string
}

// MirrorProcessor 消费制品落盘任务，把制品字节异步镜像到对象存储。
type MirrorProcessor struct {
	artifactRepo repository.ArtifactRepository
	resolver     ArtifactPathResolver
}

// NewMirrorProcessor 创建一个新的 MirrorProcessor 实例。
func NewMirrorProcessor(artifactRepo repository.ArtifactRepository, resolver ArtifactPathResolver) *MirrorProcessor {
	return &MirrorProcessor{artifactRepo: artifactRepo, resolver: resolver}
}

// Process 处理单条镜像任务。镜像未启用时直接成功返回，消息被消费掉。
func (p *MirrorProcessor) Process(ctx context.Context, task tasks.ArtifactStoredTask) error {
	if !storage.MirrorEnabled() {
		return nil
	}

	absPath := p.resolver.ArtifactAbsPath(task.StoragePath)
	if err := storage.MirrorArtifact(ctx, task.StoragePath, absPath, task.MimeType); err != nil {
		log.Errorf("[MirrorProcessor] 上传制品镜像失败: %s, error: %v", task.ArtifactID, err)
		return err
	}

	if err := p.artifactRepo.UpdateMirrorPath(task.ArtifactID, task.StoragePath); err != nil {
		log.Errorf("[MirrorProcessor] 更新制品镜像路径失败: %s, error: %v", task.ArtifactID, err)
		return err
	}

	log.Infof("[MirrorProcessor] 制品已镜像到对象存储: %s (%d 字节)", task.ArtifactID, task.SizeBytes)
	return nil
}
