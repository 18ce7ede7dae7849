package storage

import (
	"context"
	"time"

	"fileflow-go/internal/config"
	"fileflow-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient 是一个全局的 MinIO 客户端实例。镜像功能未启用时保持为 nil。
var MinioClient *minio.Client

var mirrorBucket string

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	if !cfg.Enabled {
		log.Info("MinIO 镜像未启用，下载将直接由本地磁盘提供")
		return
	}

	var err error
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}

	log.Info("MinIO 客户端初始化成功")

	// 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	ctx := context.Background()
	bucketName := cfg.BucketName
	mirrorBucket = bucketName
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}

	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		if err := MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}
}

// MirrorEnabled 报告 MinIO 镜像是否可用。
func MirrorEnabled() bool {
	return MinioClient != nil
}

// MirrorArtifact 将本地制品文件上传到对象存储，对象名与本地相对路径保持一致。
func MirrorArtifact(ctx context.Context, objectName, filePath, contentType string) error {
	_, err := MinioClient.FPutObject(ctx, mirrorBucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// RemoveMirroredArtifact 删除对象存储中的制品镜像。
func RemoveMirroredArtifact(ctx context.Context, objectName string) error {
	return MinioClient.RemoveObject(ctx, mirrorBucket, objectName, minio.RemoveObjectOptions{})
}

// GetPresignedURL generates a presigned URL for a given object.
func GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	presignedURL, err := MinioClient.PresignedGetObject(ctx, mirrorBucket, objectName, expiry, nil)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", err
	}
	return presignedURL.String(), nil
}
