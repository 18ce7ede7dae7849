// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// ArtifactStoredTask 表示一个新落盘制品的后处理任务（对象存储镜像等）。
type ArtifactStoredTask struct {
	ArtifactID   string `json:"artifact_id"`
	StoragePath  string `json:"storage_path"`
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type"`
	SizeBytes    int64  `json:"size_bytes"`
	Checksum     string `json:"checksum"`
}
