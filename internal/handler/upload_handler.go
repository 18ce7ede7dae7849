// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"fileflow-go/internal/assembler"
	"fileflow-go/internal/config"
	"fileflow-go/internal/service"
	"fileflow-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// UploadHandler 负责处理所有与分片上传相关的 API 请求。
type UploadHandler struct {
	uploadService service.UploadService
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService) *UploadHandler {
	return &UploadHandler{uploadService: uploadService}
}

// InitUploadRequest 定义了初始化上传会话 API 的请求体结构。
type InitUploadRequest struct {
	FileName  string `json:"fileName" binding:"required"`
	TotalSize int64  `json:"totalSize" binding:"required"`
	ChunkSize int64  `json:"chunkSize"`
}

// InitUpload 处理初始化上传会话的请求。
func (h *UploadHandler) InitUpload(c *gin.Context) {
	var req InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = config.Conf.Upload.DefaultChunkSize
	}

	session, err := h.uploadService.InitializeSession(c.Request.Context(), req.FileName, req.TotalSize, req.ChunkSize)
	if err != nil {
		writeUploadError(c, "InitUpload", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "上传会话已创建",
		"data": gin.H{
			"sessionId":   session.SessionID,
			"chunkSize":   session.ChunkSize,
			"totalChunks": session.TotalChunks(),
			"expiresAt":   session.ExpiresAt,
		},
	})
}

// UploadChunk 处理分片上传的请求。
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	sessionID := c.Param("sessionId")
	chunkIndexStr := c.PostForm("chunkIndex")
	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的分片索引"})
		return
	}

	// 获取上传的分片文件
	file, header, err := c.Request.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未能获取上传的分片"})
		return
	}
	defer file.Close()

	receipt, err := h.uploadService.AcceptChunk(c.Request.Context(), sessionID, chunkIndex, file, header.Size)
	if err != nil {
		writeUploadError(c, "UploadChunk", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "分片上传成功",
		"data":    receipt,
	})
}

// FinalizeRequest 定义了触发合并 API 的请求体结构。RetentionHours 为 0 表示永久保留。
type FinalizeRequest struct {
	RetentionHours int `json:"retentionHours"`
}

// FinalizeUpload 处理触发分片合并的请求。
func (h *UploadHandler) FinalizeUpload(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req FinalizeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
			return
		}
	}
	if req.RetentionHours < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "retentionHours 不能为负数"})
		return
	}
	if req.RetentionHours == 0 {
		req.RetentionHours = config.Conf.Upload.DefaultRetentionHours
	}

	result, err := h.uploadService.FinalizeUpload(c.Request.Context(), sessionID, time.Duration(req.RetentionHours)*time.Hour)
	if err != nil {
		writeUploadError(c, "FinalizeUpload", err)
		return
	}

	data := gin.H{
		"artifactId":   result.Artifact.ArtifactID,
		"fileName":     result.Artifact.OriginalName,
		"size":         result.Artifact.SizeBytes,
		"checksum":     result.Artifact.Checksum,
		"deduplicated": result.Deduplicated,
	}
	if result.DeleteToken != "" {
		data["deleteToken"] = result.DeleteToken
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "合并完成", "data": data})
}

// GetStatus 处理查询上传会话状态的请求。
func (h *UploadHandler) GetStatus(c *gin.Context) {
	sessionID := c.Param("sessionId")
	status, err := h.uploadService.GetSessionStatus(c.Request.Context(), sessionID)
	if err != nil {
		writeUploadError(c, "GetStatus", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": status})
}

// CancelUpload 处理取消上传会话的请求，清理已接收的分片。
func (h *UploadHandler) CancelUpload(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.uploadService.CleanupSession(c.Request.Context(), sessionID); err != nil {
		log.Error("CancelUpload: failed to cleanup session", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "取消上传失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "上传已取消"})
}

// writeUploadError 把 service 层错误翻译为对应的 HTTP 状态码与响应体。
func writeUploadError(c *gin.Context, op string, err error) {
	var invalidErr *service.InvalidArgumentError
	var rejectedErr *service.ChunkRejectedError
	var incompleteErr *service.IncompleteError
	var missingErr *assembler.MissingChunkError
	var sizeErr *assembler.SizeVerificationError

	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "上传会话不存在"})
	case errors.Is(err, service.ErrSessionExpired):
		c.JSON(http.StatusGone, gin.H{"error": "上传会话已过期，请重新初始化"})
	case errors.Is(err, service.ErrFinalizeInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "该会话的合并正在进行中"})
	case errors.Is(err, assembler.ErrResourceExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "服务器资源不足，请稍后重试合并"})
	case errors.As(err, &missingErr):
		// 会话已被整体清理，客户端必须重新初始化上传
		c.JSON(http.StatusGone, gin.H{"error": "分片数据已损坏，请重新上传", "missingChunk": missingErr.Index})
	case errors.As(err, &sizeErr):
		// 会话与分片保留，可直接重试合并
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    "合并结果字节数校验失败",
			"written":  sizeErr.Written,
			"expected": sizeErr.Expected,
		})
	case errors.As(err, &invalidErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": invalidErr.Msg})
	case errors.As(err, &rejectedErr):
		status := http.StatusBadRequest
		if rejectedErr.Reason == service.RejectDuplicateChunk {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": rejectedErr.Detail, "reason": rejectedErr.Reason})
	case errors.As(err, &incompleteErr):
		c.JSON(http.StatusConflict, gin.H{"error": "分片未全部上传，无法合并", "missing": incompleteErr.Missing})
	default:
		log.Errorf("%s: internal error: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
	}
}
