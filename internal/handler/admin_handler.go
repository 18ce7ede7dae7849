package handler

import (
	"net/http"

	"fileflow-go/internal/service"
	"fileflow-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AdminHandler 负责处理运维与统计相关的 API 请求。
type AdminHandler struct {
	uploadService service.UploadService
	fileService   service.FileService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(uploadService service.UploadService, fileService service.FileService) *AdminHandler {
	return &AdminHandler{uploadService: uploadService, fileService: fileService}
}

// GetSessionStats 处理查询会话统计的请求。
func (h *AdminHandler) GetSessionStats(c *gin.Context) {
	stats, err := h.uploadService.GetSessionStats(c.Request.Context())
	if err != nil {
		log.Error("GetSessionStats: failed to count sessions", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取会话统计失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": stats})
}

// GetLoadMetrics 处理查询服务器负载的请求。客户端可据此调整分片大小或暂缓上传。
func (h *AdminHandler) GetLoadMetrics(c *gin.Context) {
	metrics, err := h.uploadService.GetServerLoadMetrics(c.Request.Context())
	if err != nil {
		log.Error("GetLoadMetrics: failed to collect load metrics", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取负载信息失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": metrics})
}

// TriggerCleanup 处理手动触发过期清理的请求。定时任务之外的兜底入口。
func (h *AdminHandler) TriggerCleanup(c *gin.Context) {
	sessions, err := h.uploadService.CleanupExpiredSessions(c.Request.Context())
	if err != nil {
		log.Error("TriggerCleanup: failed to cleanup expired sessions", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "清理过期会话失败"})
		return
	}
	artifacts, err := h.fileService.CleanupExpiredArtifacts(c.Request.Context())
	if err != nil {
		log.Error("TriggerCleanup: failed to cleanup expired artifacts", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "清理过期制品失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"cleanedSessions":  sessions,
			"cleanedArtifacts": artifacts,
		},
	})
}
