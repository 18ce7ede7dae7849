package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"fileflow-go/internal/config"
	"fileflow-go/internal/service"
	"fileflow-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// FileHandler 负责处理所有与单次文件存取相关的 API 请求。
type FileHandler struct {
	fileService service.FileService
}

// NewFileHandler 创建一个新的 FileHandler 实例。
func NewFileHandler(fileService service.FileService) *FileHandler {
	return &FileHandler{fileService: fileService}
}

// UploadFile 处理单次（非分片）文件上传的请求。
func (h *FileHandler) UploadFile(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未能获取上传的文件"})
		return
	}
	defer file.Close()

	retentionHours, _ := strconv.Atoi(c.PostForm("retentionHours"))
	if retentionHours < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "retentionHours 不能为负数"})
		return
	}
	if retentionHours == 0 {
		retentionHours = config.Conf.Upload.DefaultRetentionHours
	}

	result, err := h.fileService.StoreFile(c.Request.Context(), header.Filename, header.Size, file, time.Duration(retentionHours)*time.Hour)
	if err != nil {
		writeFileError(c, "UploadFile", err)
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
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "文件上传成功", "data": data})
}

// GetArtifactMeta 处理查询制品元数据的请求。
func (h *FileHandler) GetArtifactMeta(c *gin.Context) {
	artifact, err := h.fileService.GetArtifact(c.Request.Context(), c.Param("artifactId"))
	if err != nil {
		writeFileError(c, "GetArtifactMeta", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": artifact})
}

// GetDownloadURL 处理签发下载令牌的请求。
func (h *FileHandler) GetDownloadURL(c *gin.Context) {
	artifactID := c.Param("artifactId")
	downloadToken, err := h.fileService.IssueDownloadToken(c.Request.Context(), artifactID)
	if err != nil {
		writeFileError(c, "GetDownloadURL", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"downloadUrl": "/api/v1/files/download?token=" + downloadToken,
		},
	})
}

// Download 处理凭下载令牌取回制品字节的请求。
// 制品已镜像到对象存储时重定向到预签名 URL，否则直接回传本地文件。
func (h *FileHandler) Download(c *gin.Context) {
	downloadToken := c.Query("token")
	if downloadToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少下载令牌"})
		return
	}

	target, err := h.fileService.ResolveDownload(c.Request.Context(), downloadToken)
	if err != nil {
		if errors.Is(err, service.ErrArtifactNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "制品不存在或已过期"})
			return
		}
		log.Warnf("Download: invalid download token, error: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "下载令牌无效或已过期"})
		return
	}

	if target.MirrorURL != "" {
		c.Redirect(http.StatusFound, target.MirrorURL)
		return
	}
	c.FileAttachment(target.LocalPath, target.Artifact.OriginalName)
}

// DeleteArtifact 处理凭删除令牌删除制品的请求。
func (h *FileHandler) DeleteArtifact(c *gin.Context) {
	artifactID := c.Param("artifactId")
	deleteToken := c.GetHeader("X-Delete-Token")
	if deleteToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少删除令牌"})
		return
	}

	if err := h.fileService.DeleteArtifact(c.Request.Context(), artifactID, deleteToken); err != nil {
		writeFileError(c, "DeleteArtifact", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "制品已删除"})
}

// writeFileError 把 service 层错误翻译为对应的 HTTP 状态码与响应体。
func writeFileError(c *gin.Context, op string, err error) {
	var invalidErr *service.InvalidArgumentError
	switch {
	case errors.Is(err, service.ErrArtifactNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "制品不存在或已过期"})
	case errors.Is(err, service.ErrInvalidDeleteToken):
		c.JSON(http.StatusForbidden, gin.H{"error": "删除令牌无效"})
	case errors.As(err, &invalidErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": invalidErr.Msg})
	default:
		log.Errorf("%s: internal error: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
	}
}
