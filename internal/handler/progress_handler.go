package handler

import (
	"errors"
	"net/http"
	"time"

	"fileflow-go/internal/service"
	"fileflow-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ProgressHandler 通过 WebSocket 向客户端推送上传会话的进度。
type ProgressHandler struct {
	uploadService service.UploadService
	pollInterval  time.Duration
}

// NewProgressHandler 创建一个新的 ProgressHandler 实例。
func NewProgressHandler(uploadService service.UploadService) *ProgressHandler {
	return &ProgressHandler{uploadService: uploadService, pollInterval: time.Second}
}

// StreamProgress 建立 WebSocket 连接，周期性推送会话进度快照。
// 会话完成、过期或删除后推送最后一条消息并关闭连接。
func (h *ProgressHandler) StreamProgress(c *gin.Context) {
	sessionID := c.Param("sessionId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 进度连接已建立，会话: %s", sessionID)

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		status, err := h.uploadService.GetSessionStatus(c.Request.Context(), sessionID)
		if err != nil {
			if errors.Is(err, service.ErrSessionNotFound) || errors.Is(err, service.ErrSessionExpired) {
				_ = conn.WriteJSON(gin.H{"sessionId": sessionID, "ended": true, "reason": err.Error()})
			} else {
				log.Warnf("StreamProgress: failed to load session status: %v", err)
			}
			return
		}

		if err := conn.WriteJSON(status); err != nil {
			// 客户端断开
			return
		}
		if status.IsComplete {
			return
		}

		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
