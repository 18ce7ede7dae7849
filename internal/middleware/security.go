package middleware

import "github.com/gin-gonic/gin"

// SecurityHeaders 为所有响应附加基础安全头。
// 下载接口回传的是用户上传的任意字节，nosniff 和禁止内联渲染是底线。
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Next()
	}
}
