package middleware

import (
	"net/http"
	"strings"

	"uinova-realtime/backend/internal/auth"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware 令牌校验。取令牌的顺序是固定的：
// 1. Authorization 头里的 Bearer 令牌
// 2. query ?token=（兼容 WebSocket：浏览器建连时无法自定义 Header）
// 两处都没有就 401，不再看别的位置。
func AuthMiddleware(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// strings.TrimSpace 去掉可能出现的前后空格或换行，避免无效匹配
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		id, err := verifier.Verify(c.Request.Context(), tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "invalid token",
			})
			return
		}

		// gin.Context 对每个请求天然隔离
		c.Set("identity", *id)
		c.Set("userId", id.UserID)
		c.Set("username", id.Username)
		c.Set("role", id.Role)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
