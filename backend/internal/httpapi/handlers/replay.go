package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"uinova-realtime/backend/internal/access"
	"uinova-realtime/backend/internal/auth"
	"uinova-realtime/backend/internal/mysqldb"
	"uinova-realtime/backend/internal/replay"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"
)

type ReplayHandler struct {
	engine   *replay.Engine
	archiver *replay.Archiver
	access   access.Checker
	// 同一项目的并发回放请求合并成一次日志折叠
	group singleflight.Group
}

func NewReplayHandler(engine *replay.Engine, archiver *replay.Archiver, checker access.Checker) *ReplayHandler {
	return &ReplayHandler{engine: engine, archiver: archiver, access: checker}
}

func identityFrom(c *gin.Context) (auth.Identity, bool) {
	idVal, ok := c.Get("identity")
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := idVal.(auth.Identity)
	return id, ok
}

// Replay GET /v1/projects/:projectId/replay
// query: limit（缺省 500）、until（RFC3339，含边界）
func (h *ReplayHandler) Replay(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED"})
		return
	}
	projectID := c.Param("projectId")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "projectId is required"})
		return
	}
	if err := h.access.EnsureAccess(c.Request.Context(), id.UserID, projectID, access.NeedView); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"code": "ACCESS_DENIED"})
		return
	}

	opts := replay.Options{}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "limit must be a positive integer"})
			return
		}
		opts.MaxCount = limit
	}
	if raw := c.Query("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "until must be RFC3339"})
			return
		}
		opts.Until = until
	}

	// singleflight 的 key 要把范围参数包含进去，不同范围的请求不能共享结果
	key := fmt.Sprintf("%s|%d|%d", projectID, opts.MaxCount, opts.Until.UnixNano())
	res, err, _ := h.group.Do(key, func() (interface{}, error) {
		return h.engine.Replay(c.Request.Context(), projectID, opts)
	})
	if err != nil {
		log.Printf("replay error (project=%s): %v", projectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "STORAGE_FAILURE"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// CaptureSession POST /v1/projects/:projectId/replay/sessions
// 捕获当前完整历史并压缩归档，返回会话元信息
func (h *ReplayHandler) CaptureSession(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED"})
		return
	}
	projectID := c.Param("projectId")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "projectId is required"})
		return
	}
	if err := h.access.EnsureAccess(c.Request.Context(), id.UserID, projectID, access.NeedView); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"code": "ACCESS_DENIED"})
		return
	}

	sess, err := h.archiver.Capture(c.Request.Context(), projectID, id.UserID)
	if err != nil {
		log.Printf("capture session error (project=%s): %v", projectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "STORAGE_FAILURE"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sess.ID,
		"projectId": sess.ProjectID,
		"stepCount": sess.StepCount,
		"createdAt": sess.CreatedAt.Format(time.RFC3339),
	})
}

// GetSession GET /v1/replay/sessions/:sessionId
// 解压归档并还原出与实时回放相同形状的结果
func (h *ReplayHandler) GetSession(c *gin.Context) {
	if _, ok := identityFrom(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED"})
		return
	}
	sessionID := c.Param("sessionId")
	res, err := h.archiver.Retrieve(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, mysqldb.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "SESSION_NOT_FOUND"})
			return
		}
		log.Printf("get session error (session=%s): %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "STORAGE_FAILURE"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// PurgeHistory DELETE /v1/projects/:projectId/replay/history
// 管理员操作：清空项目的操作日志和归档会话
func (h *ReplayHandler) PurgeHistory(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED"})
		return
	}
	if !id.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"code": "ACCESS_DENIED", "message": "admin role required"})
		return
	}
	projectID := c.Param("projectId")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "projectId is required"})
		return
	}

	removed, err := h.archiver.Purge(c.Request.Context(), projectID)
	if err != nil {
		log.Printf("purge error (project=%s): %v", projectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "STORAGE_FAILURE"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projectId": projectID, "removed": removed})
}
