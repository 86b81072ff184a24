package ws

import (
	"log"
	"net/http"
	"strings"

	"uinova-realtime/backend/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h    *Hub
	deps ConnDeps
	opts ConnOptions
}

func NewManager(h *Hub, deps ConnDeps, opts ConnOptions) *Manager {
	return &Manager{h: h, deps: deps, opts: opts}
}

// WebSocketConnect 握手入口：身份由鉴权中间件写入上下文，
// 没有身份就拒绝升级（401），不建立匿名连接
func (m *Manager) WebSocketConnect(c *gin.Context) {
	idVal, ok := c.Get("identity")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": CodeUnauthorized, "message": "missing identity"})
		return
	}
	id, ok := idVal.(auth.Identity)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": CodeUnauthorized, "message": "missing identity"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	// defer：延迟执行（延迟至 return 处）
	defer conn.Close()

	wsConn := NewConn(conn, m.h, id, m.deps, m.opts)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.SendMessage_Enqueue(ServerMessage{Type: "welcome", UserID: id.UserID, Content: "connected"})

	// 最后进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
