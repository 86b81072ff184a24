package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"uinova-realtime/backend/internal/access"
	"uinova-realtime/backend/internal/audit"
	"uinova-realtime/backend/internal/auth"
	"uinova-realtime/backend/internal/cache"
	"uinova-realtime/backend/internal/metrics"
	"uinova-realtime/backend/internal/ratelimit"
	"uinova-realtime/backend/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// HistoryAppender 操作日志的追加入口
type HistoryAppender interface {
	AppendOperation(ctx context.Context, rec *store.OperationRecord) (uint64, error)
}

// AuditSink 审计事件的异步入队
type AuditSink interface {
	Enqueue(ctx context.Context, evt audit.OpAuditEvent) error
}

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	identity auth.Identity
	// 每连接独立的令牌桶，只在 readLoop 这一个 goroutine 里使用
	limiter *ratelimit.ConnLimiter
	// chan 是 Go 的“通道”（channel），goroutine 之间通信的队列。
	// send 里只放出站消息，由 writeLoop 独占消费。
	send chan OutboundMessage

	history  HistoryAppender
	auditor  AuditSink
	access   access.Checker
	presence cache.PresenceCache

	idleTimeout  time.Duration
	heartbeatTTL time.Duration

	// 当前所在项目/页面；只在 readLoop 里读写
	projectID string
	pageID    string
	// 当前已加入的房间集合；由 Hub 在持锁状态下维护
	roomIDs map[string]struct{}
}

type ConnDeps struct {
	History  HistoryAppender
	Auditor  AuditSink
	Access   access.Checker
	Presence cache.PresenceCache
}

type ConnOptions struct {
	Limits       ratelimit.Limits
	IdleTimeout  time.Duration
	HeartbeatTTL time.Duration
}

func NewConn(ws *websocket.Conn, hub *Hub, id auth.Identity, deps ConnDeps, opts ConnOptions) *Conn {
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 600 * time.Second
	}
	return &Conn{
		ws:           ws,
		hub:          hub,
		identity:     id,
		limiter:      ratelimit.NewConnLimiter(opts.Limits),
		send:         make(chan OutboundMessage, 32),
		history:      deps.History,
		auditor:      deps.Auditor,
		access:       deps.Access,
		presence:     deps.Presence,
		idleTimeout:  opts.IdleTimeout,
		heartbeatTTL: opts.HeartbeatTTL,
		roomIDs:      make(map[string]struct{}),
	}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	// select 同时评估所有 case 的通道操作；队列满了就丢弃，
	// 慢消费者不能拖住广播方
	select {
	case c.send <- msg:
	default:
	}
}

// allow 限流闸门：被拒的事件直接丢弃，并回一条 RATE_LIMITED 信号，连接不断开
func (c *Conn) allow(class ratelimit.EventClass) bool {
	if c.limiter.Allow(class) {
		return true
	}
	metrics.RateLimitedDrops.WithLabelValues(class.String()).Inc()
	c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: CodeRateLimited, Class: class.String()})
	return false
}

// broadcastRoomID 编辑/信号广播的目标房间：有页面走页面房间，否则走项目房间
func (c *Conn) broadcastRoomID() string {
	if c.pageID != "" {
		return PageRoomID(c.projectID, c.pageID)
	}
	return ProjectRoomID(c.projectID)
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if msg.ProjectID == "" {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: CodeBadRequest, Content: "projectId is required"})
		return
	}
	if err := c.access.EnsureAccess(ctx, c.identity.UserID, msg.ProjectID, access.NeedView); err != nil {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: CodeAccessDenied, ProjectID: msg.ProjectID})
		return
	}

	var err error
	if msg.ProjectID == c.projectID && c.projectID != "" {
		// 同项目内切换页面
		err = c.hub.SwitchPage(c, c.projectID, c.pageID, msg.PageID)
	} else {
		err = c.hub.JoinProject(c, msg.ProjectID, msg.PageID)
	}
	if err != nil {
		var full *RoomFullError
		if errors.As(err, &full) {
			c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: CodeRoomFull, ProjectID: msg.ProjectID, PageID: msg.PageID, Max: full.Max})
			return
		}
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: CodeBadRequest, Content: err.Error()})
		return
	}
	c.projectID = msg.ProjectID
	c.pageID = msg.PageID

	if err := c.presence.AddMember(ctx, c.projectID, c.identity.UserID, c.identity.Username, c.heartbeatTTL); err != nil {
		log.Printf("add member error (user=%d, project=%s): %v", c.identity.UserID, c.projectID, err)
	}
	c.SendMessage_Enqueue(ServerMessage{
		Type:      "joined",
		ProjectID: c.projectID,
		PageID:    c.pageID,
		RoomID:    c.broadcastRoomID(),
		Count:     c.hub.Occupancy(c.broadcastRoomID()),
	})
	c.sendRoster(ctx)
}

func (c *Conn) handleLeave(ctx context.Context) {
	if c.projectID == "" {
		return
	}
	if err := c.presence.RemoveMember(ctx, c.projectID, c.identity.UserID); err != nil {
		log.Printf("remove member error (user=%d, project=%s): %v", c.identity.UserID, c.projectID, err)
	}
	c.hub.Disconnect(c)
	c.SendMessage_Enqueue(ServerMessage{Type: "left", ProjectID: c.projectID, PageID: c.pageID})
	c.projectID = ""
	c.pageID = ""
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	if c.projectID != "" {
		if err := c.presence.AddMember(ctx, c.projectID, c.identity.UserID, c.identity.Username, c.heartbeatTTL); err != nil {
			log.Printf("add member error: %v", err)
		}
	}
	c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})
}

// sendRoster 回当前在线名单，带上每个成员最近的光标位置，
// 重连的客户端靠这一条消息恢复协作现场
func (c *Conn) sendRoster(ctx context.Context) {
	members, err := c.presence.GetAliveMembersWithNames(ctx, c.projectID)
	if err != nil {
		log.Printf("get alive members error (project=%s): %v", c.projectID, err)
		return
	}
	names := make([]PresenceMember, len(members))
	for i, m := range members {
		names[i] = PresenceMember{UserID: m.UserID, Username: m.Username}
		cursor, err := c.presence.GetCursor(ctx, c.projectID, m.UserID)
		if err != nil {
			log.Printf("get cursor error (user=%d): %v", m.UserID, err)
			continue
		}
		names[i].Cursor = cursor
	}
	c.SendMessage_Enqueue(ServerMessage{Type: "presence", ProjectID: c.projectID, Members: names})
}

// handleOp 编辑操作的主流程：
//  1. 限流闸门（edit 类）
//  2. 编辑权限校验
//  3. 先向房间内其他连接广播（不等待持久化，换取低延迟；
//     历史日志写失败时协作方可能收到了未落库的变更，由回放端兜底）
//  4. 同步等待日志追加，失败即向提交者报 STORAGE_FAILURE
//  5. 审计事件异步入队
//  6. 回 op_applied 确认
func (c *Conn) handleOp(ctx context.Context, msg ClientMessage) {
	if !c.allow(ratelimit.ClassEdit) {
		return
	}
	if c.projectID == "" || len(msg.Payload) == 0 {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: CodeBadRequest, Content: "join a project and carry a payload first"})
		return
	}
	if err := c.access.EnsureAccess(ctx, c.identity.UserID, c.projectID, access.NeedEdit); err != nil {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: CodeAccessDenied, ProjectID: c.projectID})
		return
	}

	now := time.Now().UTC()
	c.hub.BroadcastToRoom(c.broadcastRoomID(), c, OpBroadcastMessage{
		Type:          "op_broadcast",
		ProjectID:     c.projectID,
		PageID:        c.pageID,
		AuthorID:      c.identity.UserID,
		Username:      c.identity.Username,
		Payload:       msg.Payload,
		ClientVersion: msg.ClientVersion,
		AppliedAt:     now,
	})

	appendCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rec := &store.OperationRecord{
		ProjectID:     c.projectID,
		PageID:        c.pageID,
		AuthorID:      c.identity.UserID,
		Payload:       msg.Payload,
		ClientVersion: msg.ClientVersion,
		CreatedAt:     now,
	}
	recordID, err := c.history.AppendOperation(appendCtx, rec)
	if err != nil {
		log.Printf("append operation error (user=%d, project=%s): %v", c.identity.UserID, c.projectID, err)
		metrics.HistoryAppendFailures.Inc()
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: CodeStorageFailure, ProjectID: c.projectID})
		return
	}
	metrics.OpsBroadcast.Inc()

	auditCtx, auditCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer auditCancel()
	if err := c.auditor.Enqueue(auditCtx, audit.OpAuditEvent{
		EventType:     "OP_ACCEPTED",
		ProjectID:     c.projectID,
		PageID:        c.pageID,
		OperationID:   uuid.NewString(),
		RecordID:      recordID,
		AuthorID:      c.identity.UserID,
		ClientVersion: msg.ClientVersion,
		Payload:       msg.Payload,
		AcceptedAt:    now,
	}); err != nil {
		// 审计链路积压不影响编辑主流程
		log.Printf("audit enqueue error (project=%s): %v", c.projectID, err)
	}

	c.SendMessage_Enqueue(OpAppliedMessage{
		Type:          "op_applied",
		ProjectID:     c.projectID,
		PageID:        c.pageID,
		RecordID:      recordID,
		ClientVersion: msg.ClientVersion,
	})
}

// handleSignal 光标/选区/缩放/锁定/标题这类临时信号：限流后原样转发，不落库
func (c *Conn) handleSignal(ctx context.Context, msg ClientMessage, class ratelimit.EventClass) {
	if !c.allow(class) {
		return
	}
	if c.projectID == "" {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: CodeBadRequest, Content: "join a project first"})
		return
	}
	if msg.Type == "cursor" {
		if err := c.presence.SetCursor(ctx, c.projectID, c.identity.UserID, msg.Payload, c.heartbeatTTL); err != nil {
			log.Printf("set cursor error (user=%d): %v", c.identity.UserID, err)
		}
	}
	c.hub.BroadcastToRoom(c.broadcastRoomID(), c, SignalMessage{
		Type:      msg.Type,
		ProjectID: c.projectID,
		PageID:    c.pageID,
		UserID:    c.identity.UserID,
		Username:  c.identity.Username,
		Payload:   msg.Payload,
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	// 先退房再关通道：Disconnect 之后不会再有广播入队到本连接
	defer func() {
		c.hub.Disconnect(c)
		close(c.send)
	}()
	for {
		if c.idleTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			log.Printf("read json error (user=%d, project=%s): %v", c.identity.UserID, c.projectID, err)
			return
		}
		switch clientMessage.Type {
		case "join":
			c.handleJoin(ctx, clientMessage)
		case "leave":
			c.handleLeave(ctx)
		case "heartbeat":
			c.handleHeartbeat(ctx)
		case "show_alive_members":
			c.sendRoster(ctx)
		case "op":
			c.handleOp(ctx, clientMessage)
		case "cursor", "selection", "zoom":
			c.handleSignal(ctx, clientMessage, ratelimit.ClassPresence)
		case "lock", "title":
			c.handleSignal(ctx, clientMessage, ratelimit.ClassMetadata)
		default:
			// 忽略未知类型，回一条提示
			c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
