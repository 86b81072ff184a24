package ws

import (
	"encoding/json"
	"time"
)

// 错误码：握手/事件级失败都转成机器可读信号回给客户端，连接本身继续工作
const (
	CodeUnauthorized   = "UNAUTHENTICATED"
	CodeBadRequest     = "BAD_REQUEST"
	CodeAccessDenied   = "ACCESS_DENIED"
	CodeRoomFull       = "ROOM_FULL"
	CodeRateLimited    = "RATE_LIMITED"
	CodeStorageFailure = "STORAGE_FAILURE"
)

type ClientMessage struct {
	Type          string          `json:"type"`
	ProjectID     string          `json:"projectId,omitempty"`
	PageID        string          `json:"pageId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ClientVersion uint64          `json:"clientVersion,omitempty"`
}

type PresenceMember struct {
	UserID   uint64          `json:"userId"`
	Username string          `json:"username,omitempty"`
	Cursor   json.RawMessage `json:"cursor,omitempty"`
}

type ServerMessage struct {
	Type      string           `json:"type"`
	Code      string           `json:"code,omitempty"`
	ProjectID string           `json:"projectId,omitempty"`
	PageID    string           `json:"pageId,omitempty"`
	RoomID    string           `json:"roomId,omitempty"`
	UserID    uint64           `json:"userId,omitempty"`
	Count     int              `json:"count,omitempty"`
	Max       int              `json:"max,omitempty"`
	Class     string           `json:"class,omitempty"`
	Members   []PresenceMember `json:"members,omitempty"`
	Content   string           `json:"content,omitempty"`
}

// OpBroadcastMessage 广播给同页面房间内其他连接的编辑操作
// - 与 op_applied(ack) 区分：这里用于把变更推送给其他协作者
type OpBroadcastMessage struct {
	Type          string          `json:"type"` // 固定 "op_broadcast"
	ProjectID     string          `json:"projectId"`
	PageID        string          `json:"pageId,omitempty"`
	AuthorID      uint64          `json:"authorId"`
	Username      string          `json:"username,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	ClientVersion uint64          `json:"clientVersion,omitempty"`
	AppliedAt     time.Time       `json:"appliedAt"`
}

// OpAppliedMessage 回给提交者的确认：日志落库之后才发
type OpAppliedMessage struct {
	Type          string `json:"type"` // 固定 "op_applied"
	ProjectID     string `json:"projectId"`
	PageID        string `json:"pageId,omitempty"`
	RecordID      uint64 `json:"recordId"`
	ClientVersion uint64 `json:"clientVersion,omitempty"`
}

// SignalMessage 光标/选区/锁/标题等临时信号的转发，只广播不落库
type SignalMessage struct {
	Type      string          `json:"type"` // "cursor" / "selection" / "zoom" / "lock" / "title"
	ProjectID string          `json:"projectId"`
	PageID    string          `json:"pageId,omitempty"`
	UserID    uint64          `json:"userId"`
	Username  string          `json:"username,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// 隐式实现 OutboundMessage 接口
func (m ServerMessage) MessageType() string      { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }
func (m OpAppliedMessage) MessageType() string   { return m.Type }
func (m SignalMessage) MessageType() string      { return m.Type }
