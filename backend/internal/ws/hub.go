package ws

import (
	"fmt"
	"sync"

	"uinova-realtime/backend/internal/metrics"
)

// RoomFullError 房间满员拒绝：不排队、不挤占，带上上限让客户端能给出准确提示
type RoomFullError struct {
	Max int
}

func (e *RoomFullError) Error() string {
	return fmt.Sprintf("ROOM_FULL: max=%d", e.Max)
}

// ProjectRoomID 项目级房间：项目内所有在线协作者
func ProjectRoomID(projectID string) string {
	return "project:" + projectID
}

// PageRoomID 页面级房间：只包含正在看同一页面的协作者，编辑广播走这里
func PageRoomID(projectID, pageID string) string {
	return "project:" + projectID + ":page:" + pageID
}

type Hub struct {
	// 读写锁，保护 rooms 这类 map 在并发下安全访问。
	// 加入/离开房间、广播时都会先加锁。
	mu sync.RWMutex
	// roomID -> set of connections
	// 房间里存的是 map[*Conn] 而不是 map[userID]：
	// 一个用户可开多个标签页/设备（多连接），广播要逐连接发。
	rooms map[string]map[*Conn]struct{}
	// 单个房间的最大连接数，超过直接拒绝
	maxRoomSize int
}

func NewHub(maxRoomSize int) *Hub {
	return &Hub{
		rooms:       make(map[string]map[*Conn]struct{}),
		maxRoomSize: maxRoomSize,
	}
}

func (h *Hub) MaxRoomSize() int { return h.maxRoomSize }

// JoinProject 让连接加入项目房间（以及可选的页面房间）。
// 同一连接同一时刻只属于一个项目：先退出旧房间再进新房间。
// 上限对两个粒度的房间都生效：项目房间满了，换页面也进不来。
// 任一房间满员返回 RoomFullError，调用方转成信号回给客户端。
func (h *Hub) JoinProject(c *Conn, projectID, pageID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.roomFullLocked(ProjectRoomID(projectID)) {
		metrics.RoomJoinRejected.Inc()
		return &RoomFullError{Max: h.maxRoomSize}
	}
	if pageID != "" && h.roomFullLocked(PageRoomID(projectID, pageID)) {
		metrics.RoomJoinRejected.Inc()
		return &RoomFullError{Max: h.maxRoomSize}
	}

	touched := h.leaveAllLocked(c)
	h.joinLocked(c, ProjectRoomID(projectID))
	touched[ProjectRoomID(projectID)] = struct{}{}
	if pageID != "" {
		h.joinLocked(c, PageRoomID(projectID, pageID))
		touched[PageRoomID(projectID, pageID)] = struct{}{}
	}
	h.broadcastCountsLocked(touched)
	return nil
}

// SwitchPage 项目内切换页面：退出旧页面房间，进入新页面房间，项目房间成员身份不变
func (h *Hub) SwitchPage(c *Conn, projectID, oldPageID, newPageID string) error {
	if oldPageID == newPageID {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if newPageID != "" && h.roomFullLocked(PageRoomID(projectID, newPageID)) {
		metrics.RoomJoinRejected.Inc()
		return &RoomFullError{Max: h.maxRoomSize}
	}
	touched := make(map[string]struct{})
	if oldPageID != "" {
		h.leaveLocked(c, PageRoomID(projectID, oldPageID))
		touched[PageRoomID(projectID, oldPageID)] = struct{}{}
	}
	if newPageID != "" {
		h.joinLocked(c, PageRoomID(projectID, newPageID))
		touched[PageRoomID(projectID, newPageID)] = struct{}{}
	}
	h.broadcastCountsLocked(touched)
	return nil
}

// Disconnect 把连接从它所在的全部房间移除，并向受影响的房间重播人数。
// 必须在关闭 c.send 之前调用：此后不会再有广播入队到该连接。
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	touched := h.leaveAllLocked(c)
	h.broadcastCountsLocked(touched)
}

// Occupancy 返回房间当前在线连接数（实时值）
func (h *Hub) Occupancy(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// BroadcastToRoom 向房间内除 except 之外的所有连接广播。
// except 传 nil 表示发给所有人。
func (h *Hub) BroadcastToRoom(roomID string, except *Conn, msg OutboundMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		if c == except {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) roomFullLocked(roomID string) bool {
	return h.maxRoomSize > 0 && len(h.rooms[roomID]) >= h.maxRoomSize
}

func (h *Hub) joinLocked(c *Conn, roomID string) {
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	c.roomIDs[roomID] = struct{}{}
}

func (h *Hub) leaveLocked(c *Conn, roomID string) {
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
	delete(c.roomIDs, roomID)
}

func (h *Hub) leaveAllLocked(c *Conn) map[string]struct{} {
	touched := make(map[string]struct{}, len(c.roomIDs))
	for roomID := range c.roomIDs {
		h.leaveLocked(c, roomID)
		touched[roomID] = struct{}{}
	}
	return touched
}

// broadcastCountsLocked 在持锁状态下向受影响房间的成员广播最新人数。
// 持锁期间广播保证人数与成员集一致；入队是非阻塞的，不会在锁内卡住。
func (h *Hub) broadcastCountsLocked(touched map[string]struct{}) {
	for roomID := range touched {
		conns := h.rooms[roomID]
		if len(conns) == 0 {
			continue
		}
		msg := ServerMessage{Type: "room_count", RoomID: roomID, Count: len(conns)}
		for c := range conns {
			c.SendMessage_Enqueue(msg)
		}
	}
}
