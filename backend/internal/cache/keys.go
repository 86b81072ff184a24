package cache

import (
	"fmt"
	"strconv"
)

// 键语义：
// - roomKey(projectID):            项目房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(projectID):           房间内 userId→username 映射（Hash）
// - cursorKey(projectID, userID):  成员光标/选区 JSON（String，带 TTL）

const (
	keyRoomFmt   = "presence:project:{%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:project:names:{%s}" // Hash<userId -> username>
	keyCursorFmt = "presence:cursor:%s:%s"       // String JSON with TTL
)

func roomKey(projectID string) string  { return fmt.Sprintf(keyRoomFmt, projectID) }
func namesKey(projectID string) string { return fmt.Sprintf(keyNamesFmt, projectID) }
func cursorKey(projectID string, userID uint64) string {
	return fmt.Sprintf(keyCursorFmt, projectID, strconv.FormatUint(userID, 10))
}
