package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// OperationRecord 一条已接受的编辑操作。
// 落库后不可变，只有管理员批量 purge 会删除它。
type OperationRecord struct {
	ID            uint64          `json:"id"`
	ProjectID     string          `json:"projectId"`
	PageID        string          `json:"pageId,omitempty"`
	AuthorID      uint64          `json:"authorId"`
	Payload       json.RawMessage `json:"payload"`
	ClientVersion uint64          `json:"clientVersion,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// HistoryStore 项目操作日志：append-only，按创建顺序读取。
// 不做批量、不做去重：每条被接受的操作就是一条记录，日志本身是 ground truth。
type HistoryStore struct{ db *sql.DB }

func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// AppendOperation 纯粹的有序持久化。
// 只有存储失败会报错，错误必须向上传播（丢一条记录会破坏之后的 replay）。
func (s *HistoryStore) AppendOperation(ctx context.Context, rec *OperationRecord) (uint64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO project_operations (project_id, page_id, author_id, payload, client_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ProjectID,
		rec.PageID,
		rec.AuthorID,
		[]byte(rec.Payload),
		rec.ClientVersion,
		rec.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	return uint64(id), nil
}

// ListOperations 按创建顺序读取某项目的操作日志。
// limit <= 0 表示不限条数；until 非零时只取 created_at <= until 的记录。
// 落库顺序（自增 id）是“先后发生”的唯一事实来源。
func (s *HistoryStore) ListOperations(ctx context.Context, projectID string, limit int, until time.Time) ([]OperationRecord, error) {
	query := `SELECT id, project_id, page_id, author_id, payload, client_version, created_at
		FROM project_operations WHERE project_id = ?`
	args := []any{projectID}
	if !until.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, until)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var rec OperationRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.PageID, &rec.AuthorID, &payload, &rec.ClientVersion, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeOperations 删除某项目的全部历史记录（管理员操作，不可逆）。
// 用于回收存储，不是 undo。
func (s *HistoryStore) PurgeOperations(ctx context.Context, projectID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM project_operations WHERE project_id = ?`,
		projectID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
