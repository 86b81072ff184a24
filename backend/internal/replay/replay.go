package replay

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"uinova-realtime/backend/internal/store"
)

// DefaultMaxCount 一次回放默认最多取多少条记录
const DefaultMaxCount = 500

// Source 操作日志的读取接口，store.HistoryStore 是生产实现
type Source interface {
	ListOperations(ctx context.Context, projectID string, limit int, until time.Time) ([]store.OperationRecord, error)
}

// Options 回放范围。
// MaxCount == 0 用 DefaultMaxCount；MaxCount < 0 表示不限条数（归档捕获用）。
type Options struct {
	MaxCount int
	Until    time.Time
}

// Step 回放轨迹中的一步：应用第 N 条操作之后的累积快照
type Step struct {
	Index       int            `json:"index"`
	OperationID uint64         `json:"operationId"`
	AuthorID    uint64         `json:"authorId"`
	AppliedAt   time.Time      `json:"appliedAt"`
	Payload     map[string]any `json:"payload"`
	Snapshot    map[string]any `json:"snapshot"`
}

// Summary 回放的汇总元信息
type Summary struct {
	StepCount   int       `json:"stepCount"`
	AuthorCount int       `json:"authorCount"`
	Authors     []uint64  `json:"authors"`
	FirstAt     time.Time `json:"firstAt"`
	LastAt      time.Time `json:"lastAt"`
	ElapsedMs   int64     `json:"elapsedMs"`
}

// Result 一次回放的完整输出：step trace + 最终状态 + 汇总。
// 实时回放和归档取回共用这个形状，调用方无法区分二者。
type Result struct {
	ProjectID  string         `json:"projectId"`
	Steps      []Step         `json:"steps"`
	FinalState map[string]any `json:"finalState"`
	Summary    Summary        `json:"summary"`
}

type Engine struct {
	source Source
}

func NewEngine(source Source) *Engine {
	return &Engine{source: source}
}

// Replay 按创建顺序加载项目日志并做左折叠。
// 合并规则是 payload 顶层 key 的浅覆盖（last-writer-wins），不是结构化 merge：
// 两个并发编辑如果共享同一个顶层 key，回放时后写的会整体盖掉先写的嵌套内容。
// 这与实时广播端不做冲突消解是一致的，属于已知限制，不在这里“修复”。
// 空日志返回空轨迹和空状态，不算错误。
func (e *Engine) Replay(ctx context.Context, projectID string, opts Options) (*Result, error) {
	limit := opts.MaxCount
	if limit == 0 {
		limit = DefaultMaxCount
	}
	if limit < 0 {
		limit = 0 // 不限条数
	}

	records, err := e.source.ListOperations(ctx, projectID, limit, opts.Until)
	if err != nil {
		return nil, err
	}
	return Fold(projectID, records), nil
}

// Fold 纯函数折叠：同样的记录序列永远产出同样的结果（确定性回放）。
// 拆出来方便归档取回时复用汇总计算。
func Fold(projectID string, records []store.OperationRecord) *Result {
	acc := make(map[string]any)
	steps := make([]Step, 0, len(records))
	authorSet := make(map[uint64]struct{})

	for i, rec := range records {
		var payload map[string]any
		if err := json.Unmarshal(rec.Payload, &payload); err != nil || payload == nil {
			// payload 不是 JSON 对象时按空操作处理，快照不变
			payload = map[string]any{}
		}
		for k, v := range payload {
			acc[k] = v
		}

		// 每一步携带完整快照：只拷贝顶层（浅合并语义下顶层拷贝即足够隔离后续覆盖）
		snapshot := make(map[string]any, len(acc))
		for k, v := range acc {
			snapshot[k] = v
		}

		authorSet[rec.AuthorID] = struct{}{}
		steps = append(steps, Step{
			Index:       i,
			OperationID: rec.ID,
			AuthorID:    rec.AuthorID,
			AppliedAt:   rec.CreatedAt,
			Payload:     payload,
			Snapshot:    snapshot,
		})
	}

	summary := Summary{
		StepCount:   len(steps),
		AuthorCount: len(authorSet),
		Authors:     make([]uint64, 0, len(authorSet)),
	}
	for a := range authorSet {
		summary.Authors = append(summary.Authors, a)
	}
	sort.Slice(summary.Authors, func(i, j int) bool { return summary.Authors[i] < summary.Authors[j] })

	if len(records) > 0 {
		summary.FirstAt = records[0].CreatedAt
		summary.LastAt = records[len(records)-1].CreatedAt
		summary.ElapsedMs = summary.LastAt.Sub(summary.FirstAt).Milliseconds()
	}

	return &Result{
		ProjectID:  projectID,
		Steps:      steps,
		FinalState: acc,
		Summary:    summary,
	}
}
