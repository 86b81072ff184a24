package replay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"uinova-realtime/backend/internal/entity"
	"uinova-realtime/backend/internal/metrics"
)

// SessionStore 归档记录的持久化接口，mysqldb.SessionRepo 是生产实现
type SessionStore interface {
	SaveSession(ctx context.Context, sess *entity.ReplaySession) error
	GetSession(ctx context.Context, sessionID string) (*entity.ReplaySession, error)
	DeleteSessionsByProject(ctx context.Context, projectID string) (int64, error)
}

// Purger 历史日志的批量删除接口（store.HistoryStore 实现）
type Purger interface {
	PurgeOperations(ctx context.Context, projectID string) (int64, error)
}

// Archiver 会话归档器：捕获完整回放、压缩落库、按需取回。
type Archiver struct {
	engine   *Engine
	sessions SessionStore
	purger   Purger

	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewArchiver(engine *Engine, sessions SessionStore, purger Purger) (*Archiver, error) {
	// Encoder/Decoder 并发安全，进程内共享一份即可
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Archiver{engine: engine, sessions: sessions, purger: purger, enc: enc, dec: dec}, nil
}

// Capture 对项目做一次不限条数的完整回放，压缩 step trace 后存为一条不可变记录。
// 压缩没有显式超时：折叠的是有界的记录集合，耗时由日志长度隐式限定。
func (a *Archiver) Capture(ctx context.Context, projectID string, authorID uint64) (*entity.ReplaySession, error) {
	startedAt := time.Now()

	result, err := a.engine.Replay(ctx, projectID, Options{MaxCount: -1})
	if err != nil {
		return nil, err
	}

	stepsJSON, err := json.Marshal(result.Steps)
	if err != nil {
		return nil, err
	}
	finalJSON, err := json.Marshal(result.FinalState)
	if err != nil {
		return nil, err
	}

	sess := &entity.ReplaySession{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		AuthorID:        authorID,
		FinalState:      finalJSON,
		CompressedSteps: a.enc.EncodeAll(stepsJSON, nil),
		StepCount:       result.Summary.StepCount,
		StartedAt:       startedAt,
		EndedAt:         time.Now(),
	}
	if err := a.sessions.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	metrics.SessionsCaptured.Inc()
	return sess, nil
}

// Retrieve 加载并解压一条归档，重建和实时回放完全相同形状的 Result。
// 调用方从返回值上区分不出“现算的”还是“归档的”。
func (a *Archiver) Retrieve(ctx context.Context, sessionID string) (*Result, error) {
	sess, err := a.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	stepsJSON, err := a.dec.DecodeAll(sess.CompressedSteps, nil)
	if err != nil {
		return nil, err
	}
	var steps []Step
	if err := json.Unmarshal(stepsJSON, &steps); err != nil {
		return nil, err
	}
	var finalState map[string]any
	if err := json.Unmarshal(sess.FinalState, &finalState); err != nil {
		return nil, err
	}
	if finalState == nil {
		finalState = map[string]any{}
	}

	result := &Result{
		ProjectID:  sess.ProjectID,
		Steps:      steps,
		FinalState: finalState,
		Summary:    summarize(steps),
	}
	return result, nil
}

// summarize 从 step trace 重建汇总元信息（与 Fold 的计算保持一致）
func summarize(steps []Step) Summary {
	summary := Summary{StepCount: len(steps), Authors: []uint64{}}
	authorSet := make(map[uint64]struct{})
	for _, s := range steps {
		authorSet[s.AuthorID] = struct{}{}
	}
	for a := range authorSet {
		summary.Authors = append(summary.Authors, a)
	}
	sort.Slice(summary.Authors, func(i, j int) bool { return summary.Authors[i] < summary.Authors[j] })
	summary.AuthorCount = len(authorSet)
	if len(steps) > 0 {
		summary.FirstAt = steps[0].AppliedAt
		summary.LastAt = steps[len(steps)-1].AppliedAt
		summary.ElapsedMs = summary.LastAt.Sub(summary.FirstAt).Milliseconds()
	}
	return summary
}

// Purge 删除项目的全部历史记录和归档会话。不可逆，调用方必须先做管理员校验。
// 返回删掉的操作日志条数。
func (a *Archiver) Purge(ctx context.Context, projectID string) (int64, error) {
	if a.purger == nil {
		return 0, errors.New("history purger not initialized")
	}
	removed, err := a.purger.PurgeOperations(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if _, err := a.sessions.DeleteSessionsByProject(ctx, projectID); err != nil {
		return removed, err
	}
	return removed, nil
}
