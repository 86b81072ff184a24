package replay

import (
	"context"
	"encoding/json"
	"reflect"
	"strconv"
	"testing"
	"time"

	"uinova-realtime/backend/internal/store"
)

// 测试用内存日志源
type fakeSource struct {
	records map[string][]store.OperationRecord
}

func (f *fakeSource) ListOperations(ctx context.Context, projectID string, limit int, until time.Time) ([]store.OperationRecord, error) {
	var out []store.OperationRecord
	for _, rec := range f.records[projectID] {
		if !until.IsZero() && rec.CreatedAt.After(until) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func rec(id uint64, author uint64, payload string, at time.Time) store.OperationRecord {
	return store.OperationRecord{
		ID:        id,
		ProjectID: "p1",
		AuthorID:  author,
		Payload:   json.RawMessage(payload),
		CreatedAt: at,
	}
}

func TestReplayLastWriterWins(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{records: map[string][]store.OperationRecord{
		"p1": {
			rec(1, 7, `{"a":1}`, base),
			rec(2, 8, `{"a":2}`, base.Add(time.Second)),
		},
	}}

	result, err := NewEngine(src).Replay(context.Background(), "p1", Options{})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if got := result.FinalState["a"]; got != float64(2) {
		t.Fatalf("FinalState[a] = %v, want 2", got)
	}
	if result.Summary.StepCount != 2 {
		t.Fatalf("StepCount = %d, want 2", result.Summary.StepCount)
	}
	if !reflect.DeepEqual(result.Summary.Authors, []uint64{7, 8}) {
		t.Fatalf("Authors = %v, want [7 8]", result.Summary.Authors)
	}
}

func TestReplayShallowMergeClobbersNested(t *testing.T) {
	base := time.Now()
	// 两次编辑共享顶层 key "layout"：浅合并语义下后写整体覆盖先写
	src := &fakeSource{records: map[string][]store.OperationRecord{
		"p1": {
			rec(1, 1, `{"layout":{"header":"blue","footer":"red"}}`, base),
			rec(2, 2, `{"layout":{"header":"green"}}`, base.Add(time.Second)),
		},
	}}

	result, err := NewEngine(src).Replay(context.Background(), "p1", Options{})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	layout, ok := result.FinalState["layout"].(map[string]any)
	if !ok {
		t.Fatalf("layout missing: %v", result.FinalState)
	}
	if _, exists := layout["footer"]; exists {
		t.Fatalf("shallow merge should clobber footer, got %v", layout)
	}
}

func TestReplayStepSnapshots(t *testing.T) {
	base := time.Now()
	src := &fakeSource{records: map[string][]store.OperationRecord{
		"p1": {
			rec(1, 1, `{"title":"X"}`, base),
			rec(2, 1, `{"color":"red"}`, base.Add(time.Second)),
			rec(3, 2, `{"title":"Y"}`, base.Add(2 * time.Second)),
		},
	}}

	result, err := NewEngine(src).Replay(context.Background(), "p1", Options{})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(result.Steps))
	}
	// 第一步快照只有 title，最后一步快照是累计状态
	if !reflect.DeepEqual(result.Steps[0].Snapshot, map[string]any{"title": "X"}) {
		t.Fatalf("step0 snapshot = %v", result.Steps[0].Snapshot)
	}
	want := map[string]any{"title": "Y", "color": "red"}
	if !reflect.DeepEqual(result.Steps[2].Snapshot, want) {
		t.Fatalf("step2 snapshot = %v, want %v", result.Steps[2].Snapshot, want)
	}
	// 中间步骤的快照不被后续覆盖影响
	if result.Steps[1].Snapshot["title"] != "X" {
		t.Fatalf("step1 snapshot mutated: %v", result.Steps[1].Snapshot)
	}
}

func TestReplayDeterministic(t *testing.T) {
	base := time.Now()
	src := &fakeSource{records: map[string][]store.OperationRecord{
		"p1": {
			rec(1, 3, `{"a":1,"b":"x"}`, base),
			rec(2, 4, `{"b":"y","c":true}`, base.Add(time.Second)),
			rec(3, 3, `{"a":9}`, base.Add(2 * time.Second)),
		},
	}}
	engine := NewEngine(src)

	r1, err := engine.Replay(context.Background(), "p1", Options{})
	if err != nil {
		t.Fatalf("first replay error: %v", err)
	}
	r2, err := engine.Replay(context.Background(), "p1", Options{})
	if err != nil {
		t.Fatalf("second replay error: %v", err)
	}
	if !reflect.DeepEqual(r1.FinalState, r2.FinalState) {
		t.Fatalf("final state differs: %v vs %v", r1.FinalState, r2.FinalState)
	}
	if !reflect.DeepEqual(r1.Summary, r2.Summary) {
		t.Fatalf("summary differs: %+v vs %+v", r1.Summary, r2.Summary)
	}
}

func TestReplayEmptyLog(t *testing.T) {
	src := &fakeSource{records: map[string][]store.OperationRecord{}}

	result, err := NewEngine(src).Replay(context.Background(), "nothing", Options{})
	if err != nil {
		t.Fatalf("empty log must not error: %v", err)
	}
	if len(result.Steps) != 0 || len(result.FinalState) != 0 {
		t.Fatalf("expected empty trace/state, got %d steps, state %v", len(result.Steps), result.FinalState)
	}
	if result.Summary.StepCount != 0 || result.Summary.AuthorCount != 0 {
		t.Fatalf("unexpected summary: %+v", result.Summary)
	}
}

func TestReplayBounds(t *testing.T) {
	base := time.Now()
	var records []store.OperationRecord
	for i := 1; i <= 10; i++ {
		records = append(records, rec(uint64(i), 1, `{"step":`+strconv.Itoa(i)+`}`, base.Add(time.Duration(i)*time.Second)))
	}
	src := &fakeSource{records: map[string][]store.OperationRecord{"p1": records}}
	engine := NewEngine(src)

	limited, err := engine.Replay(context.Background(), "p1", Options{MaxCount: 3})
	if err != nil {
		t.Fatalf("limited replay error: %v", err)
	}
	if len(limited.Steps) != 3 {
		t.Fatalf("limited steps = %d, want 3", len(limited.Steps))
	}

	bounded, err := engine.Replay(context.Background(), "p1", Options{Until: base.Add(5 * time.Second)})
	if err != nil {
		t.Fatalf("until replay error: %v", err)
	}
	if len(bounded.Steps) != 5 {
		t.Fatalf("until steps = %d, want 5", len(bounded.Steps))
	}
}

func TestReplayIgnoresNonObjectPayload(t *testing.T) {
	base := time.Now()
	src := &fakeSource{records: map[string][]store.OperationRecord{
		"p1": {
			rec(1, 1, `{"title":"X"}`, base),
			rec(2, 1, `[1,2,3]`, base.Add(time.Second)), // 不是对象，按空操作处理
			rec(3, 1, `{"color":"red"}`, base.Add(2 * time.Second)),
		},
	}}

	result, err := NewEngine(src).Replay(context.Background(), "p1", Options{})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if result.Summary.StepCount != 3 {
		t.Fatalf("steps = %d, want 3", result.Summary.StepCount)
	}
	if result.Steps[1].Snapshot["title"] != "X" {
		t.Fatalf("no-op step should keep snapshot: %v", result.Steps[1].Snapshot)
	}
	if result.FinalState["color"] != "red" {
		t.Fatalf("final state missing later keys: %v", result.FinalState)
	}
}
