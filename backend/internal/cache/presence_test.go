package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *redis.Client {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	return rdb
}

func TestAddAndListMembers(t *testing.T) {
	rdb := newTestClient(t)
	defer rdb.FlushAll(context.Background())

	ctx := context.Background()
	p := NewRedisPresence(rdb)

	if err := p.AddMember(ctx, "proj-t1", 1, "alice", 60*time.Second); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.AddMember(ctx, "proj-t1", 2, "bob", 60*time.Second); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, "proj-t1")
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
}

func TestExpiredMembersCleanedUp(t *testing.T) {
	rdb := newTestClient(t)
	defer rdb.FlushAll(context.Background())

	ctx := context.Background()
	p := NewRedisPresence(rdb)

	// 负 TTL：score 落在过去，下一次查询时 Lua 清理掉
	if err := p.AddMember(ctx, "proj-t2", 3, "carol", -1*time.Second); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, "proj-t2")
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected expired member removed, got %v", members)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	rdb := newTestClient(t)
	defer rdb.FlushAll(context.Background())

	ctx := context.Background()
	p := NewRedisPresence(rdb)

	payload := []byte(`{"x":120,"y":48,"zoom":1.25}`)
	if err := p.SetCursor(ctx, "proj-t3", 7, payload, 30*time.Second); err != nil {
		t.Fatalf("SetCursor error: %v", err)
	}
	got, err := p.GetCursor(ctx, "proj-t3", 7)
	if err != nil {
		t.Fatalf("GetCursor error: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("cursor = %s, want %s", got, payload)
	}

	// 从未设置过光标的成员：返回 nil，不报错
	none, err := p.GetCursor(ctx, "proj-t3", 999)
	if err != nil {
		t.Fatalf("GetCursor for unset cursor error: %v", err)
	}
	if none != nil {
		t.Fatalf("unset cursor = %s, want nil", none)
	}
}
