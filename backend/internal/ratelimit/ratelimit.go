package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// EventClass 事件类别，用于区分不同限流通道
type EventClass int

const (
	// iota 从 0 递增：ClassEdit = 0, ClassPresence = 1, ClassMetadata = 2
	ClassEdit EventClass = iota
	ClassPresence
	ClassMetadata

	numClasses
)

func (c EventClass) String() string {
	switch c {
	case ClassEdit:
		return "edit"
	case ClassPresence:
		return "presence"
	case ClassMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// ClassLimit 单个事件类别的限流参数
type ClassLimit struct {
	Rate  float64 // 每秒补充的令牌数
	Burst int     // 令牌桶容量（瞬时可接受的最大突发）
}

// Limits 全部事件类别的限流配置，进程启动时读取一次，之后不可变
type Limits struct {
	Edit     ClassLimit
	Presence ClassLimit
	Metadata ClassLimit
}

// DefaultLimits 默认限流参数
func DefaultLimits() Limits {
	return Limits{
		Edit:     ClassLimit{Rate: 30, Burst: 60},
		Presence: ClassLimit{Rate: 60, Burst: 120},
		Metadata: ClassLimit{Rate: 20, Burst: 40},
	}
}

// ConnLimiter 连接级限流器。
// 每个连接持有一个固定长度的数组，按 EventClass 下标取桶，
// 不做跨连接共享，所以不需要加锁（只有该连接的 readLoop 会访问它）。
type ConnLimiter struct {
	buckets [numClasses]*rate.Limiter
}

func NewConnLimiter(l Limits) *ConnLimiter {
	cl := &ConnLimiter{}
	cl.buckets[ClassEdit] = rate.NewLimiter(rate.Limit(l.Edit.Rate), l.Edit.Burst)
	cl.buckets[ClassPresence] = rate.NewLimiter(rate.Limit(l.Presence.Rate), l.Presence.Burst)
	cl.buckets[ClassMetadata] = rate.NewLimiter(rate.Limit(l.Metadata.Rate), l.Metadata.Burst)
	return cl
}

// Allow 按经过的时间补充令牌（封顶到 Burst），有令牌则消费一个并放行。
// 没有令牌时事件被丢弃，不排队、不重试，由调用方给客户端回 RATE_LIMITED 信号。
func (cl *ConnLimiter) Allow(class EventClass) bool {
	return cl.AllowAt(class, time.Now())
}

// AllowAt 带显式时间戳的版本，测试用它驱动时间
func (cl *ConnLimiter) AllowAt(class EventClass, now time.Time) bool {
	if class < 0 || class >= numClasses {
		return false
	}
	return cl.buckets[class].AllowN(now, 1)
}
