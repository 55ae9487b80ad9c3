package ratelimit

import (
	"sync"
	"time"

	"tripflow/internal/config"
)

// Decision 单次准入判定结果
type Decision struct {
	Allowed    bool
	Remaining  int           // 本窗口剩余额度
	RetryAfter time.Duration // 拒绝时的重试等待，> 0
}

// window 单个 (身份, 端点类别) 的固定窗口计数
type window struct {
	count int
	start time.Time
}

// Limiter 固定窗口限流器
// 计数为进程内瞬态状态，不做持久化；判定与计数在同一临界区内完成，
// 并发调用同一身份时不会出现双重放行
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	cfg     config.RateLimitConfig
	now     func() time.Time
}

// New 创建限流器
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		cfg:     cfg,
		now:     time.Now,
	}
}

// budget 解析端点类别的预算，未配置时用全局默认
func (l *Limiter) budget(class string) (int, time.Duration) {
	if ep, ok := l.cfg.Endpoints[class]; ok {
		limit := ep.Requests
		win := ep.Window
		if win <= 0 {
			win = l.cfg.Window
		}
		return limit, win
	}
	return l.cfg.Requests, l.cfg.Window
}

// Admit 判定 identity 在 class 上的一次请求是否放行
// 被拒绝的请求不计入额度
func (l *Limiter) Admit(identity, class string) Decision {
	limit, win := l.budget(class)
	key := identity + ":" + class
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil {
		w = &window{start: now}
		l.windows[key] = w
	}

	// 窗口过期则重置
	if now.Sub(w.start) >= win {
		w.count = 0
		w.start = now
	}

	if w.count >= limit {
		retry := win - now.Sub(w.start)
		if retry <= 0 {
			retry = time.Nanosecond
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}
	}

	w.count++
	return Decision{Allowed: true, Remaining: limit - w.count}
}

// Reset 清空某身份在某端点类别上的计数（测试用）
func (l *Limiter) Reset(identity, class string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, identity+":"+class)
}
