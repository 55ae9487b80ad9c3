package speech

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tripflow/internal/apperr"
	"tripflow/internal/config"
	"tripflow/internal/pkg/asr"
	"tripflow/internal/pkg/id"
)

const (
	cleanupInterval = time.Minute

	// 会话拒绝后的重试提示，会话随时可能结束，给一个短间隔
	sessionRetryHint = 5 * time.Second
)

// Manager 会话注册表
// 负责并发上限、空闲回收和按 ID 查询
type Manager struct {
	rec asr.Recognizer
	cfg config.SpeechConfig

	mu       sync.Mutex
	sessions map[string]*Session
	opening  int // 已通过上限检查但尚未注册的会话数
}

// NewManager 创建会话管理器
func NewManager(rec asr.Recognizer, cfg config.SpeechConfig) *Manager {
	return &Manager{
		rec:      rec,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Open 建立新会话并启动识别流
// 并发会话达到上限时直接拒绝，不排队
func (m *Manager) Open(ctx context.Context, userID string) (*Session, error) {
	// 预占名额，持锁完成检查，避免并发建连越过上限
	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions)+m.opening >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, &apperr.Error{
			Kind:       apperr.KindRateLimited,
			Code:       42901,
			Message:    "too many active speech sessions",
			RetryAfter: sessionRetryHint,
		}
	}
	m.opening++
	m.mu.Unlock()

	// 会话生命周期独立于建连请求，由注册表统一回收
	sessCtx, cancel := context.WithCancel(context.Background())

	stream, err := m.rec.Open(sessCtx, asr.StreamConfig{
		Language:       m.cfg.Language,
		SampleRate:     m.cfg.SampleRate,
		Encoding:       m.cfg.Encoding,
		Model:          m.cfg.Model,
		InterimResults: m.cfg.InterimResults,
	})
	if err != nil {
		cancel()
		m.mu.Lock()
		m.opening--
		m.mu.Unlock()
		return nil, apperr.Upstream(err)
	}

	now := time.Now()
	sess := &Session{
		ID:           id.New(),
		UserID:       userID,
		CreatedAt:    now,
		stream:       stream,
		frames:       make(chan []byte, m.cfg.FrameBuffer),
		events:       make(chan Event, 32),
		cancel:       cancel,
		finishCh:     make(chan struct{}),
		onClose:      m.remove,
		state:        StateActive,
		lastActivity: now,
	}

	m.mu.Lock()
	m.opening--
	m.sessions[sess.ID] = sess
	total := len(m.sessions)
	m.mu.Unlock()

	go sess.run(sessCtx)
	sess.tryEmit(Event{Type: EventSessionStarted, SessionID: sess.ID})

	log.Info().Str("session_id", sess.ID).Str("user_id", userID).
		Int("active_sessions", total).Msg("speech session opened")
	return sess, nil
}

// Get 按 ID 查询会话
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// Count 当前活跃会话数
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CleanupExpired 关闭超过空闲阈值的会话，返回回收数量
func (m *Manager) CleanupExpired() int {
	if m.cfg.SessionTimeout <= 0 {
		return 0
	}

	now := time.Now()
	m.mu.Lock()
	var expired []*Session
	for _, sess := range m.sessions {
		if sess.idleSince(now) > m.cfg.SessionTimeout {
			expired = append(expired, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		log.Info().Str("session_id", sess.ID).Msg("speech session expired")
		sess.Close()
	}
	return len(expired)
}

// Run 周期回收空闲会话，直到 ctx 取消
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

// Shutdown 关闭全部会话
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.mu.Unlock()

	for _, sess := range all {
		sess.Close()
	}
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}
