package speech

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"tripflow/internal/pkg/asr"
)

// State 会话状态机
// Connecting -> Active -> Closing -> Closed，任一阶段出错进入 Errored
type State int

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// 会话事件类型
const (
	EventSessionStarted = "session_started"
	EventPartial        = "partial_transcript"
	EventFinal          = "final_transcript"
	EventDropped        = "audio_dropped"
	EventError          = "error"
	EventSessionClosed  = "session_closed"
)

// Event 下发给客户端的会话事件
// 同一会话的事件保持识别结果到达顺序
type Event struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"session_id,omitempty"`
	Text       string  `json:"text,omitempty"`
	Final      bool    `json:"final,omitempty"`
	Confidence float32 `json:"confidence,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Info 会话快照，查询接口使用
type Info struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

var (
	// ErrBufferFull 音频帧缓冲已满，当前帧被丢弃
	ErrBufferFull = errors.New("audio frame buffer full")
	// ErrSessionClosed 会话已不接收音频
	ErrSessionClosed = errors.New("session closed")
)

// Session 一路实时识别会话
// 上行音频和下行事件各由一个 goroutine 搬运，保证两个方向内的顺序
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	stream asr.Stream
	frames chan []byte
	events chan Event

	cancel     context.CancelFunc
	finishCh   chan struct{}
	finishOnce sync.Once
	closeOnce  sync.Once
	onClose    func(id string)

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	eventsClosed bool
}

// Events 会话事件流，会话终止后关闭
func (s *Session) Events() <-chan Event {
	return s.events
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot 会话快照
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		UserID:       s.UserID,
		State:        s.state.String(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

// PushFrame 投递一帧音频
// 缓冲满时丢弃当前帧并向客户端发送降级事件，不阻塞读取方
func (s *Session) PushFrame(data []byte) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	// 读缓冲会被复用，必须拷贝
	frame := make([]byte, len(data))
	copy(frame, data)

	select {
	case s.frames <- frame:
		return nil
	default:
		s.tryEmit(Event{Type: EventDropped, SessionID: s.ID})
		return ErrBufferFull
	}
}

// FinishAudio 声明音频发送完毕
// 已缓冲的帧仍会送达识别端，之后等待剩余识别结果
func (s *Session) FinishAudio() {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateActive {
			s.state = StateClosing
		}
		s.mu.Unlock()
		close(s.finishCh)
	})
}

// Close 立即终止会话，未送出的识别结果被放弃
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateActive || s.state == StateConnecting {
			s.state = StateClosing
		}
		s.mu.Unlock()
		s.cancel()
	})
}

// idleSince 距最后一次活动的时长
func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// run 驱动会话直到识别流终止
func (s *Session) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	// 任一方向失败或会话被关闭时切断识别流，解除另一方向的阻塞
	go func() {
		<-gctx.Done()
		s.stream.Close()
	}()

	// 音频上行
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-s.finishCh:
				return s.flushAndCloseSend()
			case frame := <-s.frames:
				if err := s.stream.Send(frame); err != nil {
					return err
				}
			}
		}
	})

	// 识别结果下行，单 goroutine 消费保证事件顺序
	// 识别流结束即会话结束，顺带解除上行阻塞
	g.Go(func() error {
		defer s.cancel()
		for res := range s.stream.Results() {
			s.touch()
			typ := EventPartial
			if res.Final {
				typ = EventFinal
			}
			ev := Event{
				Type:       typ,
				SessionID:  s.ID,
				Text:       res.Text,
				Final:      res.Final,
				Confidence: res.Confidence,
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case s.events <- ev:
			}
		}
		return s.stream.Err()
	})

	err := g.Wait()
	s.finish(err)
}

// flushAndCloseSend 清空已缓冲的帧后半关
func (s *Session) flushAndCloseSend() error {
	for {
		select {
		case frame := <-s.frames:
			if err := s.stream.Send(frame); err != nil {
				return err
			}
		default:
			return s.stream.CloseSend()
		}
	}
}

// finish 收尾：定状态、发终止事件、退出注册表
// 识别流自身的错误优先于取消类错误
func (s *Session) finish(err error) {
	if serr := s.stream.Err(); serr != nil {
		err = serr
	}
	failed := err != nil && !errors.Is(err, context.Canceled)

	s.mu.Lock()
	if failed {
		s.state = StateErrored
	} else {
		s.state = StateClosed
	}
	s.mu.Unlock()

	if failed {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("speech session failed")
		s.tryEmit(Event{Type: EventError, SessionID: s.ID, Message: err.Error()})
	}
	s.tryEmit(Event{Type: EventSessionClosed, SessionID: s.ID})

	s.mu.Lock()
	s.eventsClosed = true
	close(s.events)
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose(s.ID)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// tryEmit 非关键事件的尽力投递，消费方跟不上时丢弃
// 持锁发送，避免与事件通道关闭竞争
func (s *Session) tryEmit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}
