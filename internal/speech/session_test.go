package speech

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"tripflow/internal/apperr"
	"tripflow/internal/config"
	"tripflow/internal/pkg/asr"
)

// fakeStream 可编排的识别流
type fakeStream struct {
	mu         sync.Mutex
	frames     [][]byte
	err        error
	closeSends int

	results   chan asr.Result
	closeOnce sync.Once

	blockSend chan struct{} // 非空时 Send 阻塞等待
}

func newFakeStream() *fakeStream {
	return &fakeStream{results: make(chan asr.Result, 16)}
}

func (f *fakeStream) Send(audio []byte) error {
	if f.blockSend != nil {
		<-f.blockSend
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := append([]byte(nil), audio...)
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeStream) Results() <-chan asr.Result { return f.results }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	f.closeSends++
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Close() error {
	f.finishResults()
	return nil
}

// finishResults 识别端结束结果流
func (f *fakeStream) finishResults() {
	f.closeOnce.Do(func() { close(f.results) })
}

func (f *fakeStream) emit(text string, final bool, confidence float32) {
	f.results <- asr.Result{Text: text, Final: final, Confidence: confidence}
}

func (f *fakeStream) sentFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeStream) closeSendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeSends
}

func (f *fakeStream) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// fakeRecognizer 每次 Open 返回一个新的 fakeStream
// openGate 非空时，Open 会阻塞到收到放行信号，用于模拟慢建连
type fakeRecognizer struct {
	mu        sync.Mutex
	streams   []*fakeStream
	openErr   error
	openGate  chan struct{}
	openCalls int
}

func (f *fakeRecognizer) Open(ctx context.Context, cfg asr.StreamConfig) (asr.Stream, error) {
	f.mu.Lock()
	f.openCalls++
	gate := f.openGate
	openErr := f.openErr
	f.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}
	if gate != nil {
		<-gate
	}

	stream := newFakeStream()
	f.mu.Lock()
	f.streams = append(f.streams, stream)
	f.mu.Unlock()
	return stream, nil
}

func (f *fakeRecognizer) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls
}

func (f *fakeRecognizer) Close() error { return nil }

func (f *fakeRecognizer) last() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

func testConfig() config.SpeechConfig {
	return config.SpeechConfig{
		Provider:       "google",
		Language:       "zh-CN",
		SampleRate:     16000,
		Encoding:       "linear16",
		InterimResults: true,
		MaxSessions:    4,
		FrameBuffer:    8,
		SessionTimeout: time.Minute,
	}
}

func nextEvent(ch <-chan Event) (Event, bool) {
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(2 * time.Second):
		return Event{}, false
	}
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestManager_Sessions(t *testing.T) {
	Convey("语音会话管理", t, func() {
		rec := &fakeRecognizer{}
		mgr := NewManager(rec, testConfig())

		Convey("建立会话后立即收到 session_started", func() {
			sess, err := mgr.Open(context.Background(), "user-1")
			So(err, ShouldBeNil)
			So(sess.State(), ShouldEqual, StateActive)
			So(mgr.Count(), ShouldEqual, 1)

			ev, ok := nextEvent(sess.Events())
			So(ok, ShouldBeTrue)
			So(ev.Type, ShouldEqual, EventSessionStarted)
			So(ev.SessionID, ShouldEqual, sess.ID)

			sess.Close()
		})

		Convey("识别结果按到达顺序转发并区分 partial/final", func() {
			sess, err := mgr.Open(context.Background(), "user-1")
			So(err, ShouldBeNil)
			stream := rec.last()

			stream.emit("去京", false, 0)
			stream.emit("去京都的新干线", false, 0)
			stream.emit("去京都的新干线怎么买票", true, 0.93)
			stream.finishResults()

			ev, _ := nextEvent(sess.Events())
			So(ev.Type, ShouldEqual, EventSessionStarted)

			ev, _ = nextEvent(sess.Events())
			So(ev.Type, ShouldEqual, EventPartial)
			So(ev.Text, ShouldEqual, "去京")
			So(ev.Final, ShouldBeFalse)

			ev, _ = nextEvent(sess.Events())
			So(ev.Type, ShouldEqual, EventPartial)
			So(ev.Text, ShouldEqual, "去京都的新干线")

			ev, _ = nextEvent(sess.Events())
			So(ev.Type, ShouldEqual, EventFinal)
			So(ev.Text, ShouldEqual, "去京都的新干线怎么买票")
			So(ev.Final, ShouldBeTrue)
			So(ev.Confidence, ShouldAlmostEqual, 0.93, 0.0001)

			ev, ok := nextEvent(sess.Events())
			So(ok, ShouldBeTrue)
			So(ev.Type, ShouldEqual, EventSessionClosed)

			_, open := nextEvent(sess.Events())
			So(open, ShouldBeFalse)
			So(sess.State(), ShouldEqual, StateClosed)
			So(waitFor(func() bool { return mgr.Count() == 0 }), ShouldBeTrue)
		})

		Convey("音频帧送达识别流", func() {
			sess, err := mgr.Open(context.Background(), "user-1")
			So(err, ShouldBeNil)
			stream := rec.last()

			So(sess.PushFrame([]byte{1, 2, 3}), ShouldBeNil)
			So(sess.PushFrame([]byte{4, 5, 6}), ShouldBeNil)
			So(waitFor(func() bool { return stream.sentFrames() == 2 }), ShouldBeTrue)

			sess.Close()
		})

		Convey("缓冲满时丢帧并发出降级事件", func() {
			cfg := testConfig()
			cfg.FrameBuffer = 1
			mgr := NewManager(rec, cfg)

			sess, err := mgr.Open(context.Background(), "user-1")
			So(err, ShouldBeNil)
			stream := rec.last()
			stream.blockSend = make(chan struct{})

			// 第一帧被上行 goroutine 取走后卡在 Send，第二帧占满缓冲
			So(sess.PushFrame([]byte{1}), ShouldBeNil)
			So(waitFor(func() bool {
				return sess.PushFrame([]byte{2}) == nil
			}), ShouldBeTrue)

			var dropErr error
			So(waitFor(func() bool {
				dropErr = sess.PushFrame([]byte{3})
				return dropErr != nil
			}), ShouldBeTrue)
			So(dropErr, ShouldEqual, ErrBufferFull)

			ev, _ := nextEvent(sess.Events())
			So(ev.Type, ShouldEqual, EventSessionStarted)
			ev, _ = nextEvent(sess.Events())
			So(ev.Type, ShouldEqual, EventDropped)

			close(stream.blockSend)
			sess.Close()
		})

		Convey("FinishAudio 后缓冲帧仍然送达并半关识别流", func() {
			sess, err := mgr.Open(context.Background(), "user-1")
			So(err, ShouldBeNil)
			stream := rec.last()

			So(sess.PushFrame([]byte{1}), ShouldBeNil)
			So(sess.PushFrame([]byte{2}), ShouldBeNil)
			sess.FinishAudio()

			So(waitFor(func() bool { return stream.closeSendCount() == 1 }), ShouldBeTrue)
			So(stream.sentFrames(), ShouldEqual, 2)

			// 半关后不再接收音频
			So(sess.PushFrame([]byte{3}), ShouldEqual, ErrSessionClosed)

			stream.emit("好的", true, 0.9)
			stream.finishResults()

			So(waitFor(func() bool { return sess.State() == StateClosed }), ShouldBeTrue)
		})

		Convey("识别流异常时进入 errored 并下发错误事件", func() {
			sess, err := mgr.Open(context.Background(), "user-1")
			So(err, ShouldBeNil)
			stream := rec.last()

			stream.setErr(context.DeadlineExceeded)
			stream.finishResults()

			ev, _ := nextEvent(sess.Events())
			So(ev.Type, ShouldEqual, EventSessionStarted)
			ev, _ = nextEvent(sess.Events())
			So(ev.Type, ShouldEqual, EventError)
			ev, _ = nextEvent(sess.Events())
			So(ev.Type, ShouldEqual, EventSessionClosed)

			So(waitFor(func() bool { return sess.State() == StateErrored }), ShouldBeTrue)
		})

		Convey("并发会话数达到上限后拒绝新会话", func() {
			cfg := testConfig()
			cfg.MaxSessions = 2
			mgr := NewManager(rec, cfg)

			s1, err := mgr.Open(context.Background(), "user-1")
			So(err, ShouldBeNil)
			s2, err := mgr.Open(context.Background(), "user-2")
			So(err, ShouldBeNil)

			_, err = mgr.Open(context.Background(), "user-3")
			So(apperr.KindOf(err), ShouldEqual, apperr.KindRateLimited)
			So(apperr.AsError(err).RetryAfter, ShouldBeGreaterThan, 0)

			s1.Close()
			So(waitFor(func() bool { return mgr.Count() == 1 }), ShouldBeTrue)

			s3, err := mgr.Open(context.Background(), "user-3")
			So(err, ShouldBeNil)

			s2.Close()
			s3.Close()
		})

		Convey("建连中的会话同样计入并发上限", func() {
			cfg := testConfig()
			cfg.MaxSessions = 1
			gate := make(chan struct{})
			slowRec := &fakeRecognizer{openGate: gate}
			mgr := NewManager(slowRec, cfg)

			done := make(chan error, 1)
			go func() {
				sess, err := mgr.Open(context.Background(), "user-1")
				if sess != nil {
					defer sess.Close()
				}
				done <- err
			}()
			So(waitFor(func() bool { return slowRec.opens() == 1 }), ShouldBeTrue)

			// 首个会话还没注册完成，第二个也要被拒绝
			_, err := mgr.Open(context.Background(), "user-2")
			So(apperr.KindOf(err), ShouldEqual, apperr.KindRateLimited)

			close(gate)
			So(<-done, ShouldBeNil)
		})

		Convey("空闲会话被定期回收", func() {
			cfg := testConfig()
			cfg.SessionTimeout = 20 * time.Millisecond
			mgr := NewManager(rec, cfg)

			sess, err := mgr.Open(context.Background(), "user-1")
			So(err, ShouldBeNil)

			time.Sleep(40 * time.Millisecond)
			So(mgr.CleanupExpired(), ShouldEqual, 1)
			So(waitFor(func() bool { return mgr.Count() == 0 }), ShouldBeTrue)
			So(waitFor(func() bool { return sess.State() == StateClosed }), ShouldBeTrue)
		})

		Convey("按 ID 查询会话快照", func() {
			sess, err := mgr.Open(context.Background(), "user-1")
			So(err, ShouldBeNil)

			got, ok := mgr.Get(sess.ID)
			So(ok, ShouldBeTrue)
			info := got.Snapshot()
			So(info.ID, ShouldEqual, sess.ID)
			So(info.UserID, ShouldEqual, "user-1")
			So(info.State, ShouldEqual, "active")

			_, ok = mgr.Get("missing")
			So(ok, ShouldBeFalse)

			sess.Close()
		})
	})
}
