package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tripflow/internal/apperr"
	"tripflow/internal/config"
	"tripflow/internal/speech"
)

const writeTimeout = 10 * time.Second

// SpeechHandler 实时语音识别处理器
type SpeechHandler struct {
	manager  *speech.Manager
	cfg      config.SpeechConfig
	upgrader websocket.Upgrader
}

// NewSpeechHandler 创建语音识别处理器
func NewSpeechHandler(manager *speech.Manager, cfg config.SpeechConfig) *SpeechHandler {
	return &SpeechHandler{
		manager: manager,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 鉴权走 JWT，不依赖 Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Config 返回识别参数，客户端按此准备音频
func (h *SpeechHandler) Config(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"provider":        h.cfg.Provider,
		"language":        h.cfg.Language,
		"sample_rate":     h.cfg.SampleRate,
		"encoding":        h.cfg.Encoding,
		"interim_results": h.cfg.InterimResults,
		"max_sessions":    h.cfg.MaxSessions,
	})
}

// GetSession 查询会话状态
func (h *SpeechHandler) GetSession(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	sess, found := h.manager.Get(c.Param("id"))
	if !found {
		writeError(c, apperr.NotFound("session not found"))
		return
	}
	if sess.UserID != userID {
		writeError(c, apperr.Forbidden("session belongs to another user"))
		return
	}

	c.JSON(http.StatusOK, sess.Snapshot())
}

// clientCommand 客户端文本帧控制指令
type clientCommand struct {
	Type string `json:"type"` // finish / close
}

// Realtime WebSocket 双工识别
// 上行: 二进制帧为音频，文本帧为控制指令
// 下行: JSON 事件，顺序与识别结果一致
func (h *SpeechHandler) Realtime(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	// 会话准入在升级前完成，拒绝走普通 HTTP 响应
	sess, err := h.manager.Open(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sess.Close()
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	defer sess.Close()

	// 唯一写入方，保证下行事件顺序
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range sess.Events() {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				sess.Close()
				// 继续排空，等会话收尾
				for range sess.Events() {
				}
				return
			}
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()

	// 会话在服务端终止时切断连接，解除读阻塞
	go func() {
		<-writerDone
		conn.Close()
	}()

	h.readLoop(conn, sess)
	<-writerDone
}

// readLoop 消费上行帧直到连接断开或会话终止
func (h *SpeechHandler) readLoop(conn *websocket.Conn, sess *speech.Session) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session_id", sess.ID).Msg("websocket read ended")
			}
			sess.Close()
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			// 缓冲满时该帧被丢弃，降级事件已由会话发出
			if err := sess.PushFrame(data); err != nil && err != speech.ErrBufferFull {
				return
			}
		case websocket.TextMessage:
			var cmd clientCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			switch cmd.Type {
			case "finish":
				sess.FinishAudio()
			case "close":
				sess.Close()
				return
			}
		}
	}
}
