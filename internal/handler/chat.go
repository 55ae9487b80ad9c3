package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"tripflow/internal/apperr"
	"tripflow/internal/model"
	"tripflow/internal/service"
)

// ChatHandler 对话处理器
type ChatHandler struct {
	svc *service.ChatService
}

// NewChatHandler 创建对话处理器
func NewChatHandler(svc *service.ChatService) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// Chat 对话接口
// 同步等待完整回复，用户消息和回复都会写入对话历史
func (h *ChatHandler) Chat(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body", err.Error()))
		return
	}

	resp, err := h.svc.Chat(c.Request.Context(), userID, &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ChatStream 流式对话接口 (SSE)
// 事件: message (增量内容) / done (含 usage) / error
func (h *ChatHandler) ChatStream(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body", err.Error()))
		return
	}

	result, err := h.svc.ChatStream(c.Request.Context(), userID, &req)
	if err != nil {
		writeError(c, err)
		return
	}

	// 设置 SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Conversation-ID", result.ConversationID)

	c.Stream(func(w io.Writer) bool {
		chunk, ok := <-result.Chunks
		if !ok {
			return false
		}
		switch {
		case chunk.Error != "":
			c.SSEvent("error", gin.H{"error": chunk.Error})
			return false
		case chunk.Done:
			c.SSEvent("done", gin.H{
				"conversation_id": result.ConversationID,
				"usage":           chunk.Usage,
			})
			return false
		default:
			c.SSEvent("message", gin.H{"content": chunk.Content})
			return true
		}
	})
}
