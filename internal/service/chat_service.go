package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"tripflow/internal/ai"
	"tripflow/internal/apperr"
	"tripflow/internal/model"
	"tripflow/internal/pkg/id"
	"tripflow/internal/pkg/titlegen"
)

// assistant 消息落库的独立超时，不跟随客户端连接
const commitTimeout = 10 * time.Second

// ConversationStore 对话服务需要的存储能力
type ConversationStore interface {
	Create(ctx context.Context, conv *model.Conversation) error
	FindByID(ctx context.Context, userID, convID string) (*model.Conversation, error)
	AppendMessage(ctx context.Context, userID, convID string, msg model.Message) (*model.Conversation, error)
}

// Completer 对话服务需要的模型能力
type Completer interface {
	Chat(ctx context.Context, req *ai.ChatRequest) (*ai.ChatResponse, error)
	ChatStream(ctx context.Context, req *ai.ChatRequest) (<-chan *model.ChatChunk, error)
}

// ChatService 对话服务 - 业务逻辑层
// 职责: 编排 AI 层和数据层，实现业务流程
type ChatService struct {
	completer    Completer
	store        ConversationStore
	titles       *titlegen.Generator
	defaultModel string
}

// NewChatService 创建对话服务
func NewChatService(completer Completer, store ConversationStore, defaultModel string) *ChatService {
	return &ChatService{
		completer:    completer,
		store:        store,
		titles:       titlegen.New(),
		defaultModel: defaultModel,
	}
}

// StreamResult 流式对话结果
// ConversationID 在流开始前就已确定，新建对话时由服务端生成
type StreamResult struct {
	ConversationID string
	Chunks         <-chan *model.ChatChunk
}

// Chat 处理对话请求
// 业务流程: 1. 定位/创建对话 -> 2. 记录用户消息 -> 3. 调用 AI -> 4. 记录回复
func (s *ChatService) Chat(ctx context.Context, userID string, req *model.ChatRequest) (*model.ChatResponse, error) {
	conv, history, err := s.prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("conversation_id", conv.ID).Str("user_id", userID).Logger()

	aiResp, err := s.completer.Chat(ctx, &ai.ChatRequest{
		Message: req.Message,
		History: history,
		Model:   req.Model,
		Options: req.Options,
	})
	if err != nil {
		logger.Error().Err(err).Msg("AI chat failed")
		return nil, err
	}

	assistantMsg := model.Message{
		Role:       model.RoleAssistant,
		Content:    aiResp.Content,
		Timestamp:  time.Now(),
		TokenUsage: aiResp.Usage,
	}
	if _, err := s.store.AppendMessage(ctx, userID, conv.ID, assistantMsg); err != nil {
		logger.Warn().Err(err).Msg("failed to save assistant message")
	}

	if aiResp.Usage != nil {
		logger.Info().
			Int("prompt_tokens", aiResp.Usage.PromptTokens).
			Int("completion_tokens", aiResp.Usage.CompletionTokens).
			Msg("chat completed")
	}

	return &model.ChatResponse{
		ID:             "chatcmpl-" + id.New(),
		Object:         "chat.completion",
		Created:        time.Now().Unix(),
		Model:          s.modelName(req.Model),
		ConversationID: conv.ID,
		Message:        assistantMsg,
		Usage:          aiResp.Usage,
	}, nil
}

// ChatStream 流式对话
// 回复片段边到边转发，同时在服务端累积全文；只有收到终止的 Done 片段
// 才把完整回复落库，客户端中途断开或上游报错时不留半条回复
func (s *ChatService) ChatStream(ctx context.Context, userID string, req *model.ChatRequest) (*StreamResult, error) {
	conv, history, err := s.prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	src, err := s.completer.ChatStream(ctx, &ai.ChatRequest{
		Message: req.Message,
		History: history,
		Model:   req.Model,
		Options: req.Options,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan *model.ChatChunk, 16)
	go s.pump(ctx, userID, conv.ID, src, out)

	return &StreamResult{
		ConversationID: conv.ID,
		Chunks:         out,
	}, nil
}

// pump 转发片段并在流正常完成后提交 assistant 消息
func (s *ChatService) pump(ctx context.Context, userID, convID string, src <-chan *model.ChatChunk, out chan<- *model.ChatChunk) {
	defer close(out)

	var full strings.Builder
	var usage *model.TokenUsage

	for chunk := range src {
		if ctx.Err() != nil {
			log.Debug().Str("conversation_id", convID).Msg("stream consumer gone, reply discarded")
			return
		}
		if chunk.Content != "" {
			full.WriteString(chunk.Content)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}

		select {
		case <-ctx.Done():
			log.Debug().Str("conversation_id", convID).Msg("stream consumer gone, reply discarded")
			return
		case out <- chunk:
		}

		if chunk.Error != "" {
			log.Warn().Str("conversation_id", convID).Str("error", chunk.Error).
				Msg("stream ended with upstream error, reply discarded")
			return
		}
		if chunk.Done {
			s.commitAssistant(userID, convID, full.String(), usage)
			return
		}
	}
}

// commitAssistant 提交完整回复，用独立超时兜底
func (s *ChatService) commitAssistant(userID, convID, content string, usage *model.TokenUsage) {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	msg := model.Message{
		Role:       model.RoleAssistant,
		Content:    content,
		Timestamp:  time.Now(),
		TokenUsage: usage,
	}
	if _, err := s.store.AppendMessage(ctx, userID, convID, msg); err != nil {
		log.Warn().Err(err).Str("conversation_id", convID).Msg("failed to save assistant message")
	}
}

// prepare 定位或创建对话，记录用户消息，返回调用模型用的历史
// 返回的 history 不含本轮用户消息，本轮消息由 AI 层单独携带
func (s *ChatService) prepare(ctx context.Context, userID string, req *model.ChatRequest) (*model.Conversation, []model.Message, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, nil, apperr.Validation("message is required", "")
	}
	if err := validateOptions(req.Options); err != nil {
		return nil, nil, err
	}

	var conv *model.Conversation
	var err error
	if req.ConversationID != "" {
		conv, err = s.store.FindByID(ctx, userID, req.ConversationID)
		if err != nil {
			return nil, nil, err
		}
	} else {
		conv = &model.Conversation{
			UserID: userID,
			Title:  s.titles.FromMessage(req.Message),
			Model:  s.modelName(req.Model),
		}
		if err := s.store.Create(ctx, conv); err != nil {
			return nil, nil, err
		}
	}

	history := conv.Messages

	userMsg := model.Message{
		Role:      model.RoleUser,
		Content:   req.Message,
		Timestamp: time.Now(),
	}
	if _, err := s.store.AppendMessage(ctx, userID, conv.ID, userMsg); err != nil {
		return nil, nil, err
	}

	return conv, history, nil
}

// validateOptions 模型参数越界在触达上游之前拒绝
func validateOptions(opts *model.ChatOptions) error {
	if opts == nil {
		return nil
	}
	if opts.Temperature != nil && (*opts.Temperature < 0 || *opts.Temperature > 2) {
		return apperr.Validation("invalid temperature", "temperature must be between 0 and 2")
	}
	if opts.MaxTokens != nil && (*opts.MaxTokens < 1 || *opts.MaxTokens > 8192) {
		return apperr.Validation("invalid max_tokens", "max_tokens must be between 1 and 8192")
	}
	if opts.TopP != nil && (*opts.TopP < 0 || *opts.TopP > 1) {
		return apperr.Validation("invalid top_p", "top_p must be between 0 and 1")
	}
	return nil
}

func (s *ChatService) modelName(requested string) string {
	if requested != "" {
		return requested
	}
	return s.defaultModel
}
