package ai

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"tripflow/internal/config"
	"tripflow/internal/model"
)

// Client AI 能力层客户端
// 职责: 封装所有 AI 能力，提供统一接口
type Client struct {
	cfg       *config.AIConfig
	chatChain *ChatChain // 对话链
}

// NewClient 创建 AI 客户端
func NewClient(ctx context.Context, cfg *config.AIConfig) (*Client, error) {
	if cfg.APIKey == "" {
		log.Warn().Msg("AI API key not configured")
	}

	chatChain, err := NewChatChain(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat chain: %w", err)
	}

	return &Client{
		cfg:       cfg,
		chatChain: chatChain,
	}, nil
}

// ChatRequest AI 对话请求
// History 为已有轮次，Message 为本轮用户输入
type ChatRequest struct {
	Message string
	History []model.Message
	Model   string
	Options *model.ChatOptions
}

// ChatResponse AI 对话响应
type ChatResponse struct {
	Content string
	Usage   *model.TokenUsage
}

// Chat 同步对话
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return c.chatChain.Run(ctx, req)
}

// ChatStream 流式对话
func (c *Client) ChatStream(ctx context.Context, req *ChatRequest) (<-chan *model.ChatChunk, error) {
	return c.chatChain.Stream(ctx, req)
}

// Close 关闭客户端
func (c *Client) Close() error {
	return nil
}
