package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"tripflow/internal/ai/component"
	"tripflow/internal/apperr"
	"tripflow/internal/config"
	"tripflow/internal/model"
)

const defaultSystemPrompt = "You are a helpful travel assistant. Answer concisely and accurately."

// ChatChain 对话链 - 封装 Eino ChatModel
// 职责: LLM 对话能力，消息格式转换
type ChatChain struct {
	chatModel einomodel.ChatModel
	timeout   time.Duration
}

// NewChatChain 创建对话链
func NewChatChain(ctx context.Context, cfg *config.AIConfig) (*ChatChain, error) {
	chatModel, err := component.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &ChatChain{
		chatModel: chatModel,
		timeout:   timeout,
	}, nil
}

// Run 同步执行对话
func (c *ChatChain) Run(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.chatModel.Generate(ctx, buildMessages(req), callOptions(req)...)
	if err != nil {
		return nil, apperr.Upstream(err)
	}

	var usage *model.TokenUsage
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		usage = &model.TokenUsage{
			PromptTokens:     resp.ResponseMeta.Usage.PromptTokens,
			CompletionTokens: resp.ResponseMeta.Usage.CompletionTokens,
			TotalTokens:      resp.ResponseMeta.Usage.TotalTokens,
		}
	}

	return &ChatResponse{
		Content: resp.Content,
		Usage:   usage,
	}, nil
}

// Stream 流式执行对话
// 返回的通道在终止片段（Done 或 Error）之后关闭；调用方取消 ctx 即可提前终止
// 建连和首个片段受链路超时约束，之后的片段间隔不设限
func (c *ChatChain) Stream(ctx context.Context, req *ChatRequest) (<-chan *model.ChatChunk, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	firstToken := time.AfterFunc(c.timeout, cancel)

	reader, err := c.chatModel.Stream(streamCtx, buildMessages(req), callOptions(req)...)
	if err != nil {
		firstToken.Stop()
		cancel()
		return nil, apperr.Upstream(err)
	}

	ch := make(chan *model.ChatChunk, 16)

	go func() {
		defer close(ch)
		defer cancel()
		defer reader.Close()

		var usage *model.TokenUsage
		for {
			msg, err := reader.Recv()
			firstToken.Stop()
			if errors.Is(err, io.EOF) {
				emit(ctx, ch, &model.ChatChunk{Done: true, Usage: usage})
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if streamCtx.Err() != nil {
					err = fmt.Errorf("no response from upstream within %s", c.timeout)
				}
				log.Warn().Err(err).Msg("chat stream interrupted")
				emit(ctx, ch, &model.ChatChunk{Error: err.Error()})
				return
			}

			// usage 通常随最后一个片段上报
			if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
				usage = &model.TokenUsage{
					PromptTokens:     msg.ResponseMeta.Usage.PromptTokens,
					CompletionTokens: msg.ResponseMeta.Usage.CompletionTokens,
					TotalTokens:      msg.ResponseMeta.Usage.TotalTokens,
				}
			}
			if msg.Content == "" {
				continue
			}
			if !emit(ctx, ch, &model.ChatChunk{Content: msg.Content}) {
				return
			}
		}
	}()

	return ch, nil
}

// emit 发送片段，消费方取消时返回 false
func emit(ctx context.Context, ch chan<- *model.ChatChunk, chunk *model.ChatChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- chunk:
		return true
	}
}

// buildMessages 组装发往模型的消息序列
func buildMessages(req *ChatRequest) []*schema.Message {
	messages := make([]*schema.Message, 0, len(req.History)+2)
	messages = append(messages, schema.SystemMessage(defaultSystemPrompt))

	for _, m := range req.History {
		switch m.Role {
		case model.RoleSystem:
			messages = append(messages, schema.SystemMessage(m.Content))
		case model.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(m.Content, nil))
		default:
			messages = append(messages, schema.UserMessage(m.Content))
		}
	}

	messages = append(messages, schema.UserMessage(req.Message))
	return messages
}

// callOptions 请求级参数覆盖配置默认值
func callOptions(req *ChatRequest) []einomodel.Option {
	var opts []einomodel.Option
	if req.Model != "" {
		opts = append(opts, einomodel.WithModel(req.Model))
	}
	if req.Options == nil {
		return opts
	}
	if req.Options.Temperature != nil {
		opts = append(opts, einomodel.WithTemperature(float32(*req.Options.Temperature)))
	}
	if req.Options.MaxTokens != nil {
		opts = append(opts, einomodel.WithMaxTokens(*req.Options.MaxTokens))
	}
	if req.Options.TopP != nil {
		opts = append(opts, einomodel.WithTopP(float32(*req.Options.TopP)))
	}
	return opts
}
