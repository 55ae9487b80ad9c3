package ai

import (
	"context"
	"strings"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	. "github.com/smartystreets/goconvey/convey"

	"tripflow/internal/model"
)

// fakeChatModel 可编排的模型桩
// hang 为 true 时流上不吐任何片段，直到 ctx 取消
type fakeChatModel struct {
	pieces []string
	hang   bool
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	return schema.AssistantMessage(strings.Join(f.pieces, ""), nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](len(f.pieces) + 1)
	go func() {
		defer sw.Close()
		if f.hang {
			<-ctx.Done()
			sw.Send(nil, ctx.Err())
			return
		}
		for _, p := range f.pieces {
			sw.Send(schema.AssistantMessage(p, nil), nil)
		}
	}()
	return sr, nil
}

func (f *fakeChatModel) BindTools(tools []*schema.ToolInfo) error { return nil }

// collect 读取片段直到通道关闭或超时
func collect(ch <-chan *model.ChatChunk, timeout time.Duration) []*model.ChatChunk {
	var got []*model.ChatChunk
	deadline := time.After(timeout)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, chunk)
		case <-deadline:
			return got
		}
	}
}

func TestChatChain_Stream(t *testing.T) {
	Convey("流式对话链", t, func() {
		Convey("片段按序转发并以 Done 收尾", func() {
			chain := &ChatChain{
				chatModel: &fakeChatModel{pieces: []string{"你好", "，世界"}},
				timeout:   time.Second,
			}
			ch, err := chain.Stream(context.Background(), &ChatRequest{Message: "hi"})
			So(err, ShouldBeNil)

			got := collect(ch, 2*time.Second)
			So(len(got), ShouldEqual, 3)
			So(got[0].Content, ShouldEqual, "你好")
			So(got[1].Content, ShouldEqual, "，世界")
			So(got[2].Done, ShouldBeTrue)
		})

		Convey("上游一直不响应时在链路超时内收到错误片段", func() {
			chain := &ChatChain{
				chatModel: &fakeChatModel{hang: true},
				timeout:   50 * time.Millisecond,
			}
			ch, err := chain.Stream(context.Background(), &ChatRequest{Message: "hi"})
			So(err, ShouldBeNil)

			got := collect(ch, 2*time.Second)
			So(len(got), ShouldEqual, 1)
			So(got[0].Done, ShouldBeFalse)
			So(got[0].Error, ShouldContainSubstring, "no response from upstream")
		})

		Convey("调用方取消时静默收尾，不产出错误片段", func() {
			chain := &ChatChain{
				chatModel: &fakeChatModel{hang: true},
				timeout:   time.Minute,
			}
			ctx, cancel := context.WithCancel(context.Background())
			ch, err := chain.Stream(ctx, &ChatRequest{Message: "hi"})
			So(err, ShouldBeNil)

			cancel()
			got := collect(ch, 2*time.Second)
			So(len(got), ShouldEqual, 0)
		})
	})
}

func TestBuildMessages(t *testing.T) {
	Convey("消息序列组装", t, func() {
		Convey("首条是系统提示，末尾是本轮用户输入", func() {
			req := &ChatRequest{Message: "京都有什么好吃的？"}
			messages := buildMessages(req)

			So(len(messages), ShouldEqual, 2)
			So(messages[0].Role, ShouldEqual, schema.System)
			So(messages[1].Role, ShouldEqual, schema.User)
			So(messages[1].Content, ShouldEqual, "京都有什么好吃的？")
		})

		Convey("历史消息按角色映射且保持顺序", func() {
			req := &ChatRequest{
				Message: "那住宿呢？",
				History: []model.Message{
					{Role: model.RoleUser, Content: "京都有什么好吃的？"},
					{Role: model.RoleAssistant, Content: "推荐汤豆腐和怀石料理。"},
				},
			}
			messages := buildMessages(req)

			So(len(messages), ShouldEqual, 4)
			So(messages[1].Role, ShouldEqual, schema.User)
			So(messages[1].Content, ShouldEqual, "京都有什么好吃的？")
			So(messages[2].Role, ShouldEqual, schema.Assistant)
			So(messages[2].Content, ShouldEqual, "推荐汤豆腐和怀石料理。")
			So(messages[3].Content, ShouldEqual, "那住宿呢？")
		})
	})
}

func TestCallOptions(t *testing.T) {
	Convey("请求级参数覆盖", t, func() {
		Convey("无覆盖时不产生选项", func() {
			So(len(callOptions(&ChatRequest{})), ShouldEqual, 0)
		})

		Convey("每个覆盖字段各产生一个选项", func() {
			temp := 0.3
			maxTokens := 1024
			topP := 0.9
			req := &ChatRequest{
				Model: "gpt-4o",
				Options: &model.ChatOptions{
					Temperature: &temp,
					MaxTokens:   &maxTokens,
					TopP:        &topP,
				},
			}
			So(len(callOptions(req)), ShouldEqual, 4)
		})

		Convey("零值指针字段同样生效", func() {
			temp := 0.0
			req := &ChatRequest{Options: &model.ChatOptions{Temperature: &temp}}
			So(len(callOptions(req)), ShouldEqual, 1)
		})
	})
}
