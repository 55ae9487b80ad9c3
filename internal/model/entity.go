package model

import (
	"time"
)

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MaxHistoryMessages 每个对话保留的最近消息条数上限
const MaxHistoryMessages = 50

// Conversation 对话实体
// 消息序列只允许追加，clear 操作除外；所有权由 UserID 标识
type Conversation struct {
	ID        string    `bson:"_id" json:"id"`
	UserID    string    `bson:"user_id" json:"user_id"`
	Title     string    `bson:"title" json:"title"`
	Model     string    `bson:"model" json:"model"`
	Messages  []Message `bson:"messages" json:"messages"`
	IsActive  bool      `bson:"is_active" json:"is_active"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Message 消息
// 提交后不可变，顺序即提交顺序
type Message struct {
	Role       string      `bson:"role" json:"role"`
	Content    string      `bson:"content" json:"content"`
	Name       string      `bson:"name,omitempty" json:"name,omitempty"`
	Timestamp  time.Time   `bson:"timestamp" json:"timestamp"`
	TokenUsage *TokenUsage `bson:"token_usage,omitempty" json:"token_usage,omitempty"`
}
