package model

// ChatResponse 非流式对话响应
type ChatResponse struct {
	ID             string      `json:"id"`
	Object         string      `json:"object"`
	Created        int64       `json:"created"`
	Model          string      `json:"model"`
	ConversationID string      `json:"conversation_id"`
	Message        Message     `json:"message"`
	Usage          *TokenUsage `json:"usage,omitempty"`
}

// ErrorResponse 错误响应
// RetryAfter 仅限流类错误携带，单位秒，与 Retry-After 响应头一致
type ErrorResponse struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// TokenUsage Token 使用统计，以上游上报为准
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChunk 流式对话片段
// Done 或 Error 非空即为终止片段，之后不再有事件
type ChatChunk struct {
	Content string      `json:"content,omitempty"`
	Done    bool        `json:"done,omitempty"`
	Error   string      `json:"error,omitempty"`
	Usage   *TokenUsage `json:"usage,omitempty"`
}

// ConversationListResponse 对话列表响应
type ConversationListResponse struct {
	Conversations []*Conversation `json:"conversations"`
	Total         int64           `json:"total"`
	Page          int             `json:"page"`
	PageSize      int             `json:"page_size"`
}
