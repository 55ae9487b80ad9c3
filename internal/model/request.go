package model

// ChatRequest 对话请求
// conversation_id 为空时隐式创建新对话
type ChatRequest struct {
	Message        string       `json:"message" binding:"required"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Model          string       `json:"model,omitempty"`
	Options        *ChatOptions `json:"options,omitempty"`
}

// ChatOptions 对话选项，透传给上游模型
// 指针字段区分"未设置"与显式零值
type ChatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// CreateConversationRequest 创建对话请求
type CreateConversationRequest struct {
	Title string `json:"title,omitempty"`
	Model string `json:"model,omitempty"`
}

// UpdateConversationRequest 更新对话请求
type UpdateConversationRequest struct {
	Title    *string `json:"title,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

// ListQuery 分页查询参数
type ListQuery struct {
	Page     int `form:"page"`
	PageSize int `form:"page_size"`
}
