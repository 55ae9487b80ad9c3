package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tripflow/internal/apperr"
	"tripflow/internal/model"
	"tripflow/internal/repository"
)

// ConversationHandler 对话管理处理器
type ConversationHandler struct {
	repo *repository.ConversationRepo
}

// NewConversationHandler 创建对话管理处理器
func NewConversationHandler(repo *repository.ConversationRepo) *ConversationHandler {
	return &ConversationHandler{repo: repo}
}

// Create 创建对话
func (h *ConversationHandler) Create(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req model.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body", err.Error()))
		return
	}

	title := req.Title
	if title == "" {
		title = "新对话"
	}

	conv := &model.Conversation{
		UserID: userID,
		Title:  title,
		Model:  req.Model,
	}
	if err := h.repo.Create(c.Request.Context(), conv); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, conv)
}

// List 获取当前用户的对话列表，按最近更新排序
func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var query model.ListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		writeError(c, apperr.Validation("invalid query parameters", err.Error()))
		return
	}
	if query.Page < 1 {
		query.Page = 1
	}
	if query.PageSize < 1 {
		query.PageSize = 20
	}
	if query.PageSize > 100 {
		query.PageSize = 100
	}

	convs, total, err := h.repo.List(c.Request.Context(), userID, query.Page, query.PageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, model.ConversationListResponse{
		Conversations: convs,
		Total:         total,
		Page:          query.Page,
		PageSize:      query.PageSize,
	})
}

// Get 获取对话详情，含完整消息历史
func (h *ConversationHandler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conv, err := h.repo.FindByID(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}

// Update 更新对话标题 / 激活状态
func (h *ConversationHandler) Update(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req model.UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body", err.Error()))
		return
	}
	if req.Title == nil && req.IsActive == nil {
		writeError(c, apperr.Validation("nothing to update", ""))
		return
	}

	conv, err := h.repo.Update(c.Request.Context(), userID, c.Param("id"), repository.UpdatePatch{
		Title:    req.Title,
		IsActive: req.IsActive,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}

// Delete 删除对话（软删除，从列表隐藏）
func (h *ConversationHandler) Delete(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.repo.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// Clear 清空对话消息，保留对话本身
func (h *ConversationHandler) Clear(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conv, err := h.repo.Clear(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}
