package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tripflow/internal/apperr"
	"tripflow/internal/model"
	"tripflow/internal/pkg/cache"
	"tripflow/internal/pkg/id"
	"tripflow/internal/pkg/kmutex"
)

// UpdatePatch 对话可更新字段
type UpdatePatch struct {
	Title    *string
	IsActive *bool
}

// ConversationRepo 对话仓库
// 同一对话上的写入和缓存回填通过按 id 的互斥锁串行化，
// 保证单一全局追加顺序，缓存里不会留下写入前的旧文档；
// 不同对话互不阻塞
type ConversationRepo struct {
	collection *mongo.Collection
	cache      *cache.RedisCache // 可选，读缓存
	locks      *kmutex.KMutex
}

// NewConversationRepo 创建对话仓库
func NewConversationRepo(db *mongo.Database, redisCache *cache.RedisCache) *ConversationRepo {
	return &ConversationRepo{
		collection: db.Collection("conversations"),
		cache:      redisCache,
		locks:      kmutex.New(),
	}
}

// Create 创建对话
func (r *ConversationRepo) Create(ctx context.Context, conv *model.Conversation) error {
	now := time.Now()
	conv.ID = id.New()
	conv.IsActive = true
	conv.CreatedAt = now
	conv.UpdatedAt = now
	if conv.Messages == nil {
		conv.Messages = []model.Message{}
	}

	_, err := r.collection.InsertOne(ctx, conv)
	return err
}

// FindByID 根据 ID 查询，校验所有权
func (r *ConversationRepo) FindByID(ctx context.Context, userID, convID string) (*model.Conversation, error) {
	conv, err := r.load(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, apperr.Forbidden("conversation belongs to another user")
	}
	return conv, nil
}

// load 读取对话，优先走缓存
// 缓存未命中时，查库和回填都在该对话的互斥范围内完成，
// 防止把并发写入前的旧文档写回缓存
func (r *ConversationRepo) load(ctx context.Context, convID string) (*model.Conversation, error) {
	if r.cache != nil {
		var cached model.Conversation
		if err := r.cache.Get(ctx, cache.ConversationCacheKey(convID), &cached); err == nil {
			return &cached, nil
		}
	}

	r.locks.Lock(convID)
	defer r.locks.Unlock(convID)

	conv, err := r.fetch(ctx, convID)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, cache.ConversationCacheKey(convID), conv, cache.ConversationCacheTTL); err != nil {
			log.Warn().Err(err).Str("conversation_id", convID).Msg("failed to cache conversation")
		}
	}
	return conv, nil
}

// fetch 直接查库，不触碰缓存
func (r *ConversationRepo) fetch(ctx context.Context, convID string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.collection.FindOne(ctx, bson.M{"_id": convID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("conversation not found")
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// fetchOwned 持锁写路径使用的查库加所有权校验
func (r *ConversationRepo) fetchOwned(ctx context.Context, userID, convID string) (*model.Conversation, error) {
	conv, err := r.fetch(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, apperr.Forbidden("conversation belongs to another user")
	}
	return conv, nil
}

// List 查询用户对话列表，按 updated_at 倒序
// 软删除的对话不出现在列表；page/pageSize 会被钳制到合法值
func (r *ConversationRepo) List(ctx context.Context, userID string, page, pageSize int) ([]*model.Conversation, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	filter := bson.M{"user_id": userID, "is_active": true}

	total, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{bson.E{Key: "updated_at", Value: -1}}).
		SetSkip(int64((page - 1) * pageSize)).
		SetLimit(int64(pageSize)).
		SetProjection(bson.M{"messages": 0})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	convs := []*model.Conversation{}
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, 0, err
	}

	return convs, total, nil
}

// AppendMessage 追加消息并刷新 updated_at
// 持有该对话的互斥范围直到写入完成；历史超过上限时裁掉最旧的消息
func (r *ConversationRepo) AppendMessage(ctx context.Context, userID, convID string, msg model.Message) (*model.Conversation, error) {
	r.locks.Lock(convID)
	defer r.locks.Unlock(convID)

	conv, err := r.fetchOwned(ctx, userID, convID)
	if err != nil {
		return nil, err
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	update := bson.M{
		"$push": bson.M{"messages": bson.M{
			"$each":  []model.Message{msg},
			"$slice": -model.MaxHistoryMessages,
		}},
		"$set": bson.M{"updated_at": time.Now()},
	}

	if _, err := r.collection.UpdateOne(ctx, bson.M{"_id": convID}, update); err != nil {
		return nil, err
	}
	r.invalidate(ctx, convID)

	conv.Messages = append(conv.Messages, msg)
	if len(conv.Messages) > model.MaxHistoryMessages {
		conv.Messages = conv.Messages[len(conv.Messages)-model.MaxHistoryMessages:]
	}
	conv.UpdatedAt = msg.Timestamp
	return conv, nil
}

// Clear 清空消息序列，保留对话元数据
func (r *ConversationRepo) Clear(ctx context.Context, userID, convID string) (*model.Conversation, error) {
	r.locks.Lock(convID)
	defer r.locks.Unlock(convID)

	conv, err := r.fetchOwned(ctx, userID, convID)
	if err != nil {
		return nil, err
	}

	update := bson.M{"$set": bson.M{
		"messages":   []model.Message{},
		"updated_at": time.Now(),
	}}
	if _, err := r.collection.UpdateOne(ctx, bson.M{"_id": convID}, update); err != nil {
		return nil, err
	}
	r.invalidate(ctx, convID)

	conv.Messages = []model.Message{}
	return conv, nil
}

// Update 更新标题 / 激活状态
func (r *ConversationRepo) Update(ctx context.Context, userID, convID string, patch UpdatePatch) (*model.Conversation, error) {
	r.locks.Lock(convID)
	defer r.locks.Unlock(convID)

	conv, err := r.fetchOwned(ctx, userID, convID)
	if err != nil {
		return nil, err
	}

	set := bson.M{"updated_at": time.Now()}
	if patch.Title != nil {
		set["title"] = *patch.Title
		conv.Title = *patch.Title
	}
	if patch.IsActive != nil {
		set["is_active"] = *patch.IsActive
		conv.IsActive = *patch.IsActive
	}

	if _, err := r.collection.UpdateOne(ctx, bson.M{"_id": convID}, bson.M{"$set": set}); err != nil {
		return nil, err
	}
	r.invalidate(ctx, convID)

	return conv, nil
}

// Delete 软删除：从列表隐藏，所有者仍可按 ID 读取
func (r *ConversationRepo) Delete(ctx context.Context, userID, convID string) error {
	inactive := false
	_, err := r.Update(ctx, userID, convID, UpdatePatch{IsActive: &inactive})
	return err
}

// invalidate 所有写路径都要失效缓存
func (r *ConversationRepo) invalidate(ctx context.Context, convID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, cache.ConversationCacheKey(convID)); err != nil {
		log.Warn().Err(err).Str("conversation_id", convID).Msg("failed to invalidate conversation cache")
	}
}
