// 集成测试，需要可用的 MongoDB 和 Redis：
//
//	MONGO_URI=mongodb://localhost:27017 REDIS_ADDR=localhost:6379 go test ./internal/repository -v
//
// 未设置环境变量时自动跳过。
package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"tripflow/internal/config"
	"tripflow/internal/model"
	"tripflow/internal/pkg/cache"
	"tripflow/internal/pkg/mongodb"
)

func newTestRepo(t *testing.T) (*ConversationRepo, func()) {
	t.Helper()

	mongoURI := os.Getenv("MONGO_URI")
	redisAddr := os.Getenv("REDIS_ADDR")
	if mongoURI == "" || redisAddr == "" {
		t.Skip("MONGO_URI / REDIS_ADDR not set, skipping repository integration test")
	}

	client, err := mongodb.New(&config.MongoConfig{
		URI:      mongoURI,
		Database: fmt.Sprintf("tripflow_test_%d", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("connect mongodb: %v", err)
	}

	redisCache, err := cache.NewRedisCache(&config.RedisConfig{Addr: redisAddr})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}

	repo := NewConversationRepo(client.Database(), redisCache)
	cleanup := func() {
		ctx := context.Background()
		_ = client.Database().Drop(ctx)
		_ = client.Close(ctx)
		_ = redisCache.Close()
	}
	return repo, cleanup
}

func TestConversationRepo_ReadOwnWrites(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	Convey("追加消息后立即可读", t, func() {
		ctx := context.Background()
		conv := &model.Conversation{UserID: "user-1", Title: "东京行程"}
		So(repo.Create(ctx, conv), ShouldBeNil)

		Convey("并发读不会把追加前的旧文档留在缓存里", func() {
			// 读方反复 FindByID 触发缓存回填，写方同时追加
			var wg sync.WaitGroup
			stop := make(chan struct{})
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
						_, _ = repo.FindByID(ctx, "user-1", conv.ID)
					}
				}
			}()

			for i := 0; i < 20; i++ {
				msg := model.Message{Role: model.RoleUser, Content: fmt.Sprintf("消息 %d", i)}
				_, err := repo.AppendMessage(ctx, "user-1", conv.ID, msg)
				So(err, ShouldBeNil)

				got, err := repo.FindByID(ctx, "user-1", conv.ID)
				So(err, ShouldBeNil)
				So(len(got.Messages), ShouldEqual, i+1)
				So(got.Messages[len(got.Messages)-1].Content, ShouldEqual, fmt.Sprintf("消息 %d", i))
			}
			close(stop)
			wg.Wait()
		})

		Convey("清空后读到空消息序列", func() {
			_, err := repo.AppendMessage(ctx, "user-1", conv.ID, model.Message{
				Role: model.RoleUser, Content: "你好",
			})
			So(err, ShouldBeNil)

			cleared, err := repo.Clear(ctx, "user-1", conv.ID)
			So(err, ShouldBeNil)
			So(len(cleared.Messages), ShouldEqual, 0)

			got, err := repo.FindByID(ctx, "user-1", conv.ID)
			So(err, ShouldBeNil)
			So(len(got.Messages), ShouldEqual, 0)
		})

		Convey("软删除后列表不可见，按 ID 仍可读", func() {
			So(repo.Delete(ctx, "user-1", conv.ID), ShouldBeNil)

			convs, total, err := repo.List(ctx, "user-1", 1, 20)
			So(err, ShouldBeNil)
			So(total, ShouldEqual, 0)
			So(len(convs), ShouldEqual, 0)

			got, err := repo.FindByID(ctx, "user-1", conv.ID)
			So(err, ShouldBeNil)
			So(got.IsActive, ShouldBeFalse)
		})
	})
}
