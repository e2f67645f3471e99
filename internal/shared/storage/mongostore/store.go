// Package mongostore 基于 MongoDB 的 PersistentStore 实现
//
// 使用 mongo-go-driver v2。文档结构与 SQL 表一一对应（见 documents.go），
// 条件更新用带状态条件的 UpdateOne 实现，MatchedCount 决定胜负，与 repository 的
// UPDATE ... WHERE status = ? 语义一致。
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"agents-dispatch/internal/shared/storage"
)

// Collection 名称
const (
	ColTasks    = "tasks"
	ColMachines = "machines"
)

// Store MongoDB 存储
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 连接 MongoDB 并创建索引
//
// uri: mongodb://localhost:27017
// dbName: agents_dispatch
func NewStore(uri, dbName string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(dbName),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.ensureIndexes(ctx); err != nil {
		logger.Named("mongostore").Warn("mongostore.indexes.failed", zap.Error(err))
	}
	return s, nil
}

// Close 断开连接
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping 健康检查
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// ensureIndexes 调度与监控查询使用的索引
func (s *Store) ensureIndexes(ctx context.Context) error {
	type idx struct {
		col  string
		keys bson.D
	}
	indexes := []idx{
		// 调度顺序：status + assigned_machine 过滤，priority DESC, created_at ASC 排序
		{ColTasks, bson.D{
			{Key: "status", Value: 1},
			{Key: "assigned_machine", Value: 1},
			{Key: "priority", Value: -1},
			{Key: "created_at", Value: 1},
		}},
		{ColTasks, bson.D{{Key: "status", Value: 1}, {Key: "started_at", Value: 1}}},
		{ColTasks, bson.D{{Key: "created_at", Value: -1}}},
		{ColMachines, bson.D{{Key: "status", Value: 1}, {Key: "last_heartbeat", Value: 1}}},
	}
	for _, i := range indexes {
		if _, err := s.col(i.col).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: i.keys}); err != nil {
			return fmt.Errorf("create index on %s: %w", i.col, err)
		}
	}
	return nil
}
