package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
)

// ============================================================================
// MachineStore
// ============================================================================

// UpsertMachine 幂等注册：$setOnInsert 保留首次注册时间
func (s *Store) UpsertMachine(ctx context.Context, machine *model.Machine) error {
	now := s.now()
	if machine.CreatedAt.IsZero() {
		machine.CreatedAt = now
	}
	machine.UpdatedAt = now
	if machine.LastHeartbeat == nil {
		machine.LastHeartbeat = &now
	}
	if machine.Status == "" {
		machine.Status = model.StatusForLoad(machine.ActiveTasks, machine.MaxConcurrent)
	}

	_, err := s.col(ColMachines).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: machine.ID}},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "display_name", Value: machine.DisplayName},
				{Key: "projects", Value: machine.Projects},
				{Key: "max_concurrent", Value: machine.MaxConcurrent},
				{Key: "active_tasks", Value: machine.ActiveTasks},
				{Key: "cost_per_task", Value: machine.CostPerTask},
				{Key: "hostname", Value: machine.Hostname},
				{Key: "version", Value: machine.Version},
				{Key: "status", Value: machine.Status},
				{Key: "last_heartbeat", Value: machine.LastHeartbeat.UTC()},
				{Key: "updated_at", Value: machine.UpdatedAt},
			}},
			{Key: "$setOnInsert", Value: bson.D{{Key: "created_at", Value: machine.CreatedAt.UTC()}}},
		},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert machine %s: %w", machine.ID, wrapError(err))
	}
	return nil
}

func (s *Store) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	doc, err := findOne[machineDoc](ctx, s.col(ColMachines), bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

func (s *Store) ListMachines(ctx context.Context) ([]*model.Machine, error) {
	docs, err := findMany[machineDoc](ctx, s.col(ColMachines), bson.D{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	machines := make([]*model.Machine, 0, len(docs))
	for _, d := range docs {
		machines = append(machines, d.toModel())
	}
	return machines, nil
}

func (s *Store) UpdateMachineHeartbeat(ctx context.Context, id string, activeTasks int, status model.MachineStatus, at time.Time) error {
	at = at.UTC()
	res, err := s.col(ColMachines).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "active_tasks", Value: activeTasks},
			{Key: "status", Value: status},
			{Key: "last_heartbeat", Value: at},
			{Key: "updated_at", Value: at},
		}}})
	if err != nil {
		return fmt.Errorf("heartbeat machine %s: %w", id, wrapError(err))
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkStaleOffline 逐台条件更新，只返回本次由本调用者转为 offline 的机器
func (s *Store) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	stale := bson.D{
		{Key: "status", Value: bson.D{{Key: "$ne", Value: model.MachineStatusOffline}}},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "last_heartbeat", Value: nil}},
			bson.D{{Key: "last_heartbeat", Value: bson.D{{Key: "$lt", Value: cutoff.UTC()}}}},
		}},
	}
	candidates, err := findMany[machineDoc](ctx, s.col(ColMachines), stale)
	if err != nil {
		return nil, fmt.Errorf("find stale machines: %w", err)
	}

	var ids []string
	for _, c := range candidates {
		filter := append(bson.D{{Key: "_id", Value: c.ID}}, stale...)
		res, err := s.col(ColMachines).UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: model.MachineStatusOffline},
			{Key: "updated_at", Value: s.now()},
		}}})
		if err != nil {
			return ids, fmt.Errorf("mark machine %s offline: %w", c.ID, wrapError(err))
		}
		if res.ModifiedCount == 1 {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}
