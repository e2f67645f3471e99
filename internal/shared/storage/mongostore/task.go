package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
)

// ============================================================================
// TaskStore
// ============================================================================

// dispatchOrder 调度顺序：优先级高者先，同优先级先创建者先
var dispatchOrder = bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}}

func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	if task.Status == "" {
		task.Status = model.TaskStatusQueued
	}
	if _, err := s.col(ColTasks).InsertOne(ctx, toTaskDoc(task)); err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, wrapError(err))
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	doc, err := findOne[taskDoc](ctx, s.col(ColTasks), bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

func (s *Store) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	q := bson.D{}
	add := func(field, value string) {
		if value != "" {
			q = append(q, bson.E{Key: field, Value: value})
		}
	}
	add("requester", filter.Requester)
	add("status", filter.Status)
	add("project", filter.Project)

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(filter.Offset))
	return s.findTasks(ctx, q, opts)
}

func (s *Store) ListUnassignedQueued(ctx context.Context, limit int) ([]*model.Task, error) {
	q := bson.D{
		{Key: "status", Value: model.TaskStatusQueued},
		{Key: "assigned_machine", Value: nil},
	}
	return s.findTasks(ctx, q, options.Find().SetSort(dispatchOrder).SetLimit(int64(limit)))
}

func (s *Store) ListQueuedAssignedTo(ctx context.Context, machineID string, limit int) ([]*model.Task, error) {
	q := bson.D{
		{Key: "status", Value: model.TaskStatusQueued},
		{Key: "assigned_machine", Value: machineID},
	}
	return s.findTasks(ctx, q, options.Find().SetSort(dispatchOrder).SetLimit(int64(limit)))
}

func (s *Store) ListStaleTasks(ctx context.Context, startedBefore time.Time) ([]*model.Task, error) {
	q := bson.D{
		{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{model.TaskStatusClaimed, model.TaskStatusRunning, model.TaskStatusWaitingInput}}}},
		{Key: "started_at", Value: bson.D{{Key: "$ne", Value: nil}, {Key: "$lt", Value: startedBefore.UTC()}}},
	}
	return s.findTasks(ctx, q, options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
}

func (s *Store) CountPendingAssigned(ctx context.Context) (map[string]int, error) {
	return countBy(ctx, s.col(ColTasks), bson.D{
		{Key: "status", Value: model.TaskStatusQueued},
		{Key: "assigned_machine", Value: bson.D{{Key: "$ne", Value: nil}}},
	}, "assigned_machine")
}

func (s *Store) CountTasksByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	raw, err := countBy(ctx, s.col(ColTasks), bson.D{}, "status")
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	counts := make(map[model.TaskStatus]int, len(raw))
	for status, n := range raw {
		counts[model.TaskStatus(status)] = n
	}
	return counts, nil
}

// ============================================================================
// 条件更新
// ============================================================================

func (s *Store) AssignTask(ctx context.Context, taskID, machineID string) error {
	res, err := s.col(ColTasks).UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: taskID},
			{Key: "status", Value: model.TaskStatusQueued},
			{Key: "assigned_machine", Value: nil},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "assigned_machine", Value: machineID},
			{Key: "updated_at", Value: s.now()},
		}}})
	if err != nil {
		return fmt.Errorf("assign task %s: %w", taskID, wrapError(err))
	}
	if res.MatchedCount == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (s *Store) UnassignQueuedTasks(ctx context.Context, machineID string) (int64, error) {
	res, err := s.col(ColTasks).UpdateMany(ctx,
		bson.D{
			{Key: "assigned_machine", Value: machineID},
			{Key: "status", Value: model.TaskStatusQueued},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "assigned_machine", Value: nil},
			{Key: "updated_at", Value: s.now()},
		}}})
	if err != nil {
		return 0, fmt.Errorf("unassign tasks of %s: %w", machineID, wrapError(err))
	}
	return res.ModifiedCount, nil
}

// ClaimTask 单文档原子更新，只有一个调用者匹配到 queued 状态
func (s *Store) ClaimTask(ctx context.Context, taskID, orchestratorID string, at time.Time) (bool, error) {
	at = at.UTC()
	res, err := s.col(ColTasks).UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: taskID},
			{Key: "status", Value: model.TaskStatusQueued},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "assigned_machine", Value: nil}},
				bson.D{{Key: "assigned_machine", Value: orchestratorID}},
			}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: model.TaskStatusClaimed},
			{Key: "orchestrator_id", Value: orchestratorID},
			{Key: "assigned_machine", Value: orchestratorID},
			{Key: "started_at", Value: at},
			{Key: "updated_at", Value: at},
		}}})
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", taskID, wrapError(err))
	}
	return res.MatchedCount == 1, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, from, to model.TaskStatus) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, from, to)
	}
	now := s.now()
	set := bson.D{{Key: "status", Value: to}, {Key: "updated_at", Value: now}}
	if to.IsTerminal() {
		set = append(set, bson.E{Key: "completed_at", Value: now})
	}
	res, err := s.col(ColTasks).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: taskID}, {Key: "status", Value: from}},
		bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("update task %s status: %w", taskID, wrapError(err))
	}
	return s.conflictOrNotFound(ctx, res, taskID)
}

func (s *Store) PatchTask(ctx context.Context, taskID string, expected model.TaskStatus, patch *model.TaskPatch) error {
	if patch == nil || patch.IsEmpty() {
		return nil
	}
	if expected.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", storage.ErrConflict, taskID, expected)
	}

	now := s.now()
	set := bson.D{}
	if patch.Status != nil {
		if !model.CanTransition(expected, *patch.Status) {
			return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, expected, *patch.Status)
		}
		set = append(set, bson.E{Key: "status", Value: *patch.Status})
		if patch.Status.IsTerminal() {
			set = append(set, bson.E{Key: "completed_at", Value: now})
		}
	}
	if patch.ResultSummary != nil {
		set = append(set, bson.E{Key: "result_summary", Value: *patch.ResultSummary})
	}
	if len(patch.ResultPayload) > 0 {
		set = append(set, bson.E{Key: "result_payload", Value: string(patch.ResultPayload)})
	}
	if patch.ErrorMessage != nil {
		set = append(set, bson.E{Key: "error_message", Value: *patch.ErrorMessage})
	}
	if patch.ChangedFiles != nil {
		set = append(set, bson.E{Key: "changed_files", Value: patch.ChangedFiles})
	}
	if patch.ArtifactURL != nil {
		set = append(set, bson.E{Key: "artifact_url", Value: *patch.ArtifactURL})
	}
	if patch.CostUSD != nil {
		set = append(set, bson.E{Key: "cost_usd", Value: *patch.CostUSD})
	}
	if patch.DurationMS != nil {
		set = append(set, bson.E{Key: "duration_ms", Value: *patch.DurationMS})
	}
	set = append(set, bson.E{Key: "updated_at", Value: now})

	res, err := s.col(ColTasks).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: taskID}, {Key: "status", Value: expected}},
		bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("patch task %s: %w", taskID, wrapError(err))
	}
	return s.conflictOrNotFound(ctx, res, taskID)
}

func (s *Store) CancelTask(ctx context.Context, taskID string) error {
	now := s.now()
	res, err := s.col(ColTasks).UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: taskID},
			{Key: "status", Value: bson.D{{Key: "$nin", Value: model.TerminalStatuses()}}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: model.TaskStatusCancelled},
			{Key: "completed_at", Value: now},
			{Key: "updated_at", Value: now},
		}}})
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, wrapError(err))
	}
	return s.conflictOrNotFound(ctx, res, taskID)
}

// conflictOrNotFound 条件更新未命中时区分"不存在"与"状态已变化"
func (s *Store) conflictOrNotFound(ctx context.Context, res *mongo.UpdateResult, taskID string) error {
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	return storage.ErrConflict
}

func (s *Store) findTasks(ctx context.Context, filter bson.D, opts ...options.Lister[options.FindOptions]) ([]*model.Task, error) {
	docs, err := findMany[taskDoc](ctx, s.col(ColTasks), filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	tasks := make([]*model.Task, 0, len(docs))
	for _, d := range docs {
		tasks = append(tasks, d.toModel())
	}
	return tasks, nil
}
