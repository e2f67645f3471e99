package mongostore

import (
	"encoding/json"
	"time"

	"agents-dispatch/internal/shared/model"
)

// taskDoc tasks 集合的文档结构
//
// 可空字段使用指针，nil 存为 null，"assigned_machine: null" 查询同时匹配 null 与缺失。
type taskDoc struct {
	ID              string     `bson:"_id"`
	Description     string     `bson:"description"`
	Project         string     `bson:"project"`
	BaseBranch      string     `bson:"base_branch,omitempty"`
	TargetBranch    string     `bson:"target_branch,omitempty"`
	Requester       string     `bson:"requester,omitempty"`
	ChatThreadID    string     `bson:"chat_thread_id,omitempty"`
	Status          string     `bson:"status"`
	AssignedMachine *string    `bson:"assigned_machine"`
	OrchestratorID  *string    `bson:"orchestrator_id"`
	StartedAt       *time.Time `bson:"started_at"`
	CompletedAt     *time.Time `bson:"completed_at"`
	ResultSummary   string     `bson:"result_summary,omitempty"`
	ResultPayload   string     `bson:"result_payload,omitempty"`
	ErrorMessage    string     `bson:"error_message,omitempty"`
	ChangedFiles    []string   `bson:"changed_files,omitempty"`
	ArtifactURL     string     `bson:"artifact_url,omitempty"`
	Priority        int        `bson:"priority"`
	MaxCost         float64    `bson:"max_cost"`
	CostUSD         float64    `bson:"cost_usd"`
	DurationMS      int64      `bson:"duration_ms"`
	CreatedAt       time.Time  `bson:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at"`
}

func toTaskDoc(t *model.Task) *taskDoc {
	return &taskDoc{
		ID:              t.ID,
		Description:     t.Description,
		Project:         t.Project,
		BaseBranch:      t.BaseBranch,
		TargetBranch:    t.TargetBranch,
		Requester:       t.Requester,
		ChatThreadID:    t.ChatThreadID,
		Status:          string(t.Status),
		AssignedMachine: t.AssignedMachine,
		OrchestratorID:  t.OrchestratorID,
		StartedAt:       utcPtr(t.StartedAt),
		CompletedAt:     utcPtr(t.CompletedAt),
		ResultSummary:   t.ResultSummary,
		ResultPayload:   string(t.ResultPayload),
		ErrorMessage:    t.ErrorMessage,
		ChangedFiles:    t.ChangedFiles,
		ArtifactURL:     t.ArtifactURL,
		Priority:        t.Priority,
		MaxCost:         t.MaxCost,
		CostUSD:         t.CostUSD,
		DurationMS:      t.DurationMS,
		CreatedAt:       t.CreatedAt.UTC(),
		UpdatedAt:       t.UpdatedAt.UTC(),
	}
}

func (d *taskDoc) toModel() *model.Task {
	t := &model.Task{
		ID:              d.ID,
		Description:     d.Description,
		Project:         d.Project,
		BaseBranch:      d.BaseBranch,
		TargetBranch:    d.TargetBranch,
		Requester:       d.Requester,
		ChatThreadID:    d.ChatThreadID,
		Status:          model.TaskStatus(d.Status),
		AssignedMachine: d.AssignedMachine,
		OrchestratorID:  d.OrchestratorID,
		StartedAt:       utcPtr(d.StartedAt),
		CompletedAt:     utcPtr(d.CompletedAt),
		ResultSummary:   d.ResultSummary,
		ErrorMessage:    d.ErrorMessage,
		ChangedFiles:    d.ChangedFiles,
		ArtifactURL:     d.ArtifactURL,
		Priority:        d.Priority,
		MaxCost:         d.MaxCost,
		CostUSD:         d.CostUSD,
		DurationMS:      d.DurationMS,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
	}
	if d.ResultPayload != "" {
		t.ResultPayload = json.RawMessage(d.ResultPayload)
	}
	return t
}

// machineDoc machines 集合的文档结构
type machineDoc struct {
	ID            string     `bson:"_id"`
	DisplayName   string     `bson:"display_name,omitempty"`
	Projects      []string   `bson:"projects"`
	MaxConcurrent int        `bson:"max_concurrent"`
	ActiveTasks   int        `bson:"active_tasks"`
	CostPerTask   float64    `bson:"cost_per_task"`
	Hostname      string     `bson:"hostname,omitempty"`
	Version       string     `bson:"version,omitempty"`
	Status        string     `bson:"status"`
	LastHeartbeat *time.Time `bson:"last_heartbeat"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

func (d *machineDoc) toModel() *model.Machine {
	return &model.Machine{
		ID:            d.ID,
		DisplayName:   d.DisplayName,
		Projects:      d.Projects,
		MaxConcurrent: d.MaxConcurrent,
		ActiveTasks:   d.ActiveTasks,
		CostPerTask:   d.CostPerTask,
		Hostname:      d.Hostname,
		Version:       d.Version,
		Status:        model.MachineStatus(d.Status),
		LastHeartbeat: utcPtr(d.LastHeartbeat),
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
