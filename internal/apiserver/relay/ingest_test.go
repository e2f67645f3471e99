package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
)

type ingestEnv struct {
	pipeline   *Pipeline
	transcript *TranscriptBuffer
	chat       *fakeChat
	broadcast  *fakeBroadcaster
	archiver   *fakeArchiver
}

func newIngestEnv(t *testing.T, store storage.TaskStore) *ingestEnv {
	t.Helper()
	env := &ingestEnv{
		transcript: NewTranscriptBuffer(),
		chat:       newFakeChat(),
		broadcast:  &fakeBroadcaster{},
		archiver:   &fakeArchiver{},
	}
	env.pipeline = NewPipeline(store, env.transcript, PipelineOptions{
		Coalescer:   NewCoalescer(env.chat, 0, zap.NewNop(), nil),
		Broadcaster: env.broadcast,
		Archiver:    env.archiver,
	}, zap.NewNop())
	return env
}

func textEvent(text string) model.SessionEvent {
	return model.SessionEvent{Kind: model.EventKindText, Text: text}
}

func toolEvent(name, summary string) model.SessionEvent {
	return model.SessionEvent{Kind: model.EventKindToolCall, Tool: &model.ToolCall{Name: name, Summary: summary}}
}

func terminalEvent(success bool, files ...string) model.SessionEvent {
	return model.SessionEvent{Kind: model.EventKindTerminalResult, Terminal: &model.TerminalResult{
		Success:      success,
		Duration:     "2m05s",
		DurationMS:   125000,
		CostUSD:      0.42,
		ChangedFiles: files,
		Result:       "All tests pass now.",
	}}
}

func TestIngestAssignsSequenceAndStartsTask(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	env := newIngestEnv(t, store)
	createTask(t, store, "task-1", model.TaskStatusClaimed, "")

	res, err := env.pipeline.Ingest(ctx, "task-1", []model.SessionEvent{
		textEvent("looking at the code"),
		toolEvent("Read", "internal/a.go"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, int64(2), res.LastSeq)
	assert.Equal(t, model.TaskStatusRunning, res.Status)
	assert.Equal(t, model.TaskStatusRunning, getTask(t, store, "task-1").Status)

	res, err = env.pipeline.Ingest(ctx, "task-1", []model.SessionEvent{textEvent("more")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.LastSeq)

	require.Len(t, env.broadcast.events, 3)
	for i, ev := range env.broadcast.events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, "task-1", ev.TaskID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, 3, env.transcript.Len("task-1"))
}

func TestIngestAppendsEventLogAndResumesSequence(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	log := eventbus.NewMemoryLog(0)
	createTask(t, store, "task-1", model.TaskStatusRunning, "")

	first := NewPipeline(store, NewTranscriptBuffer(), PipelineOptions{EventLog: log}, zap.NewNop())
	_, err := first.Ingest(ctx, "task-1", []model.SessionEvent{textEvent("a"), textEvent("b")})
	require.NoError(t, err)

	// 新进程共享同一日志，序号接着已有的继续
	second := NewPipeline(store, NewTranscriptBuffer(), PipelineOptions{EventLog: log}, zap.NewNop())
	res, err := second.Ingest(ctx, "task-1", []model.SessionEvent{textEvent("c")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.LastSeq)

	history, err := log.Range(ctx, "task-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "c", history[2].Text)
	assert.Equal(t, int64(3), history[2].Seq)
}

func TestIngestWaitingInputRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	env := newIngestEnv(t, store)
	createTask(t, store, "task-1", model.TaskStatusRunning, "")

	res, err := env.pipeline.Ingest(ctx, "task-1", []model.SessionEvent{
		textEvent("I found two candidate fixes.\n\nShould I update the migration as well?"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusWaitingInput, res.Status)
	assert.Equal(t, model.TaskStatusWaitingInput, getTask(t, store, "task-1").Status)

	res, err = env.pipeline.Ingest(ctx, "task-1", []model.SessionEvent{toolEvent("Edit", "db/migrate.sql")})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, res.Status)
}

func TestIngestTerminalResult(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	env := newIngestEnv(t, store)
	createTask(t, store, "task-1", model.TaskStatusRunning, "C1:1")

	res, err := env.pipeline.Ingest(ctx, "task-1", []model.SessionEvent{
		textEvent("done"),
		terminalEvent(true, "internal/a.go", "internal/b.go"),
		textEvent("late output"),
	})
	require.NoError(t, err)
	assert.True(t, res.Terminal)
	assert.Equal(t, 2, res.Accepted, "events after terminal_result are dropped")
	assert.Equal(t, model.TaskStatusCompleted, res.Status)

	task := getTask(t, store, "task-1")
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, []string{"internal/a.go", "internal/b.go"}, task.ChangedFiles)
	assert.InDelta(t, 0.42, task.CostUSD, 1e-9)
	assert.Equal(t, int64(125000), task.DurationMS)
	assert.Contains(t, task.ResultSummary, "All tests pass now.")
	assert.Equal(t, "s3://transcripts/task-1.jsonl", task.ArtifactURL)
	assert.NotNil(t, task.CompletedAt)

	assert.Zero(t, env.transcript.Len("task-1"), "transcript is flushed on completion")
	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(env.archiver.bodies["task-1"]))
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		lines++
	}
	assert.Equal(t, 2, lines)

	msgs := env.chat.messages("C1:1")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "done")
	assert.Contains(t, msgs[0], "✅ finished in 2m05s")
	assert.Equal(t, "✅ [completed] fix the flaky test", env.chat.title("C1:1"))

	_, err = env.pipeline.Ingest(ctx, "task-1", []model.SessionEvent{textEvent("again")})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestIngestTerminalRetryAfterPatchFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	flaky := &flakyStore{TaskStore: store, failPatches: 1}
	env := newIngestEnv(t, flaky)
	log := eventbus.NewMemoryLog(0)
	env.pipeline.opts.EventLog = log
	createTask(t, store, "task-1", model.TaskStatusRunning, "C1:1")

	_, err := env.pipeline.Ingest(ctx, "task-1", []model.SessionEvent{textEvent("step one")})
	require.NoError(t, err)

	batch := []model.SessionEvent{textEvent("step two"), terminalEvent(true, "internal/a.go")}
	_, err = env.pipeline.Ingest(ctx, "task-1", batch)
	require.Error(t, err)
	assert.Len(t, env.broadcast.events, 1, "nothing is pushed when the final write fails")
	assert.Equal(t, 1, env.transcript.Len("task-1"), "transcript is kept for the retry")
	assert.Equal(t, model.TaskStatusRunning, getTask(t, store, "task-1").Status)

	res, err := env.pipeline.Ingest(ctx, "task-1", batch)
	require.NoError(t, err)
	assert.True(t, res.Terminal)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, int64(3), res.LastSeq)
	assert.Equal(t, 2, flaky.patches)

	require.Len(t, env.broadcast.events, 3)
	for i, ev := range env.broadcast.events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	history, err := log.Range(ctx, "task-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	var archived []string
	sc := bufio.NewScanner(bytes.NewReader(env.archiver.bodies["task-1"]))
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		archived = append(archived, e.Render())
	}
	require.Len(t, archived, 3)
	assert.Equal(t, "step one", archived[0])
	assert.Equal(t, "step two", archived[1])

	task := getTask(t, store, "task-1")
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, "s3://transcripts/task-1.jsonl", task.ArtifactURL)
	assert.Zero(t, env.transcript.Len("task-1"))
	msgs := env.chat.messages("C1:1")
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, strings.Count(msgs[0], "step two"))
	assert.Equal(t, 1, strings.Count(msgs[0], "✅ finished in 2m05s"))

	_, err = env.pipeline.Ingest(ctx, "task-1", batch)
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Len(t, env.broadcast.events, 3)
}

func TestIngestReleasesTaskLocks(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	env := newIngestEnv(t, store)
	createTask(t, store, "task-1", model.TaskStatusRunning, "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.pipeline.Ingest(ctx, "task-1", []model.SessionEvent{textEvent("tick")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := env.pipeline.Ingest(ctx, "task-1", []model.SessionEvent{terminalEvent(true)})
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.LastSeq, "sequence numbers are unique under concurrent batches")

	assert.Zero(t, env.pipeline.locks.size())
	env.pipeline.mu.Lock()
	defer env.pipeline.mu.Unlock()
	assert.Empty(t, env.pipeline.seqs)
}

func TestIngestFailedResult(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	env := newIngestEnv(t, store)
	createTask(t, store, "task-1", model.TaskStatusWaitingInput, "")

	ev := terminalEvent(false)
	ev.Terminal.Result = "max turns reached"
	res, err := env.pipeline.Ingest(ctx, "task-1", []model.SessionEvent{ev})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, res.Status)

	task := getTask(t, store, "task-1")
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.Equal(t, "max turns reached", task.ErrorMessage)
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	env := newIngestEnv(t, store)
	createTask(t, store, "task-q", model.TaskStatusQueued, "")
	createTask(t, store, "task-r", model.TaskStatusRunning, "")

	_, err := env.pipeline.Ingest(ctx, "task-r", []model.SessionEvent{{Kind: model.EventKindToolCall}})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = env.pipeline.Ingest(ctx, "task-q", []model.SessionEvent{textEvent("hi")})
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = env.pipeline.Ingest(ctx, "missing", []model.SessionEvent{textEvent("hi")})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFinalizeCancelledTask(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	env := newIngestEnv(t, store)
	createTask(t, store, "task-1", model.TaskStatusRunning, "C1:1")

	_, err := env.pipeline.Ingest(ctx, "task-1", []model.SessionEvent{textEvent("working")})
	require.NoError(t, err)
	require.NoError(t, store.CancelTask(ctx, "task-1"))

	env.pipeline.Finalize(ctx, getTask(t, store, "task-1"))
	assert.Zero(t, env.transcript.Len("task-1"))
	assert.Contains(t, env.archiver.bodies, "task-1")
	assert.Equal(t, []string{"working"}, env.chat.messages("C1:1"))
	assert.Equal(t, "🚫 [cancelled] fix the flaky test", env.chat.title("C1:1"))
}
