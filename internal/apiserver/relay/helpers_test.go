package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/internal/shared/storage/repository"
)

func newStore(t *testing.T) *repository.Store {
	t.Helper()
	store, err := repository.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createTask(t *testing.T, store *repository.Store, id string, status model.TaskStatus, thread string) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:           id,
		Description:  "fix the flaky test\nmore details",
		Project:      "P",
		Status:       status,
		ChatThreadID: thread,
	}
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func getTask(t *testing.T, store *repository.Store, id string) *model.Task {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

// fakeChat 记录所有调用
type fakeChat struct {
	mu       sync.Mutex
	appends  map[string][]string
	renames  map[string]string
	failNext bool
}

func newFakeChat() *fakeChat {
	return &fakeChat{appends: make(map[string][]string), renames: make(map[string]string)}
}

func (c *fakeChat) Append(_ context.Context, thread, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return errors.New("chat unavailable")
	}
	c.appends[thread] = append(c.appends[thread], text)
	return nil
}

func (c *fakeChat) Rename(_ context.Context, thread, title string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renames[thread] = title
	return nil
}

func (c *fakeChat) messages(thread string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.appends[thread]...)
}

func (c *fakeChat) title(thread string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renames[thread]
}

// fakeBroadcaster 记录推送的事件
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []*model.SessionEvent
}

func (b *fakeBroadcaster) Publish(_ string, ev *model.SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

// fakeArchiver 保存归档内容
type fakeArchiver struct {
	bodies map[string][]byte
}

func (a *fakeArchiver) Archive(_ context.Context, taskID string, body []byte) (string, error) {
	if a.bodies == nil {
		a.bodies = make(map[string][]byte)
	}
	a.bodies[taskID] = body
	return "s3://transcripts/" + taskID + ".jsonl", nil
}

// fakeWriter 进程内会话句柄
type fakeWriter struct {
	mu     sync.Mutex
	inputs []string
	err    error
}

func (w *fakeWriter) WriteInput(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.inputs = append(w.inputs, text)
	return nil
}

// flakyStore PatchTask 前 failPatches 次调用返回错误
type flakyStore struct {
	storage.TaskStore
	mu          sync.Mutex
	failPatches int
	patches     int
}

func (s *flakyStore) PatchTask(ctx context.Context, taskID string, expected model.TaskStatus, patch *model.TaskPatch) error {
	s.mu.Lock()
	s.patches++
	fail := s.failPatches > 0
	if fail {
		s.failPatches--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return s.TaskStore.PatchTask(ctx, taskID, expected, patch)
}
