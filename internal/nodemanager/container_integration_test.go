//go:build integration

package nodemanager

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-dispatch/internal/config"
	"agents-dispatch/internal/nodemanager/adapter"
)

func TestContainerLauncherEchoesInput(t *testing.T) {
	l, err := NewContainerLauncher(config.SandboxConfig{Image: "alpine:latest"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := l.Ping(ctx); err != nil {
		t.Skipf("docker not available: %v", err)
	}

	encode := func(s string) []byte { return []byte(s + "\n") }
	proc, err := l.Launch(ctx, &adapter.RunConfig{
		Command:      "cat",
		WorkingDir:   t.TempDir(),
		InitialInput: encode("first"),
	}, encode)
	if errdefs.IsNotFound(err) {
		t.Skip("alpine:latest not pulled")
	}
	require.NoError(t, err)

	require.NoError(t, proc.WriteInput("second"))
	proc.CloseInput()
	assert.ErrorIs(t, proc.WriteInput("late"), ErrSessionClosed)

	out, err := io.ReadAll(proc.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(out))
	assert.NoError(t, proc.Wait())
}

func TestContainerLauncherKillsOnCancel(t *testing.T) {
	l, err := NewContainerLauncher(config.SandboxConfig{Image: "alpine:latest"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := l.Ping(ctx); err != nil {
		t.Skipf("docker not available: %v", err)
	}

	sessCtx, stop := context.WithCancel(ctx)
	proc, err := l.Launch(sessCtx, &adapter.RunConfig{
		Command:    "sleep",
		Args:       []string{"300"},
		WorkingDir: t.TempDir(),
	}, func(s string) []byte { return []byte(s) })
	if errdefs.IsNotFound(err) {
		t.Skip("alpine:latest not pulled")
	}
	require.NoError(t, err)

	stop()
	_, _ = io.ReadAll(proc.Stdout())
	assert.ErrorIs(t, proc.Wait(), context.Canceled)
}
