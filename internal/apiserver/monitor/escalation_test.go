package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingRemediator struct{}

func (failingRemediator) Restart(context.Context, string, string) error {
	return errors.New("etcd unavailable")
}

func TestEscalatorThresholdAndCooldown(t *testing.T) {
	ctx := context.Background()
	r := &countingRemediator{}
	e := NewEscalator(r, "api-server", 0, 0, zap.NewNop(), nil)
	now := time.Now()
	e.now = func() time.Time { return now }

	for i := 1; i < DefaultEscalateAfter; i++ {
		triggered, err := e.Fail(ctx, "db down")
		require.NoError(t, err)
		assert.False(t, triggered)
	}
	triggered, err := e.Fail(ctx, "db down")
	require.NoError(t, err)
	assert.True(t, triggered)

	e.now = func() time.Time { return now.Add(DefaultRemediationCooldown - time.Second) }
	triggered, _ = e.Fail(ctx, "db down")
	assert.False(t, triggered)

	e.now = func() time.Time { return now.Add(DefaultRemediationCooldown) }
	triggered, _ = e.Fail(ctx, "db down")
	assert.True(t, triggered)
	assert.Equal(t, 2, r.calls)
}

func TestEscalatorRemediationError(t *testing.T) {
	e := NewEscalator(failingRemediator{}, "api-server", 1, time.Minute, zap.NewNop(), nil)
	triggered, err := e.Fail(context.Background(), "db down")
	assert.True(t, triggered)
	assert.Error(t, err)
}

func TestLogRemediator(t *testing.T) {
	e := NewEscalator(nil, "api-server", 1, time.Minute, nil, nil)
	triggered, err := e.Fail(context.Background(), "db down")
	assert.True(t, triggered)
	assert.NoError(t, err)
}
