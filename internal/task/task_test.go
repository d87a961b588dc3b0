package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_Resolves(t *testing.T) {
	m := NewManager(time.Second, time.Minute)
	tk := m.Submit("ask", "sid", func(ctx context.Context) (any, error) {
		return "answer", nil
	})

	snap, err := m.Wait(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, snap.Status)
	assert.Equal(t, "answer", snap.Result)
	assert.Equal(t, "ask", snap.Kind)
	assert.NotNil(t, snap.FinishedAt)
}

func TestSubmit_Fails(t *testing.T) {
	m := NewManager(time.Second, time.Minute)
	boom := errors.New("boom")
	tk := m.Submit("process", "sid", func(ctx context.Context) (any, error) {
		return nil, boom
	})

	snap, err := m.Wait(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, "boom", snap.Error)
	assert.ErrorIs(t, tk.Err(), boom)
}

func TestCancel(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)
	started := make(chan struct{})
	tk := m.Submit("ask", "sid", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started

	snap := tk.Snapshot()
	assert.Equal(t, StatusPending, snap.Status)

	_, err := m.Cancel(tk.ID)
	require.NoError(t, err)
	snap, err = m.Wait(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, snap.Status)
}

func TestTimeoutFails(t *testing.T) {
	m := NewManager(20*time.Millisecond, time.Minute)
	tk := m.Submit("ask", "sid", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	snap, err := m.Wait(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.ErrorIs(t, tk.Err(), context.DeadlineExceeded)
}

func TestUnknownTask(t *testing.T) {
	m := NewManager(time.Second, time.Minute)
	_, err := m.Get("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = m.Cancel("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestWait_ContextDone(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)
	release := make(chan struct{})
	defer close(release)
	tk := m.Submit("ask", "sid", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	snap, err := m.Wait(ctx, tk.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusPending, snap.Status)
}
