package tasks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDrained(t *testing.T, r *Registry) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Active() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestSubmitRunsAndUnregisters(t *testing.T) {
	r := NewRegistry(nil)
	ran := make(chan struct{})
	err := r.Submit(context.Background(), "sql-run-1", "u1", func(context.Context) error {
		close(ran)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	waitDrained(t, r)
}

func TestSubmitRejectsDuplicateName(t *testing.T) {
	r := NewRegistry(nil)
	release := make(chan struct{})
	require.NoError(t, r.Submit(context.Background(), "tree-run-9", "u1", func(ctx context.Context) error {
		<-release
		return nil
	}))

	err := r.Submit(context.Background(), "tree-run-9", "u1", func(context.Context) error { return nil })
	assert.ErrorContains(t, err, "already running")

	close(release)
	waitDrained(t, r)

	// Once drained the name is free again.
	require.NoError(t, r.Submit(context.Background(), "tree-run-9", "u1", func(context.Context) error { return nil }))
	waitDrained(t, r)
}

func TestCancelStopsTask(t *testing.T) {
	r := NewRegistry(nil)
	started := make(chan struct{})
	require.NoError(t, r.Submit(context.Background(), "config-run-2", "u1", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	assert.True(t, r.Cancel("config-run-2"))
	waitDrained(t, r)
	assert.False(t, r.Cancel("config-run-2"))
	assert.False(t, r.Cancel("never-existed"))
}

func TestSubmitRecoversPanic(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Submit(context.Background(), "panics", "u1", func(context.Context) error {
		panic("kaboom")
	}))
	waitDrained(t, r)
}

func TestListByUser(t *testing.T) {
	r := NewRegistry(nil)
	release := make(chan struct{})
	blocked := func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	require.NoError(t, r.Submit(context.Background(), "a", "alice", blocked))
	require.NoError(t, r.Submit(context.Background(), "b", "alice", blocked))
	require.NoError(t, r.Submit(context.Background(), "c", "bob", blocked))

	infos := r.ListByUser("alice")
	require.Len(t, infos, 2)
	names := []string{infos[0].Name, infos[1].Name}
	assert.ElementsMatch(t, []string{"a", "b"}, names)
	assert.False(t, infos[0].StartedAt.IsZero())

	assert.Len(t, r.ListByUser("bob"), 1)
	assert.Empty(t, r.ListByUser("nobody"))
	assert.Equal(t, 3, r.Active())

	close(release)
	waitDrained(t, r)
}

func TestCancelAllDrainsAndCloses(t *testing.T) {
	r := NewRegistry(nil)
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("run-%d", i)
		require.NoError(t, r.Submit(context.Background(), name, "u1", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}))
	}
	r.CancelAll(2 * time.Second)
	assert.Equal(t, 0, r.Active())

	err := r.Submit(context.Background(), "late", "u1", func(context.Context) error { return nil })
	assert.ErrorContains(t, err, "shutting down")
}

func TestParentContextCancellation(t *testing.T) {
	r := NewRegistry(nil)
	parent, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	require.NoError(t, r.Submit(parent, "child", "u1", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started
	cancel()
	waitDrained(t, r)
}
