package thread

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegister_RejectsCollision(t *testing.T) {
	r := New(t.TempDir())
	require.NoError(t, r.Register(Record{ThreadID: "deploy-1"}))

	err := r.Register(Record{ThreadID: "deploy-1"})
	require.Error(t, err)
	var collErr *CollisionError
	require.ErrorAs(t, err, &collErr)
}

func TestRegister_RejectsAfterTerminal(t *testing.T) {
	r := New(t.TempDir())
	require.NoError(t, r.Register(Record{ThreadID: "deploy-1"}))
	require.NoError(t, r.UpdateStatus("deploy-1", StatusRunning, nil))
	require.NoError(t, r.UpdateStatus("deploy-1", StatusCompleted, nil))

	err := r.Register(Record{ThreadID: "deploy-1"})
	require.Error(t, err)
	var termErr *AlreadyTerminalError
	require.ErrorAs(t, err, &termErr)
}

func TestUpdateStatus_RejectsInvalidTransition(t *testing.T) {
	r := New(t.TempDir())
	require.NoError(t, r.Register(Record{ThreadID: "deploy-1"}))

	err := r.UpdateStatus("deploy-1", StatusCompleted, nil)
	require.Error(t, err)
	var invErr *InvalidTransitionError
	require.ErrorAs(t, err, &invErr)
}

func TestUpdateStatus_TerminalIsSticky(t *testing.T) {
	r := New(t.TempDir())
	require.NoError(t, r.Register(Record{ThreadID: "deploy-1"}))
	require.NoError(t, r.UpdateStatus("deploy-1", StatusRunning, nil))
	require.NoError(t, r.UpdateStatus("deploy-1", StatusFailed, nil))

	err := r.UpdateStatus("deploy-1", StatusRunning, nil)
	require.Error(t, err)
	var termErr *AlreadyTerminalError
	require.ErrorAs(t, err, &termErr)
}

func TestUpdateStatus_FlushesTerminalRecordToDisk(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	require.NoError(t, r.Register(Record{ThreadID: "deploy-1", DirectiveID: "deploy_staging"}))
	require.NoError(t, r.UpdateStatus("deploy-1", StatusRunning, nil))
	require.NoError(t, r.UpdateStatus("deploy-1", StatusCompleted, func(rec *Record) {
		rec.Usage.Turns = 2
	}))

	data, err := os.ReadFile(filepath.Join(dir, "deploy-1.json"))
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, StatusCompleted, rec.Status)
	require.Equal(t, 2, rec.Usage.Turns)
	require.NotNil(t, rec.EndedAt)
}

func TestCancel_MovesActiveThreadToCancelled(t *testing.T) {
	r := New(t.TempDir())
	require.NoError(t, r.Register(Record{ThreadID: "deploy-1"}))
	require.NoError(t, r.UpdateStatus("deploy-1", StatusRunning, nil))
	require.NoError(t, r.Cancel("deploy-1"))

	rec, ok := r.Get("deploy-1")
	require.True(t, ok)
	require.Equal(t, StatusCancelled, rec.Status)
}

func TestAwait_ReturnsOnTerminalStatus(t *testing.T) {
	r := New(t.TempDir())
	require.NoError(t, r.Register(Record{ThreadID: "deploy-1"}))
	require.NoError(t, r.UpdateStatus("deploy-1", StatusRunning, nil))

	done := make(chan Record, 1)
	go func() {
		rec, err := r.Await(context.Background(), "deploy-1")
		require.NoError(t, err)
		done <- rec
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.UpdateStatus("deploy-1", StatusCompleted, nil))

	select {
	case rec := <-done:
		require.Equal(t, StatusCompleted, rec.Status)
	case <-time.After(time.Second):
		t.Fatal("Await did not return after terminal status")
	}
}

func TestAwait_RespectsContextCancellation(t *testing.T) {
	r := New(t.TempDir())
	require.NoError(t, r.Register(Record{ThreadID: "deploy-1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Await(ctx, "deploy-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegisterWithRetry_SuffixesOnCollision(t *testing.T) {
	r := New(t.TempDir())
	require.NoError(t, r.Register(Record{ThreadID: "deploy-1"}))

	id, err := RegisterWithRetry(r, Record{ThreadID: "deploy-1"})
	require.NoError(t, err)
	require.NotEqual(t, "deploy-1", id)
	require.Contains(t, id, "deploy-1-")
}

func TestList_ReturnsAllRecords(t *testing.T) {
	r := New(t.TempDir())
	require.NoError(t, r.Register(Record{ThreadID: "a"}))
	require.NoError(t, r.Register(Record{ThreadID: "b"}))

	require.Len(t, r.List(), 2)
}
