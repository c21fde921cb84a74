package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kiwi-run/kiwi/pkg/environ"
	"github.com/kiwi-run/kiwi/pkg/harness"
	"github.com/kiwi-run/kiwi/pkg/kernel"
)

func newTestHarness(t *testing.T) *harness.Harness {
	t.Helper()
	auth, err := environ.LoadDotenvStore()
	require.NoError(t, err)
	k, err := kernel.New(kernel.Config{ProjectDir: t.TempDir()}, auth)
	require.NoError(t, err)
	return harness.New(k, harness.Config{}, nil)
}

func TestHarnessMethod(t *testing.T) {
	require.True(t, HarnessMethod("thread.spawn"))
	require.True(t, HarnessMethod("thread.wait"))
	require.False(t, HarnessMethod("search"))
}

func TestDispatchHarness_SpawnRequiresDirectiveID(t *testing.T) {
	h := newTestHarness(t)
	_, rpcErr := DispatchHarness(context.Background(), h, Request{
		Method: "thread.spawn",
		Params: json.RawMessage(`{}`),
	})
	require.NotNil(t, rpcErr)
	require.Equal(t, InvalidParams, rpcErr.Code)
}

func TestDispatchHarness_StatusUnknownThread(t *testing.T) {
	h := newTestHarness(t)
	_, rpcErr := DispatchHarness(context.Background(), h, Request{
		Method: "thread.status",
		Params: json.RawMessage(`{"thread_id": "nope"}`),
	})
	require.NotNil(t, rpcErr)
	require.Equal(t, "not_found", rpcErr.Data["kind"])
}

func TestDispatchHarness_UnknownMethod(t *testing.T) {
	h := newTestHarness(t)
	_, rpcErr := DispatchHarness(context.Background(), h, Request{Method: "bogus"})
	require.NotNil(t, rpcErr)
	require.Equal(t, MethodNotFound, rpcErr.Code)
}
