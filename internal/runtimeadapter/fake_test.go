package runtimeadapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdapterCreateAndStart(t *testing.T) {
	f := NewFakeAdapter()
	h, err := f.CreateAndStart(context.Background(), Spec{Name: "chal-1", HostPort: 9000})
	require.NoError(t, err)
	require.NotEmpty(t, h.ID)

	st, err := f.Status(context.Background(), h.ID)
	require.NoError(t, err)
	require.Equal(t, StateRunning, st.State)
}

func TestFakeAdapterPortInUse(t *testing.T) {
	f := NewFakeAdapter()
	f.MarkPortBusy(9000)

	_, err := f.CreateAndStart(context.Background(), Spec{Name: "chal-1", HostPort: 9000})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.PortInUse)

	// the busy flag is one-shot; a retry on the same port succeeds.
	h, err := f.CreateAndStart(context.Background(), Spec{Name: "chal-1", HostPort: 9000})
	require.NoError(t, err)
	require.NotEmpty(t, h.ID)
}

func TestFakeAdapterRemoveThenStatusNotFound(t *testing.T) {
	f := NewFakeAdapter()
	h, err := f.CreateAndStart(context.Background(), Spec{Name: "chal-1", HostPort: 9000})
	require.NoError(t, err)

	require.NoError(t, f.Remove(context.Background(), h.ID))

	st, err := f.Status(context.Background(), h.ID)
	require.NoError(t, err)
	require.Equal(t, StateNotFound, st.State)
}

func TestFakeAdapterLogsReturnsScriptedText(t *testing.T) {
	f := NewFakeAdapter()
	h, err := f.CreateAndStart(context.Background(), Spec{Name: "chal-1", HostPort: 9000})
	require.NoError(t, err)

	f.SetLogs(h.ID, "line one\nline two\n")

	text, err := f.Logs(context.Background(), h.ID, 0, time.Time{})
	require.NoError(t, err)
	require.Equal(t, "line one\nline two\n", text)
}

func TestFakeAdapterLogsUnknownHandleErrors(t *testing.T) {
	f := NewFakeAdapter()
	_, err := f.Logs(context.Background(), "no-such-id", 0, time.Time{})
	require.Error(t, err)
}

func TestFakeAdapterListByNamePrefix(t *testing.T) {
	f := NewFakeAdapter()
	_, err := f.CreateAndStart(context.Background(), Spec{Name: "chal-a-1", HostPort: 9000})
	require.NoError(t, err)
	_, err = f.CreateAndStart(context.Background(), Spec{Name: "chal-b-1", HostPort: 9001})
	require.NoError(t, err)

	list, err := f.ListByNamePrefix(context.Background(), "chal-a-")
	require.NoError(t, err)
	require.Len(t, list, 1)
}
