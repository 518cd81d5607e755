package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fieldline/internal/domain"
	"fieldline/internal/pgstore"
)

func TestSaveAndLoadTail(t *testing.T) {
	url := os.Getenv("FIELDLINE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("FIELDLINE_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	store, err := pgstore.Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	ts := time.Date(2024, 5, 1, 6, 30, 0, 0, time.UTC)
	events := []domain.Event{
		{ID: 7, Version: 1, Timestamp: ts, Type: "tool.start", Payload: map[string]any{"tool": "weather"}},
		{ID: 8, Version: 1, Timestamp: ts, Type: "tool.result", Payload: map[string]any{"success": true}},
	}
	require.NoError(t, store.SaveTail(ctx, events))
	require.NoError(t, store.SaveTail(ctx, events[1:]))

	got, err := store.LoadTail(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(8), got[0].ID)
	require.Equal(t, true, got[0].Payload["success"])
	require.True(t, got[0].Timestamp.Equal(ts))
}
