package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentgw/pkg/store"
	"github.com/harun/agentgw/pkg/store/storetest"
)

func newStore(t *testing.T) *TranscriptStore {
	t.Helper()
	ts, err := NewTranscriptStore(t.TempDir())
	require.NoError(t, err)
	return ts
}

func TestTranscriptStoreConformance(t *testing.T) {
	storetest.Transcripts(t, newStore(t))
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"3f1c2a8e-0000-4000-8000-000000000000", false},
		{"", true},
		{"../etc", true},
		{"a/b", true},
		{`a\b`, true},
		{"a\x00b", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.id), func(t *testing.T) {
			err := validateSessionID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAppendRejectsUnsafeID(t *testing.T) {
	ts := newStore(t)
	err := ts.Append(context.Background(), &store.TranscriptEntry{SessionID: "../x", Event: "agent.delta"})
	assert.Error(t, err)
}

func TestListSkipsCorruptLines(t *testing.T) {
	ts := newStore(t)
	ctx := context.Background()

	require.NoError(t, ts.Append(ctx, &store.TranscriptEntry{ID: "1", SessionID: "s", Event: "agent.accepted", Payload: json.RawMessage(`{}`)}))

	f, err := os.OpenFile(ts.activePath("s"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, ts.Append(ctx, &store.TranscriptEntry{ID: "2", SessionID: "s", Event: "agent.completed", Payload: json.RawMessage(`{}`)}))

	entries, err := ts.List(ctx, "s", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "agent.completed", entries[1].Event)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestConcurrentAppends(t *testing.T) {
	ts := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, ts.Append(ctx, &store.TranscriptEntry{
				ID:        fmt.Sprintf("e-%d", i),
				SessionID: "s",
				Event:     "agent.delta",
				Payload:   json.RawMessage(`{"delta":"x"}`),
			}))
		}(i)
	}
	wg.Wait()

	n, err := ts.Count(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}

func TestSessionIDs(t *testing.T) {
	ts := newStore(t)
	ctx := context.Background()
	require.NoError(t, ts.Append(ctx, &store.TranscriptEntry{ID: "1", SessionID: "a", Event: "agent.delta"}))
	require.NoError(t, ts.Append(ctx, &store.TranscriptEntry{ID: "1", SessionID: "b", Event: "agent.delta"}))
	require.NoError(t, os.WriteFile(filepath.Join(ts.dir, "notes.txt"), []byte("x"), 0600))

	ids, err := ts.SessionIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
