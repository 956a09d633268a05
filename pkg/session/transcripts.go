package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentgw/internal/observability"
	"github.com/harun/agentgw/internal/tracing"
	"github.com/harun/agentgw/pkg/store"
)

const archiveDirName = "archive"

// TranscriptStore implements store.TranscriptRepository on JSONL files
type TranscriptStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewTranscriptStore creates the transcript directory if needed
func NewTranscriptStore(dir string) (*TranscriptStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".agentgw", "transcripts")
	}

	if err := os.MkdirAll(filepath.Join(dir, archiveDirName), 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcripts directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("Transcript store initialized")

	return &TranscriptStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// validateSessionID rejects ids that could escape the transcript directory
func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (ts *TranscriptStore) activePath(sessionID string) string {
	return filepath.Join(ts.dir, sessionID+".jsonl")
}

func (ts *TranscriptStore) archivePath(sessionID string) string {
	return filepath.Join(ts.dir, archiveDirName, sessionID+".jsonl")
}

// lockFor gets or creates the write lock of a session
func (ts *TranscriptStore) lockFor(sessionID string) *sync.Mutex {
	ts.locksMu.Lock()
	defer ts.locksMu.Unlock()

	if lock, ok := ts.writeLocks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	ts.writeLocks[sessionID] = lock
	return lock
}

// Append writes one entry and syncs it to disk
func (ts *TranscriptStore) Append(ctx context.Context, entry *store.TranscriptEntry) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"agentgw.session",
		"transcript.append",
		attribute.String("session_id", entry.SessionID),
		attribute.String("event", entry.Event),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordTranscriptAppend(time.Since(start))
	}()

	if err := validateSessionID(entry.SessionID); err != nil {
		tracing.FailSpan(span, err)
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	lock := ts.lockFor(entry.SessionID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(ts.activePath(entry.SessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := file.Sync(); err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("session_id", entry.SessionID).
		Str("event", entry.Event).
		Msg("Transcript entry appended")

	return nil
}

// List returns entries in append order, archived file first
func (ts *TranscriptStore) List(ctx context.Context, sessionID string, limit, offset int) ([]*store.TranscriptEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "agentgw.session", "transcript.list", attribute.String("session_id", sessionID))
	defer span.End()

	entries, err := ts.load(ctx, sessionID)
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}
	start, end := store.Paginate(len(entries), limit, offset)
	return entries[start:end], nil
}

// Count returns the number of readable entries
func (ts *TranscriptStore) Count(ctx context.Context, sessionID string) (int, error) {
	entries, err := ts.load(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (ts *TranscriptStore) load(ctx context.Context, sessionID string) ([]*store.TranscriptEntry, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	lock := ts.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	entries := make([]*store.TranscriptEntry, 0)
	for _, path := range []string{ts.archivePath(sessionID), ts.activePath(sessionID)} {
		got, err := readEntries(ctx, path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, got...)
	}
	return entries, nil
}

func readEntries(ctx context.Context, path string) ([]*store.TranscriptEntry, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var entries []*store.TranscriptEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry store.TranscriptEntry
		if err := json.Unmarshal(line, &entry); err != nil || entry.Event == "" {
			logger.Warn().
				Str("path", path).
				Int("line", lineNum).
				Msg("Failed to parse transcript line, skipping")
			continue
		}
		entries = append(entries, &entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript file: %w", err)
	}
	return entries, nil
}

// SessionIDs lists sessions with an active (unarchived) transcript file
func (ts *TranscriptStore) SessionIDs() ([]string, error) {
	entries, err := os.ReadDir(ts.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcripts directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".jsonl"))
	}
	return ids, nil
}

// archive moves the active file of a session into the archive directory,
// appending to an existing archive file.
func (ts *TranscriptStore) archive(sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	lock := ts.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	src := ts.activePath(sessionID)
	dst := ts.archivePath(sessionID)

	if _, err := os.Stat(dst); os.IsNotExist(err) {
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to move transcript: %w", err)
		}
		return nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read transcript: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return fmt.Errorf("failed to append archive: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync archive: %w", err)
	}
	out.Close()
	return os.Remove(src)
}
