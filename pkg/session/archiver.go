package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/agentgw/pkg/store"
)

const (
	DefaultArchiveAfter = 24 * time.Hour
)

// Archiver moves transcripts of archived sessions out of the active directory
type Archiver struct {
	transcripts  *TranscriptStore
	sessions     store.SessionRepository
	archiveAfter time.Duration
	now          func() time.Time
}

// NewArchiver creates a new transcript archiver
func NewArchiver(transcripts *TranscriptStore, sessions store.SessionRepository, archiveAfter time.Duration) *Archiver {
	if archiveAfter == 0 {
		archiveAfter = DefaultArchiveAfter
	}

	return &Archiver{
		transcripts:  transcripts,
		sessions:     sessions,
		archiveAfter: archiveAfter,
		now:          time.Now,
	}
}

// Run archives every eligible transcript once and returns how many moved.
// A session is eligible when it is archived and was last updated more than
// archiveAfter ago.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	ids, err := a.transcripts.SessionIDs()
	if err != nil {
		return 0, fmt.Errorf("failed to list transcripts: %w", err)
	}

	now := a.now()
	archived := 0

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return archived, err
		}

		sess, err := a.sessions.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Warn().Str("session_id", id).Err(err).Msg("Failed to load session for archiving")
			continue
		}
		if !sess.Archived || now.Sub(sess.UpdatedAt) < a.archiveAfter {
			continue
		}

		if err := a.transcripts.archive(id); err != nil {
			log.Error().Str("session_id", id).Err(err).Msg("Failed to archive transcript")
			continue
		}
		archived++
	}

	if archived > 0 {
		log.Info().Int("archived", archived).Msg("Archived transcripts")
	}
	return archived, nil
}

// ArchiveAfter returns the archive delay
func (a *Archiver) ArchiveAfter() time.Duration {
	return a.archiveAfter
}
