// Package session persists transcripts as append-only JSONL files, one file per
// session, and archives the files of archived sessions.
//
// Invariants:
// - Session ids are validated and path-safe.
// - Writes for the same session are serialized.
// - Entries are never rewritten; corrupt lines are skipped on read.
//
// Usage:
//
//	ts, _ := session.NewTranscriptStore("/var/lib/agentgw/transcripts")
//	_ = ts.Append(ctx, &store.TranscriptEntry{ID: "e1", SessionID: "s1", Event: "agent.accepted"})
//	entries, _ := ts.List(ctx, "s1", 50, 0)
package session
