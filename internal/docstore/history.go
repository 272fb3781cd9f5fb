package docstore

import (
	"time"

	"freely/api/internal/store"
)

// appendEdit records a change from before to after on a linear history and
// returns the new history together with the new pointer.
//
// Entries past cur are discarded first. The pre-edit content is appended only
// when it is not already the entry at cur, and after is not appended when it
// already sits at the tip, so the history never holds two adjacent identical
// snapshots. Version numbers are len(history)+1 at the moment of append.
func appendEdit(history []store.HistoryEntry, cur int, before, after string, now time.Time) ([]store.HistoryEntry, int) {
	next := make([]store.HistoryEntry, 0, len(history)+2)
	next = append(next, history...)

	if cur < 0 || cur >= len(next) {
		cur = len(next) - 1
	}
	if cur < len(next)-1 {
		next = next[:cur+1]
	}

	if before != "" && (cur < 0 || next[cur].Content != before) {
		next = append(next, newEntry(before, len(next), now))
	}
	if len(next) == 0 || next[len(next)-1].Content != after {
		next = append(next, newEntry(after, len(next), now))
	}
	return next, len(next) - 1
}

func initialHistory(content string, now time.Time) []store.HistoryEntry {
	return []store.HistoryEntry{newEntry(content, 0, now)}
}

func newEntry(content string, length int, now time.Time) store.HistoryEntry {
	return store.HistoryEntry{Content: content, Version: length + 1, Timestamp: now}
}

// History is the view returned by the history endpoint.
type History struct {
	Entries             []store.HistoryEntry `json:"history"`
	CurrentVersionIndex int                  `json:"current_version_index"`
	TotalVersions       int                  `json:"total_versions"`
}
